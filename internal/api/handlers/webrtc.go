package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/signaling"
)

type WebRTCHandler struct {
	relay    *signaling.Relay
	sessions *authsession.Service
}

func NewWebRTCHandler(relay *signaling.Relay, sessions *authsession.Service) *WebRTCHandler {
	return &WebRTCHandler{relay: relay, sessions: sessions}
}

// exchangeID retourne {sessionId} après contrôle d'accès. Un échange sans
// session d'authentification en base (ouvert à la volée) est accessible à
// tout appelant authentifié.
func (h *WebRTCHandler) exchangeID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionId")
	as, err := h.sessions.Get(r.Context(), id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if _, err := identity(r); err != nil {
			writeError(w, r, err)
			return "", false
		}
		return id, true
	case err != nil:
		writeError(w, r, err)
		return "", false
	}
	if err := authorizeSession(r, as, false); err != nil {
		writeError(w, r, err)
		return "", false
	}
	return id, true
}

// writeSignalingError ajoute retry: true quand l'offre ou la réponse n'est
// pas encore disponible.
func writeSignalingError(w http.ResponseWriter, r *http.Request, err error) {
	if signaling.NotReady(err) {
		jsonResponse(w, map[string]interface{}{"error": apperr.Message(err), "retry": true}, http.StatusNotFound)
		return
	}
	writeError(w, r, err)
}

func (h *WebRTCHandler) ICEServers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{"success": true, "iceServers": h.relay.ICEServers()}, http.StatusOK)
}

func (h *WebRTCHandler) Stats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{"success": true, "stats": h.relay.Stats()}, http.StatusOK)
}

// ─── Offre / réponse ──────────────────────────────────────────────────────────

type descriptionRequest struct {
	Offer      *webrtc.SessionDescription `json:"offer"`
	Answer     *webrtc.SessionDescription `json:"answer"`
	Candidates []webrtc.ICECandidateInit  `json:"candidates"`
}

func (h *WebRTCHandler) PutOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	var req descriptionRequest
	if err := decodeJSON(r, &req, false); err != nil || req.Offer == nil {
		jsonError(w, "Invalid offer format", http.StatusBadRequest)
		return
	}
	if err := h.relay.PutOffer(r.Context(), id, *req.Offer, req.Candidates); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

func (h *WebRTCHandler) PutAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	var req descriptionRequest
	if err := decodeJSON(r, &req, false); err != nil || req.Answer == nil {
		jsonError(w, "Invalid answer format", http.StatusBadRequest)
		return
	}
	if err := h.relay.PutAnswer(r.Context(), id, *req.Answer, req.Candidates); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

func (h *WebRTCHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	d, err := h.relay.GetOffer(r.Context(), id)
	if err != nil {
		writeSignalingError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "offer": d.SDP, "candidates": d.Candidates}, http.StatusOK)
}

func (h *WebRTCHandler) GetAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	d, err := h.relay.GetAnswer(r.Context(), id)
	if err != nil {
		writeSignalingError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "answer": d.SDP, "candidates": d.Candidates}, http.StatusOK)
}

// ─── Candidats ICE ────────────────────────────────────────────────────────────

// candidateRequest accepte le candidat sous forme de chaîne (champs voisins
// sdpMid, sdpMLineIndex...) ou d'objet RTCIceCandidateInit complet.
type candidateRequest struct {
	Candidate        json.RawMessage `json:"candidate"`
	SDPMid           *string         `json:"sdpMid"`
	SDPMLineIndex    *uint16         `json:"sdpMLineIndex"`
	UsernameFragment *string         `json:"usernameFragment"`
	Source           string          `json:"source"`
}

func (c *candidateRequest) init() (webrtc.ICECandidateInit, error) {
	var out webrtc.ICECandidateInit
	if len(c.Candidate) == 0 || string(c.Candidate) == "null" {
		return out, apperr.New(apperr.Invalid, "Candidate required")
	}
	var s string
	if err := json.Unmarshal(c.Candidate, &s); err == nil {
		out = webrtc.ICECandidateInit{
			Candidate:        s,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}
		return out, nil
	}
	if err := json.Unmarshal(c.Candidate, &out); err != nil {
		return out, apperr.New(apperr.Invalid, "invalid candidate")
	}
	return out, nil
}

func (h *WebRTCHandler) AddCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	var req candidateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	source := req.Source
	if source == "" {
		source = "client"
	}
	dir, ok := signaling.ParseDirection(source)
	if !ok {
		jsonError(w, "invalid candidate source", http.StatusBadRequest)
		return
	}
	c, err := req.init()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.relay.AddCandidate(r.Context(), id, dir, c); err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

func (h *WebRTCHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	dir, ok := signaling.ParseDirection(chi.URLParam(r, "type"))
	if !ok {
		jsonError(w, "candidate type must be local or remote", http.StatusBadRequest)
		return
	}
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			jsonError(w, "since must be a Unix timestamp in milliseconds", http.StatusBadRequest)
			return
		}
		since = n
	}
	list, err := h.relay.Candidates(id, dir, since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"success": true, "candidates": list}, http.StatusOK)
}

func (h *WebRTCHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.exchangeID(w, r)
	if !ok {
		return
	}
	h.relay.Close(id)
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}
