package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/polydev/master-controller/internal/api/middleware"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/models"
)

type AuthSessionHandler struct {
	sessions *authsession.Service
}

func NewAuthSessionHandler(sessions *authsession.Service) *AuthSessionHandler {
	return &AuthSessionHandler{sessions: sessions}
}

// load lit la session {sessionId} et vérifie l'accès de l'appelant.
func (h *AuthSessionHandler) load(w http.ResponseWriter, r *http.Request, agentOnly bool) *models.AuthSession {
	as, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err == nil {
		err = authorizeSession(r, as, agentOnly)
	}
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	return as
}

func sessionResponse(w http.ResponseWriter, as *models.AuthSession) {
	jsonResponse(w, map[string]interface{}{"success": true, "session": as}, http.StatusOK)
}

// ─── Démarrage / lecture ──────────────────────────────────────────────────────

type startRequest struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
}

func (h *AuthSessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		if id := mw.GetIdentity(r); id != nil {
			req.UserID = id.UserID
		}
	}
	if req.Provider == "" {
		jsonError(w, "provider is required", http.StatusBadRequest)
		return
	}
	if err := authorizeUser(r, req.UserID); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.sessions.StartSession(r.Context(), req.UserID, req.Provider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"success":   true,
		"sessionId": res.Session.ID,
		"provider":  res.Session.Provider,
		"status":    res.Session.Status,
		"novncURL":  res.NoVNCURL,
		"browserIP": res.BrowserIP,
		"timeoutAt": res.Session.TimeoutAt,
	}, http.StatusOK)
}

func (h *AuthSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	jsonResponse(w, map[string]interface{}{"session": as}, http.StatusOK)
}

func (h *AuthSessionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.sessions.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.AuthSession{}
	}
	jsonResponse(w, map[string]interface{}{"sessions": sessions}, http.StatusOK)
}

// SessionVM retourne la VM navigateur ; 410 si elle a été détruite.
func (h *AuthSessionHandler) SessionVM(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	vm, err := h.sessions.SessionVM(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"vm": vm}, http.StatusOK)
}

// ─── Transitions ──────────────────────────────────────────────────────────────

func (h *AuthSessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	updated, err := h.sessions.Cancel(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

func (h *AuthSessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	updated, err := h.sessions.Heartbeat(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

func (h *AuthSessionHandler) Awaiting(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, true)
	if as == nil {
		return
	}
	updated, err := h.sessions.TransitionToAwaitingAuth(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

func (h *AuthSessionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, true)
	if as == nil {
		return
	}
	updated, err := h.sessions.MarkInProgress(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

func (h *AuthSessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, true)
	if as == nil {
		return
	}
	var req struct {
		Credentials json.RawMessage `json:"credentials"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.sessions.Complete(r.Context(), as.ID, req.Credentials)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

func (h *AuthSessionHandler) Fail(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, true)
	if as == nil {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.sessions.Fail(r.Context(), as.ID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionResponse(w, updated)
}

// ─── Agent OAuth de la VM navigateur ──────────────────────────────────────────

func (h *AuthSessionHandler) OAuthURL(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	resp, err := h.sessions.OAuthURL(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	relayAgent(w, resp)
}

func (h *AuthSessionHandler) OpenURL(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.sessions.OpenURL(r.Context(), as.ID, req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	relayAgent(w, resp)
}

func (h *AuthSessionHandler) CredentialStatus(w http.ResponseWriter, r *http.Request) {
	as := h.load(w, r, false)
	if as == nil {
		return
	}
	resp, err := h.sessions.CredentialStatus(r.Context(), as.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	relayAgent(w, resp)
}

// ─── Identifiants stockés ─────────────────────────────────────────────────────

func (h *AuthSessionHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := h.sessions.Credentials(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if creds == nil {
		creds = []*models.ProviderCredential{}
	}
	jsonResponse(w, map[string]interface{}{"credentials": creds}, http.StatusOK)
}

func (h *AuthSessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorizeUser(r, userID); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.sessions.Validate(r.Context(), userID, chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, v, http.StatusOK)
}
