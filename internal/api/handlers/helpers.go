package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/logx"
)

const maxBodyBytes = 1 << 20

func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

// writeError traduit une erreur applicative en réponse JSON.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		logx.Errorf("[api] %s %s: %v", r.Method, r.URL.Path, err)
	}
	jsonError(w, apperr.Message(err), apperr.HTTPStatus(kind))
}

// decodeJSON lit le corps de la requête. Un corps vide est accepté quand
// optional est vrai.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return apperr.New(apperr.Invalid, "invalid request body")
	}
	return nil
}

// relayAgent renvoie telle quelle la réponse de l'agent de la VM.
func relayAgent(w http.ResponseWriter, resp *agent.Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
