package handlers

import (
	"net/http"
	"time"
)

// Health répond sans authentification pour les sondes de l'orchestrateur.
func Health(w http.ResponseWriter, started time.Time) {
	jsonResponse(w, map[string]interface{}{
		"status":    "ok",
		"uptime":    int64(time.Since(started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}
