package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/polydev/master-controller/internal/logx"
)

// RequestLogger journalise chaque requête une fois servie.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				// Connexion détournée (WebSocket) ou handler muet.
				status = http.StatusSwitchingProtocols
			}
			logx.Infof("[http] %s %s %d %dB %s from %s reqid=%s",
				r.Method, r.URL.Path, status, ww.BytesWritten(), time.Since(start).Round(time.Millisecond),
				r.RemoteAddr, middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
