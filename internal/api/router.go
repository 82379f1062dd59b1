package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/polydev/master-controller/internal/api/handlers"
	mw "github.com/polydev/master-controller/internal/api/middleware"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/signaling"
	"github.com/polydev/master-controller/internal/vm"
	"github.com/polydev/master-controller/internal/vnc"
)

// Services regroupe les composants exposés par l'API.
type Services struct {
	VMs      *vm.Manager
	Sessions *authsession.Service
	Relay    *signaling.Relay
}

func NewRouter(cfg *config.Config, svc Services) http.Handler {
	r := chi.NewRouter()
	started := time.Now()

	// ─── Middlewares globaux ───────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// ─── Handlers ─────────────────────────────────────────────────────────────
	vmHandler := handlers.NewVMHandler(svc.VMs, cfg)
	sessionHandler := handlers.NewAuthSessionHandler(svc.Sessions)
	webrtcHandler := handlers.NewWebRTCHandler(svc.Relay, svc.Sessions)
	resolver := handlers.NewConsoleResolver(svc.VMs, svc.Sessions, cfg)
	vncHandler := vnc.NewHandler(resolver.Resolve, vnc.Options{
		Port:           cfg.VNCPort,
		AllowedOrigins: cfg.AllowedOrigins,
		DialAttempts:   cfg.VNCDialAttempts,
		DialBackoff:    cfg.VNCDialBackoff,
		DialTimeout:    cfg.VNCDialTimeout,
	})

	// ─── Health check ─────────────────────────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		handlers.Health(w, started)
	})

	// ─── Console VNC (WebSocket, sans timeout de requête) ─────────────────────
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))
		r.Get("/vnc/{target}", func(w http.ResponseWriter, r *http.Request) {
			vncHandler.ServeTarget(w, r, chi.URLParam(r, "target"))
		})
	})

	// ─── Routes authentifiées (access ou agent) ───────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(mw.RateLimit(cfg.RateLimitPerMinute))
		r.Use(mw.Authenticate(cfg.JWTSecret))

		// Sessions d'authentification
		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/start", sessionHandler.Start)
			r.Get("/sessions/{userId}", sessionHandler.ListByUser)
			r.Get("/credentials/{userId}", sessionHandler.Credentials)
			r.Get("/validate/{userId}/{provider}", sessionHandler.Validate)

			r.Route("/session/{sessionId}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Get("/vm", sessionHandler.SessionVM)
				r.Post("/cancel", sessionHandler.Cancel)
				r.Post("/heartbeat", sessionHandler.Heartbeat)
				r.Post("/awaiting", sessionHandler.Awaiting)
				r.Post("/progress", sessionHandler.Progress)
				r.Post("/complete", sessionHandler.Complete)
				r.Post("/fail", sessionHandler.Fail)
				r.Get("/oauth-url", sessionHandler.OAuthURL)
				r.Post("/open-url", sessionHandler.OpenURL)
				r.Get("/credentials/status", sessionHandler.CredentialStatus)
			})
		})

		// Signalisation WebRTC
		r.Route("/api/webrtc", func(r chi.Router) {
			r.Get("/ice-servers", webrtcHandler.ICEServers)
			r.With(mw.RequireAdmin).Get("/stats", webrtcHandler.Stats)
			r.Route("/session/{sessionId}", func(r chi.Router) {
				r.Post("/offer", webrtcHandler.PutOffer)
				r.Get("/offer", webrtcHandler.GetOffer)
				r.Post("/answer", webrtcHandler.PutAnswer)
				r.Get("/answer", webrtcHandler.GetAnswer)
				r.Post("/candidate", webrtcHandler.AddCandidate)
				r.Get("/candidates/{type}", webrtcHandler.Candidates)
				r.Delete("/", webrtcHandler.Delete)
			})
		})

		// VMs
		r.Route("/api/users/{userId}", func(r chi.Router) {
			r.Post("/vm", vmHandler.CreateUserVM)
			r.Get("/vm", vmHandler.GetUserVM)
			r.Delete("/vm", vmHandler.DestroyUserVM)
			r.Get("/vms", vmHandler.ListUserVMs)
		})
		r.Route("/api/vms/{vmId}", func(r chi.Router) {
			r.Get("/", vmHandler.Get)
			r.Delete("/", vmHandler.Destroy)
			r.Post("/start", vmHandler.Start)
			r.Post("/stop", vmHandler.Stop)
			r.Post("/heartbeat", vmHandler.Heartbeat)
			r.Post("/ready", vmHandler.Heartbeat)
			r.Get("/console", vmHandler.Console)
		})
	})

	return r
}
