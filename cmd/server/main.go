package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/polydev/master-controller/internal/agent"
	"github.com/polydev/master-controller/internal/api"
	"github.com/polydev/master-controller/internal/auth"
	"github.com/polydev/master-controller/internal/authsession"
	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/config"
	"github.com/polydev/master-controller/internal/db"
	"github.com/polydev/master-controller/internal/handoff"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/monitor"
	"github.com/polydev/master-controller/internal/signaling"
	"github.com/polydev/master-controller/internal/vm"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logx.Fatalf("invalid configuration: %v", err)
	}
	if err := logx.Configure(cfg.LogLevel, cfg.Debug); err != nil {
		logx.Fatalf("%v", err)
	}

	if cfg.Debug {
		logx.Warnf("⚠ DEBUG MODE ENABLED, ne pas utiliser en production")
		logx.Infof("  port           : %s", cfg.Port)
		logx.Infof("  allowed_origins: %s", strings.Join(cfg.AllowedOrigins, ","))
		logx.Infof("  store          : %s", cfg.StoreDriver)
		logx.Infof("  vm_subnet      : %s", cfg.Subnet())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatalf("%v", err)
	}
}

// openStore est remplacé par les tests.
var openStore = db.Open

// run démarre les services et bloque jusqu'à l'annulation de ctx. Les
// ressources sont libérées avant le retour.
func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("cannot open %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	// ─── Chiffrement des identifiants ─────────────────────────────────────────
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	if masterKey == nil {
		logx.Warnf("ENCRYPTION_MASTER_KEY not set, deriving a development key from JWT_SECRET")
		masterKey = auth.DevMasterKey(cfg.JWTSecret)
	}
	box, err := auth.NewBox(masterKey)
	if err != nil {
		return err
	}

	// ─── Collaborateurs externes ──────────────────────────────────────────────
	var hv vm.Hypervisor = vm.NopHypervisor{}
	if cfg.HypervisorURL != "" {
		hv = vm.NewHTTPHypervisor(cfg.HypervisorURL, 30*time.Second)
	} else {
		logx.Warnf("HYPERVISOR_URL not set, VMs are only recorded")
	}

	var transfer handoff.Transferer = handoff.Disabled{}
	if cfg.HandoffSSHKeyPath != "" {
		signer, err := handoff.LoadSigner(cfg.HandoffSSHKeyPath)
		if err != nil {
			return fmt.Errorf("hand-off key: %w", err)
		}
		transfer = handoff.NewSFTPTransferer(cfg.HandoffSSHUser, cfg.HandoffSSHPort, signer, cfg.VMAgentTimeout)
	} else {
		logx.Warnf("HANDOFF_SSH_KEY_PATH not set, credentials stay in the database only")
	}

	// ─── Services ─────────────────────────────────────────────────────────────
	clk := clock.Real()
	vms := vm.NewManager(store, hv, clk, cfg)
	relay := signaling.NewRelay(clk, cfg.SignalingTTL,
		signaling.ICEServersFromURLs(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNUsername, cfg.TURNCredential), store)
	sessions := authsession.NewService(store, vms, relay,
		agent.NewClient(cfg.VMAgentPort, cfg.VMAgentTimeout), transfer, box, clk,
		authsession.Options{Timeout: cfg.AuthSessionTimeout, NoVNCURL: cfg.NoVNCURL})

	mon := monitor.New(clk, cfg.HealthSweepInterval)
	mon.Register(monitor.VMs(vms))
	mon.Register(monitor.AuthSessions(sessions))
	mon.Register(monitor.Signaling(relay, clk))

	monCtx, stopMonitor := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(monCtx)
	}()

	router := api.NewRouter(cfg, api.Services{VMs: vms, Sessions: sessions, Relay: relay})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logx.Infof("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stopMonitor()
		<-monDone
		return fmt.Errorf("server error: %w", err)
	}

	logx.Infof("shutting down server...")
	stopMonitor()
	<-monDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Errorf("forced shutdown: %v", err)
	}
	logx.Infof("server exited")
	return nil
}
