// Package monitor balaie périodiquement les ressources abandonnées : VMs
// muettes, sessions d'authentification échues, échanges WebRTC expirés.
//
// Chaque module fournit Scan (les identifiants à traiter) et Collect (le
// traitement). Les modules tournent en parallèle à chaque passe ; leurs
// erreurs sont agrégées sans interrompre les autres.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/logx"
	"golang.org/x/sync/errgroup"
)

type Module struct {
	Name string

	// Scan liste les identifiants à traiter pendant la passe.
	Scan func(ctx context.Context) ([]string, error)

	// Collect traite les identifiants retournés par Scan. Une erreur sur un
	// identifiant n'empêche pas le traitement des suivants.
	Collect func(ctx context.Context, ids []string) error
}

type Monitor struct {
	modules  []Module
	clock    clock.Clock
	interval time.Duration
}

func New(clk clock.Clock, interval time.Duration) *Monitor {
	return &Monitor{clock: clk, interval: interval}
}

func (m *Monitor) Register(mod Module) {
	m.modules = append(m.modules, mod)
}

// Run effectue une passe immédiate puis une passe par intervalle, jusqu'à
// l'annulation du contexte.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	logx.Infof("[monitor] sweeping every %s (%d modules)", m.interval, len(m.modules))
	for {
		if err := m.SweepOnce(ctx); err != nil {
			logx.Errorf("[monitor] %v", err)
		}
		select {
		case <-ctx.Done():
			logx.Infof("[monitor] stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce exécute une passe de tous les modules.
func (m *Monitor) SweepOnce(ctx context.Context) error {
	errs := make([]error, len(m.modules))
	var g errgroup.Group
	for i, mod := range m.modules {
		g.Go(func() error {
			errs[i] = m.sweep(ctx, mod)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (m *Monitor) sweep(ctx context.Context, mod Module) error {
	ids, err := mod.Scan(ctx)
	if err != nil {
		return fmt.Errorf("%s: scan: %w", mod.Name, err)
	}
	if len(ids) == 0 {
		return nil
	}
	logx.Infof("[monitor] %s: %d to collect", mod.Name, len(ids))
	if err := mod.Collect(ctx, ids); err != nil {
		return fmt.Errorf("%s: collect: %w", mod.Name, err)
	}
	return nil
}

// each applique fn à chaque identifiant et agrège les échecs.
func each(ctx context.Context, ids []string, fn func(context.Context, string) error) error {
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := fn(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
