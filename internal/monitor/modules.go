package monitor

import (
	"context"
	"time"

	"github.com/polydev/master-controller/internal/clock"
	"github.com/polydev/master-controller/internal/logx"
	"github.com/polydev/master-controller/internal/models"
)

// ─── VMs ──────────────────────────────────────────────────────────────────────

type VMReaper interface {
	StaleVMs(ctx context.Context) ([]*models.VM, error)
	DestroyVM(ctx context.Context, id string) (*models.VM, error)
}

// VMs détruit les VMs sans heartbeat récent et celles jamais démarrées.
func VMs(r VMReaper) Module {
	return Module{
		Name: "vms",
		Scan: func(ctx context.Context) ([]string, error) {
			vms, err := r.StaleVMs(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(vms))
			for _, vm := range vms {
				logx.Warnf("[monitor] VM %s (%s, user %s) is stale in state %s", vm.ID, vm.Type, vm.UserID, vm.Status)
				ids = append(ids, vm.ID)
			}
			return ids, nil
		},
		Collect: func(ctx context.Context, ids []string) error {
			return each(ctx, ids, func(ctx context.Context, id string) error {
				_, err := r.DestroyVM(ctx, id)
				return err
			})
		},
	}
}

// ─── Sessions d'authentification ──────────────────────────────────────────────

type SessionExpirer interface {
	Overdue(ctx context.Context) ([]*models.AuthSession, error)
	ExpireSession(ctx context.Context, id string) error
}

func AuthSessions(e SessionExpirer) Module {
	return Module{
		Name: "auth_sessions",
		Scan: func(ctx context.Context) ([]string, error) {
			sessions, err := e.Overdue(ctx)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(sessions))
			for _, as := range sessions {
				ids = append(ids, as.ID)
			}
			return ids, nil
		},
		Collect: func(ctx context.Context, ids []string) error {
			return each(ctx, ids, e.ExpireSession)
		},
	}
}

// ─── Signalisation ────────────────────────────────────────────────────────────

type ExchangeSweeper interface {
	Expired(now time.Time) []string
	Close(id string) bool
}

func Signaling(s ExchangeSweeper, clk clock.Clock) Module {
	return Module{
		Name: "signaling",
		Scan: func(context.Context) ([]string, error) {
			return s.Expired(clk.Now()), nil
		},
		Collect: func(ctx context.Context, ids []string) error {
			return each(ctx, ids, func(_ context.Context, id string) error {
				s.Close(id)
				return nil
			})
		},
	}
}
