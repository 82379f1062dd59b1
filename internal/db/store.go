package db

import (
	"context"
	"errors"
	"time"

	"github.com/polydev/master-controller/internal/models"
)

var (
	// ErrNotFound est retourné quand une opération ne trouve pas la ressource ciblée.
	ErrNotFound = errors.New("not found")
	// ErrConflict signale une violation d'unicité (VM active en double).
	ErrConflict = errors.New("conflict")
	// ErrPrecondition signale qu'une mise à jour conditionnelle n'a touché aucune
	// ligne : l'enregistrement existe mais n'est pas dans l'état attendu. La valeur
	// courante est retournée avec l'erreur.
	ErrPrecondition = errors.New("precondition failed")
)

// Store est le registre persistant des VMs, sessions d'authentification et
// identifiants fournisseur. Toutes les mutations d'état sont des mises à jour
// conditionnelles sur l'état courant.
type Store interface {
	// VMs
	InsertVM(ctx context.Context, vm *models.VM) error
	GetVM(ctx context.Context, id string) (*models.VM, error)
	FindActiveVM(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error)
	ListVMsByUser(ctx context.Context, userID string) ([]*models.VM, error)
	TransitionVM(ctx context.Context, id string, from []models.VMStatus, to models.VMStatus) (*models.VM, error)
	RecordVMHeartbeat(ctx context.Context, id string, hb models.Heartbeat) (*models.VM, error)
	MarkVMDestroyed(ctx context.Context, id string, at time.Time) (*models.VM, error)
	ListStaleVMs(ctx context.Context, heartbeatBefore, provisionedBefore time.Time) ([]*models.VM, error)

	// Sessions d'authentification
	InsertAuthSession(ctx context.Context, s *models.AuthSession) error
	GetAuthSession(ctx context.Context, id string) (*models.AuthSession, error)
	ListAuthSessionsByUser(ctx context.Context, userID string) ([]*models.AuthSession, error)
	TransitionAuthSession(ctx context.Context, id string, from []models.AuthStatus, t models.AuthTransition) (*models.AuthSession, error)
	CompleteAuthSession(ctx context.Context, id string, from []models.AuthStatus, at time.Time, cred *models.ProviderCredential) (*models.AuthSession, error)
	TouchAuthSession(ctx context.Context, id string, at time.Time) (*models.AuthSession, error)
	SetAuthSessionHandoffError(ctx context.Context, id, msg string) error
	SetAuthSessionSignaling(ctx context.Context, id string, snap models.SignalingSnapshot) error
	ListOverdueAuthSessions(ctx context.Context, now time.Time) ([]*models.AuthSession, error)

	// Identifiants fournisseur
	GetCredential(ctx context.Context, userID string, provider models.Provider) (*models.ProviderCredential, error)
	ListCredentials(ctx context.Context, userID string) ([]*models.ProviderCredential, error)

	Close()
}

// Open ouvre le store correspondant au driver configuré et applique les migrations.
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch driver {
	case "postgres":
		pool, err := Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, errors.New("unknown store driver " + driver)
}

func vmStatusStrings(statuses []models.VMStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func authStatusStrings(statuses []models.AuthStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
