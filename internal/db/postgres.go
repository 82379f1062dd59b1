package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polydev/master-controller/internal/models"
)

// PostgresStore implémente Store sur un pool pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() { s.pool.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ─── VMs ──────────────────────────────────────────────────────────────────────

const vmColumns = `id, user_id, vm_type, status, ip_address, vcpu_count, memory_mb,
	cpu_usage, memory_usage, created_at, last_heartbeat, destroyed_at`

func scanVM(row rowScanner) (*models.VM, error) {
	vm := &models.VM{}
	err := row.Scan(
		&vm.ID, &vm.UserID, &vm.Type, &vm.Status, &vm.IPAddress, &vm.VCPUCount, &vm.MemoryMB,
		&vm.CPUUsage, &vm.MemoryUsage, &vm.CreatedAt, &vm.LastHeartbeat, &vm.DestroyedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return vm, err
}

func (s *PostgresStore) InsertVM(ctx context.Context, vm *models.VM) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vms (id, user_id, vm_type, status, ip_address, vcpu_count, memory_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, vm.ID, vm.UserID, vm.Type, vm.Status, vm.IPAddress, vm.VCPUCount, vm.MemoryMB, vm.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVM(ctx context.Context, id string) (*models.VM, error) {
	return scanVM(s.pool.QueryRow(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = $1`, id))
}

func (s *PostgresStore) FindActiveVM(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	return scanVM(s.pool.QueryRow(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE user_id = $1 AND vm_type = $2 AND destroyed_at IS NULL
	`, userID, vmType))
}

func (s *PostgresStore) ListVMsByUser(ctx context.Context, userID string) ([]*models.VM, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vmColumns+` FROM vms WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return collectVMs(rows)
}

func collectVMs(rows pgx.Rows) ([]*models.VM, error) {
	defer rows.Close()
	vms := []*models.VM{}
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// vmAfterMiss distingue une VM absente d'une VM dans un autre état après une
// mise à jour conditionnelle sans effet.
func (s *PostgresStore) vmAfterMiss(ctx context.Context, id string) (*models.VM, error) {
	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	return vm, ErrPrecondition
}

func (s *PostgresStore) TransitionVM(ctx context.Context, id string, from []models.VMStatus, to models.VMStatus) (*models.VM, error) {
	vm, err := scanVM(s.pool.QueryRow(ctx, `
		UPDATE vms SET status = $2
		WHERE id = $1 AND status = ANY($3) AND destroyed_at IS NULL
		RETURNING `+vmColumns, id, to, vmStatusStrings(from)))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *PostgresStore) RecordVMHeartbeat(ctx context.Context, id string, hb models.Heartbeat) (*models.VM, error) {
	var ip *string
	if hb.IP != "" {
		ip = &hb.IP
	}
	vm, err := scanVM(s.pool.QueryRow(ctx, `
		UPDATE vms SET
		    last_heartbeat = $2,
		    ip_address     = COALESCE(ip_address, $3),
		    cpu_usage      = COALESCE($4, cpu_usage),
		    memory_usage   = COALESCE($5, memory_usage),
		    status         = CASE WHEN status = 'provisioning' THEN 'running' ELSE status END
		WHERE id = $1 AND destroyed_at IS NULL
		RETURNING `+vmColumns, id, hb.At, ip, hb.CPUUsage, hb.MemoryUsage))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *PostgresStore) MarkVMDestroyed(ctx context.Context, id string, at time.Time) (*models.VM, error) {
	vm, err := scanVM(s.pool.QueryRow(ctx, `
		UPDATE vms SET status = 'destroyed', destroyed_at = $2
		WHERE id = $1 AND destroyed_at IS NULL
		RETURNING `+vmColumns, id, at))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *PostgresStore) ListStaleVMs(ctx context.Context, heartbeatBefore, provisionedBefore time.Time) ([]*models.VM, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE destroyed_at IS NULL AND (
		    (status = 'running' AND COALESCE(last_heartbeat, created_at) < $1)
		    OR (status = 'provisioning' AND created_at < $2)
		)
		ORDER BY created_at ASC
	`, heartbeatBefore, provisionedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale vms: %w", err)
	}
	return collectVMs(rows)
}

// ─── Sessions d'authentification ──────────────────────────────────────────────

const authColumns = `id, user_id, provider, status, vm_id, cli_vm_id,
	webrtc_offer, webrtc_answer, local_candidates, remote_candidates,
	error_message, handoff_error, created_at, started_at, completed_at, last_heartbeat, timeout_at`

func scanAuthSession(row rowScanner) (*models.AuthSession, error) {
	s := &models.AuthSession{}
	var offer, answer, local, remote *string
	err := row.Scan(
		&s.ID, &s.UserID, &s.Provider, &s.Status, &s.VMID, &s.CLIVMID,
		&offer, &answer, &local, &remote,
		&s.ErrorMessage, &s.HandoffError, &s.CreatedAt, &s.StartedAt, &s.CompletedAt,
		&s.LastHeartbeat, &s.TimeoutAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.WebRTCOffer = rawJSON(offer)
	s.WebRTCAnswer = rawJSON(answer)
	s.LocalCandidates = rawJSON(local)
	s.RemoteCandidates = rawJSON(remote)
	return s, nil
}

func (s *PostgresStore) InsertAuthSession(ctx context.Context, as *models.AuthSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_sessions (id, user_id, provider, status, vm_id, cli_vm_id, created_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, as.ID, as.UserID, as.Provider, as.Status, as.VMID, as.CLIVMID, as.CreatedAt, as.TimeoutAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert auth session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAuthSession(ctx context.Context, id string) (*models.AuthSession, error) {
	return scanAuthSession(s.pool.QueryRow(ctx, `SELECT `+authColumns+` FROM auth_sessions WHERE id = $1`, id))
}

func (s *PostgresStore) ListAuthSessionsByUser(ctx context.Context, userID string) ([]*models.AuthSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+authColumns+` FROM auth_sessions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list auth sessions: %w", err)
	}
	return collectAuthSessions(rows)
}

func collectAuthSessions(rows pgx.Rows) ([]*models.AuthSession, error) {
	defer rows.Close()
	sessions := []*models.AuthSession{}
	for rows.Next() {
		as, err := scanAuthSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, as)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) authAfterMiss(ctx context.Context, q querier, id string) (*models.AuthSession, error) {
	as, err := scanAuthSession(q.QueryRow(ctx, `SELECT `+authColumns+` FROM auth_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return as, ErrPrecondition
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) TransitionAuthSession(ctx context.Context, id string, from []models.AuthStatus, t models.AuthTransition) (*models.AuthSession, error) {
	var errMsg *string
	if t.ErrorMessage != "" {
		errMsg = &t.ErrorMessage
	}
	as, err := scanAuthSession(s.pool.QueryRow(ctx, `
		UPDATE auth_sessions SET
		    status        = $2,
		    started_at    = CASE WHEN $4 THEN COALESCE(started_at, $3) ELSE started_at END,
		    completed_at  = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END,
		    error_message = COALESCE($5, error_message)
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+authColumns,
		id, t.To, t.At, startsFlow(t.To), errMsg, authStatusStrings(from)))
	if errors.Is(err, ErrNotFound) {
		return s.authAfterMiss(ctx, s.pool, id)
	}
	return as, err
}

// startsFlow indique si la transition marque le début effectif du parcours OAuth.
func startsFlow(to models.AuthStatus) bool {
	return to == models.AuthAwaitingUserAuth || to == models.AuthInProgress
}

func (s *PostgresStore) CompleteAuthSession(ctx context.Context, id string, from []models.AuthStatus, at time.Time, cred *models.ProviderCredential) (*models.AuthSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	as, err := scanAuthSession(tx.QueryRow(ctx, `
		UPDATE auth_sessions SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+authColumns, id, at, authStatusStrings(from)))
	if errors.Is(err, ErrNotFound) {
		return s.authAfterMiss(ctx, tx, id)
	}
	if err != nil {
		return nil, err
	}

	if cred != nil {
		if cred.ID == "" {
			cred.ID = uuid.NewString()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO provider_credentials
			    (id, user_id, provider, session_id, ciphertext, nonce, salt, is_valid, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $8)
			ON CONFLICT (user_id, provider) DO UPDATE SET
			    session_id = EXCLUDED.session_id,
			    ciphertext = EXCLUDED.ciphertext,
			    nonce      = EXCLUDED.nonce,
			    salt       = EXCLUDED.salt,
			    is_valid   = TRUE,
			    updated_at = EXCLUDED.updated_at
		`, cred.ID, cred.UserID, cred.Provider, cred.SessionID, cred.Ciphertext, cred.Nonce, cred.Salt, at); err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return as, nil
}

func (s *PostgresStore) TouchAuthSession(ctx context.Context, id string, at time.Time) (*models.AuthSession, error) {
	as, err := scanAuthSession(s.pool.QueryRow(ctx, `
		UPDATE auth_sessions SET last_heartbeat = $2
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+authColumns, id, at, authStatusStrings(models.NonTerminalAuthStatuses)))
	if errors.Is(err, ErrNotFound) {
		return s.authAfterMiss(ctx, s.pool, id)
	}
	return as, err
}

func (s *PostgresStore) SetAuthSessionHandoffError(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE auth_sessions SET handoff_error = $2 WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("set handoff error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAuthSessionSignaling(ctx context.Context, id string, snap models.SignalingSnapshot) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auth_sessions SET
		    webrtc_offer      = COALESCE($2, webrtc_offer),
		    webrtc_answer     = COALESCE($3, webrtc_answer),
		    local_candidates  = COALESCE($4, local_candidates),
		    remote_candidates = COALESCE($5, remote_candidates)
		WHERE id = $1 AND status = ANY($6)
	`, id, textJSON(snap.Offer), textJSON(snap.Answer), textJSON(snap.LocalCandidates), textJSON(snap.RemoteCandidates),
		authStatusStrings(models.NonTerminalAuthStatuses))
	if err != nil {
		return fmt.Errorf("set signaling: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Session absente ou déjà terminée.
		_, err := s.authAfterMiss(ctx, s.pool, id)
		return err
	}
	return nil
}

func (s *PostgresStore) ListOverdueAuthSessions(ctx context.Context, now time.Time) ([]*models.AuthSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+authColumns+` FROM auth_sessions
		WHERE status = ANY($1) AND timeout_at < $2
		ORDER BY timeout_at ASC
	`, authStatusStrings(models.NonTerminalAuthStatuses), now)
	if err != nil {
		return nil, fmt.Errorf("list overdue sessions: %w", err)
	}
	return collectAuthSessions(rows)
}

// ─── Identifiants fournisseur ─────────────────────────────────────────────────

const credentialColumns = `id, user_id, provider, session_id, ciphertext, nonce, salt, is_valid, created_at, updated_at`

func scanCredential(row rowScanner) (*models.ProviderCredential, error) {
	c := &models.ProviderCredential{}
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.SessionID, &c.Ciphertext, &c.Nonce, &c.Salt,
		&c.IsValid, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID string, provider models.Provider) (*models.ProviderCredential, error) {
	return scanCredential(s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials WHERE user_id = $1 AND provider = $2
	`, userID, provider))
}

func (s *PostgresStore) ListCredentials(ctx context.Context, userID string) ([]*models.ProviderCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials WHERE user_id = $1 ORDER BY provider
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.ProviderCredential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
