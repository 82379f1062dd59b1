package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polydev/master-controller/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implémente Store sur SQLite (développement local et tests).
// Les horodatages sont stockés en nanosecondes Unix pour que les comparaisons
// restent numériques.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore ouvre ou crée la base et applique les migrations.
// ":memory:" donne une base éphémère.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Une seule connexion : les transactions sont sérialisées et une base
	// ":memory:" reste partagée.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() { s.db.Close() }

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS vms (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			vm_type TEXT NOT NULL CHECK (vm_type IN ('cli','browser')),
			status TEXT NOT NULL CHECK (status IN ('provisioning','running','stopped','destroyed')),
			ip_address TEXT,
			vcpu_count INTEGER NOT NULL DEFAULT 1,
			memory_mb INTEGER NOT NULL DEFAULT 256,
			cpu_usage REAL,
			memory_usage REAL,
			created_at INTEGER NOT NULL,
			last_heartbeat INTEGER,
			destroyed_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS vms_one_active_per_type
			ON vms (user_id, vm_type) WHERE destroyed_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL CHECK (provider IN ('claude_code','codex_cli','gemini_cli')),
			status TEXT NOT NULL,
			vm_id TEXT REFERENCES vms(id),
			cli_vm_id TEXT REFERENCES vms(id),
			webrtc_offer TEXT,
			webrtc_answer TEXT,
			local_candidates TEXT,
			remote_candidates TEXT,
			error_message TEXT,
			handoff_error TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			last_heartbeat INTEGER,
			timeout_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS auth_sessions_user_idx ON auth_sessions (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS provider_credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			salt BLOB NOT NULL,
			is_valid INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (user_id, provider)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func isSQLiteConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// ─── Conversions ──────────────────────────────────────────────────────────────

func toNanos(t time.Time) int64 { return t.UnixNano() }

func toNullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// placeholders retourne "?, ?, ..." et les arguments correspondants.
func placeholders(values []string) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return strings.Join(marks, ", "), args
}

// ─── VMs ──────────────────────────────────────────────────────────────────────

func scanSQLiteVM(row rowScanner) (*models.VM, error) {
	vm := &models.VM{}
	var created int64
	var heartbeat, destroyed sql.NullInt64
	err := row.Scan(
		&vm.ID, &vm.UserID, &vm.Type, &vm.Status, &vm.IPAddress, &vm.VCPUCount, &vm.MemoryMB,
		&vm.CPUUsage, &vm.MemoryUsage, &created, &heartbeat, &destroyed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	vm.CreatedAt = fromNanos(created)
	vm.LastHeartbeat = fromNullNanos(heartbeat)
	vm.DestroyedAt = fromNullNanos(destroyed)
	return vm, nil
}

func (s *SQLiteStore) InsertVM(ctx context.Context, vm *models.VM) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vms (id, user_id, vm_type, status, ip_address, vcpu_count, memory_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.UserID, string(vm.Type), string(vm.Status), vm.IPAddress, vm.VCPUCount, vm.MemoryMB,
		toNanos(vm.CreatedAt))
	if isSQLiteConflict(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVM(ctx context.Context, id string) (*models.VM, error) {
	return scanSQLiteVM(s.db.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id))
}

func (s *SQLiteStore) FindActiveVM(ctx context.Context, userID string, vmType models.VMType) (*models.VM, error) {
	return scanSQLiteVM(s.db.QueryRowContext(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE user_id = ? AND vm_type = ? AND destroyed_at IS NULL`, userID, string(vmType)))
}

func (s *SQLiteStore) ListVMsByUser(ctx context.Context, userID string) ([]*models.VM, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vmColumns+` FROM vms WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return collectSQLiteVMs(rows)
}

func collectSQLiteVMs(rows *sql.Rows) ([]*models.VM, error) {
	defer rows.Close()
	vms := []*models.VM{}
	for rows.Next() {
		vm, err := scanSQLiteVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

func (s *SQLiteStore) vmAfterMiss(ctx context.Context, id string) (*models.VM, error) {
	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	return vm, ErrPrecondition
}

func (s *SQLiteStore) TransitionVM(ctx context.Context, id string, from []models.VMStatus, to models.VMStatus) (*models.VM, error) {
	marks, args := placeholders(vmStatusStrings(from))
	args = append([]any{string(to), id}, args...)
	vm, err := scanSQLiteVM(s.db.QueryRowContext(ctx, `
		UPDATE vms SET status = ?
		WHERE id = ? AND destroyed_at IS NULL AND status IN (`+marks+`)
		RETURNING `+vmColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *SQLiteStore) RecordVMHeartbeat(ctx context.Context, id string, hb models.Heartbeat) (*models.VM, error) {
	var ip any
	if hb.IP != "" {
		ip = hb.IP
	}
	vm, err := scanSQLiteVM(s.db.QueryRowContext(ctx, `
		UPDATE vms SET
			last_heartbeat = ?,
			ip_address = COALESCE(ip_address, ?),
			cpu_usage = COALESCE(?, cpu_usage),
			memory_usage = COALESCE(?, memory_usage),
			status = CASE WHEN status = 'provisioning' THEN 'running' ELSE status END
		WHERE id = ? AND destroyed_at IS NULL
		RETURNING `+vmColumns,
		toNanos(hb.At), ip, hb.CPUUsage, hb.MemoryUsage, id))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *SQLiteStore) MarkVMDestroyed(ctx context.Context, id string, at time.Time) (*models.VM, error) {
	vm, err := scanSQLiteVM(s.db.QueryRowContext(ctx, `
		UPDATE vms SET status = 'destroyed', destroyed_at = ?
		WHERE id = ? AND destroyed_at IS NULL
		RETURNING `+vmColumns, toNanos(at), id))
	if errors.Is(err, ErrNotFound) {
		return s.vmAfterMiss(ctx, id)
	}
	return vm, err
}

func (s *SQLiteStore) ListStaleVMs(ctx context.Context, heartbeatBefore, provisionedBefore time.Time) ([]*models.VM, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vmColumns+` FROM vms
		WHERE destroyed_at IS NULL AND (
			(status = 'running' AND COALESCE(last_heartbeat, created_at) < ?)
			OR (status = 'provisioning' AND created_at < ?)
		)
		ORDER BY created_at ASC`, toNanos(heartbeatBefore), toNanos(provisionedBefore))
	if err != nil {
		return nil, fmt.Errorf("list stale vms: %w", err)
	}
	return collectSQLiteVMs(rows)
}

// ─── Sessions d'authentification ──────────────────────────────────────────────

func scanSQLiteAuthSession(row rowScanner) (*models.AuthSession, error) {
	as := &models.AuthSession{}
	var offer, answer, local, remote *string
	var created, timeout int64
	var started, completed, heartbeat sql.NullInt64
	err := row.Scan(
		&as.ID, &as.UserID, &as.Provider, &as.Status, &as.VMID, &as.CLIVMID,
		&offer, &answer, &local, &remote,
		&as.ErrorMessage, &as.HandoffError, &created, &started, &completed, &heartbeat, &timeout,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	as.WebRTCOffer = rawJSON(offer)
	as.WebRTCAnswer = rawJSON(answer)
	as.LocalCandidates = rawJSON(local)
	as.RemoteCandidates = rawJSON(remote)
	as.CreatedAt = fromNanos(created)
	as.StartedAt = fromNullNanos(started)
	as.CompletedAt = fromNullNanos(completed)
	as.LastHeartbeat = fromNullNanos(heartbeat)
	as.TimeoutAt = fromNanos(timeout)
	return as, nil
}

func (s *SQLiteStore) InsertAuthSession(ctx context.Context, as *models.AuthSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, user_id, provider, status, vm_id, cli_vm_id, created_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		as.ID, as.UserID, string(as.Provider), string(as.Status), as.VMID, as.CLIVMID,
		toNanos(as.CreatedAt), toNanos(as.TimeoutAt))
	if isSQLiteConflict(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert auth session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAuthSession(ctx context.Context, id string) (*models.AuthSession, error) {
	return scanSQLiteAuthSession(s.db.QueryRowContext(ctx,
		`SELECT `+authColumns+` FROM auth_sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) ListAuthSessionsByUser(ctx context.Context, userID string) ([]*models.AuthSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+authColumns+` FROM auth_sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list auth sessions: %w", err)
	}
	return collectSQLiteAuthSessions(rows)
}

func collectSQLiteAuthSessions(rows *sql.Rows) ([]*models.AuthSession, error) {
	defer rows.Close()
	sessions := []*models.AuthSession{}
	for rows.Next() {
		as, err := scanSQLiteAuthSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auth session: %w", err)
		}
		sessions = append(sessions, as)
	}
	return sessions, rows.Err()
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func authAfterMissSQLite(ctx context.Context, q sqlQuerier, id string) (*models.AuthSession, error) {
	as, err := scanSQLiteAuthSession(q.QueryRowContext(ctx,
		`SELECT `+authColumns+` FROM auth_sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return as, ErrPrecondition
}

func (s *SQLiteStore) TransitionAuthSession(ctx context.Context, id string, from []models.AuthStatus, t models.AuthTransition) (*models.AuthSession, error) {
	var errMsg any
	if t.ErrorMessage != "" {
		errMsg = t.ErrorMessage
	}
	at := toNanos(t.At)
	marks, fromArgs := placeholders(authStatusStrings(from))
	args := []any{string(t.To), startsFlow(t.To), at, t.To == models.AuthCompleted, at, errMsg, id}
	args = append(args, fromArgs...)
	as, err := scanSQLiteAuthSession(s.db.QueryRowContext(ctx, `
		UPDATE auth_sessions SET
			status = ?,
			started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
			error_message = COALESCE(?, error_message)
		WHERE id = ? AND status IN (`+marks+`)
		RETURNING `+authColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return authAfterMissSQLite(ctx, s.db, id)
	}
	return as, err
}

func (s *SQLiteStore) CompleteAuthSession(ctx context.Context, id string, from []models.AuthStatus, at time.Time, cred *models.ProviderCredential) (*models.AuthSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	marks, fromArgs := placeholders(authStatusStrings(from))
	args := append([]any{toNanos(at), id}, fromArgs...)
	as, err := scanSQLiteAuthSession(tx.QueryRowContext(ctx, `
		UPDATE auth_sessions SET status = 'completed', completed_at = ?
		WHERE id = ? AND status IN (`+marks+`)
		RETURNING `+authColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return authAfterMissSQLite(ctx, tx, id)
	}
	if err != nil {
		return nil, err
	}

	if cred != nil {
		if cred.ID == "" {
			cred.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_credentials
				(id, user_id, provider, session_id, ciphertext, nonce, salt, is_valid, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (user_id, provider) DO UPDATE SET
				session_id = excluded.session_id,
				ciphertext = excluded.ciphertext,
				nonce = excluded.nonce,
				salt = excluded.salt,
				is_valid = 1,
				updated_at = excluded.updated_at`,
			cred.ID, cred.UserID, string(cred.Provider), cred.SessionID, cred.Ciphertext, cred.Nonce, cred.Salt,
			toNanos(at), toNanos(at)); err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return as, nil
}

func (s *SQLiteStore) TouchAuthSession(ctx context.Context, id string, at time.Time) (*models.AuthSession, error) {
	marks, fromArgs := placeholders(authStatusStrings(models.NonTerminalAuthStatuses))
	args := append([]any{toNanos(at), id}, fromArgs...)
	as, err := scanSQLiteAuthSession(s.db.QueryRowContext(ctx, `
		UPDATE auth_sessions SET last_heartbeat = ?
		WHERE id = ? AND status IN (`+marks+`)
		RETURNING `+authColumns, args...))
	if errors.Is(err, ErrNotFound) {
		return authAfterMissSQLite(ctx, s.db, id)
	}
	return as, err
}

func (s *SQLiteStore) SetAuthSessionHandoffError(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_sessions SET handoff_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("set handoff error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetAuthSessionSignaling(ctx context.Context, id string, snap models.SignalingSnapshot) error {
	marks, statuses := placeholders(authStatusStrings(models.NonTerminalAuthStatuses))
	args := append([]any{textJSON(snap.Offer), textJSON(snap.Answer), textJSON(snap.LocalCandidates), textJSON(snap.RemoteCandidates), id}, statuses...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions SET
			webrtc_offer = COALESCE(?, webrtc_offer),
			webrtc_answer = COALESCE(?, webrtc_answer),
			local_candidates = COALESCE(?, local_candidates),
			remote_candidates = COALESCE(?, remote_candidates)
		WHERE id = ? AND status IN (`+marks+`)`, args...)
	if err != nil {
		return fmt.Errorf("set signaling: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Session absente ou déjà terminée.
		_, err := authAfterMissSQLite(ctx, s.db, id)
		return err
	}
	return nil
}

func (s *SQLiteStore) ListOverdueAuthSessions(ctx context.Context, now time.Time) ([]*models.AuthSession, error) {
	marks, args := placeholders(authStatusStrings(models.NonTerminalAuthStatuses))
	args = append(args, toNanos(now))
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+authColumns+` FROM auth_sessions
		WHERE status IN (`+marks+`) AND timeout_at < ?
		ORDER BY timeout_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list overdue sessions: %w", err)
	}
	return collectSQLiteAuthSessions(rows)
}

// ─── Identifiants fournisseur ─────────────────────────────────────────────────

func scanSQLiteCredential(row rowScanner) (*models.ProviderCredential, error) {
	c := &models.ProviderCredential{}
	var created, updated int64
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.SessionID, &c.Ciphertext, &c.Nonce, &c.Salt,
		&c.IsValid, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, userID string, provider models.Provider) (*models.ProviderCredential, error) {
	return scanSQLiteCredential(s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials WHERE user_id = ? AND provider = ?`,
		userID, string(provider)))
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, userID string) ([]*models.ProviderCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.ProviderCredential{}
	for rows.Next() {
		c, err := scanSQLiteCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
