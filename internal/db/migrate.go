package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS vms (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    vm_type        TEXT NOT NULL CHECK (vm_type IN ('cli','browser')),
    status         TEXT NOT NULL CHECK (status IN ('provisioning','running','stopped','destroyed')),
    ip_address     TEXT,
    vcpu_count     INTEGER NOT NULL DEFAULT 1,
    memory_mb      INTEGER NOT NULL DEFAULT 256,
    cpu_usage      DOUBLE PRECISION,
    memory_usage   DOUBLE PRECISION,
    created_at     TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ,
    destroyed_at   TIMESTAMPTZ
);

-- Une seule VM vivante par (utilisateur, type) ; les VMs détruites restent pour l'audit.
CREATE UNIQUE INDEX IF NOT EXISTS vms_one_active_per_type
    ON vms (user_id, vm_type) WHERE destroyed_at IS NULL;
CREATE INDEX IF NOT EXISTS vms_heartbeat_idx
    ON vms (status, last_heartbeat) WHERE destroyed_at IS NULL;

CREATE TABLE IF NOT EXISTS auth_sessions (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL,
    provider          TEXT NOT NULL CHECK (provider IN ('claude_code','codex_cli','gemini_cli')),
    status            TEXT NOT NULL,
    vm_id             TEXT REFERENCES vms(id),
    cli_vm_id         TEXT REFERENCES vms(id),
    webrtc_offer      TEXT,
    webrtc_answer     TEXT,
    local_candidates  TEXT,
    remote_candidates TEXT,
    error_message     TEXT,
    handoff_error     TEXT,
    created_at        TIMESTAMPTZ NOT NULL,
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ,
    last_heartbeat    TIMESTAMPTZ,
    timeout_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS auth_sessions_user_idx ON auth_sessions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS auth_sessions_timeout_idx ON auth_sessions (status, timeout_at);

CREATE TABLE IF NOT EXISTS provider_credentials (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    provider    TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    ciphertext  BYTEA NOT NULL,
    nonce       BYTEA NOT NULL,
    salt        BYTEA NOT NULL,
    is_valid    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (user_id, provider)
);
`

// Connect ouvre le pool et vérifie la connexion.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
