package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// migrations are applied in order. Each statement must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		name_lower TEXT NOT NULL,
		host_id TEXT NOT NULL,
		tenant TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		alias TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL,
		public_key TEXT NOT NULL,
		key_algorithm TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		delivery TEXT,
		metadata TEXT,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name_host ON agents(name_lower, host_id)`,
	`CREATE TABLE IF NOT EXISTS inbox_messages (
		id TEXT PRIMARY KEY,
		from_agent_id TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL,
		to_agent_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		priority TEXT NOT NULL,
		envelope TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		read_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_to_created ON inbox_messages(to_agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS relay_messages (
		recipient TEXT NOT NULL,
		id TEXT NOT NULL,
		data BYTEA,
		queued_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		PRIMARY KEY (recipient, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_recipient_queued ON relay_messages(recipient, queued_at)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_expires ON relay_messages(expires_at)`,
}

// RunMigrations brings the PostgreSQL schema up to date.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	for _, stmt := range migrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
