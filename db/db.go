// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN. The caller resolves
// the DSN (config owns the DB_DSN default).
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback for deployments without the versioned migration
// table; RunMigrations is the primary path.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			token_expires_at TIMESTAMPTZ,
			playlist_id TEXT,
			automation_disabled BOOLEAN DEFAULT FALSE,
			is_admin BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			channel_id TEXT NOT NULL,
			channel_title TEXT,
			included BOOLEAN DEFAULT TRUE,
			websub_subscribed BOOLEAN DEFAULT FALSE,
			websub_lease_expires_at TIMESTAMPTZ,
			websub_attempts INTEGER DEFAULT 0,
			websub_last_attempt_at TIMESTAMPTZ,
			websub_secret TEXT,
			polling_enabled BOOLEAN DEFAULT TRUE,
			last_polled_at TIMESTAMPTZ,
			last_polled_video_id TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(user_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id SERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			title TEXT,
			source TEXT DEFAULT 'webhook',
			raw_payload TEXT,
			received_at TIMESTAMPTZ DEFAULT NOW(),
			processed BOOLEAN DEFAULT FALSE,
			processed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS processed_videos (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			channel_id TEXT,
			title TEXT,
			source TEXT DEFAULT 'webhook',
			added_to_playlist BOOLEAN DEFAULT FALSE,
			error_message TEXT,
			retry_attempts INTEGER DEFAULT 0,
			processed_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(user_id, video_id)
		)`,
		`CREATE TABLE IF NOT EXISTS api_quota_usage (
			date DATE NOT NULL,
			service TEXT NOT NULL,
			requests_used INTEGER DEFAULT 0,
			quota_limit INTEGER DEFAULT 10000,
			cost_units_used INTEGER DEFAULT 0,
			cost_unit_limit INTEGER DEFAULT 10000,
			last_updated TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY(date, service)
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unprocessed ON webhook_events(processed, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel_video ON webhook_events(channel_id, video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_channel ON subscriptions(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_outcome ON processed_videos(added_to_playlist, processed_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// DisableAutomation flips the per-user kill switch. The refresh loop, poller
// and fan-out all skip disabled users; the refresh token is left in place so a
// later re-authentication can clear the flag.
func DisableAutomation(ctx context.Context, dbx *sql.DB, userID string) error {
	_, err := dbx.ExecContext(ctx,
		`UPDATE users SET automation_disabled=TRUE, updated_at=NOW() WHERE id=$1`, userID)
	return err
}

// SetUserTokens persists already-encrypted token opaques and the new absolute
// expiry, clearing the disabled flag: a successful refresh re-enables the user.
// An empty refresh opaque preserves the stored one (the provider did not rotate).
func SetUserTokens(ctx context.Context, dbx *sql.DB, userID, accessOpaque, refreshOpaque string, expiry time.Time) error {
	if refreshOpaque == "" {
		_, err := dbx.ExecContext(ctx,
			`UPDATE users SET access_token=$1, token_expires_at=$2, automation_disabled=FALSE, updated_at=NOW() WHERE id=$3`,
			accessOpaque, expiry, userID)
		return err
	}
	_, err := dbx.ExecContext(ctx,
		`UPDATE users SET access_token=$1, refresh_token=$2, token_expires_at=$3, automation_disabled=FALSE, updated_at=NOW() WHERE id=$4`,
		accessOpaque, refreshOpaque, expiry, userID)
	return err
}

// SetUserPlaylist records the managed playlist id created on bootstrap.
func SetUserPlaylist(ctx context.Context, dbx *sql.DB, userID, playlistID string) error {
	_, err := dbx.ExecContext(ctx,
		`UPDATE users SET playlist_id=$1, updated_at=NOW() WHERE id=$2`, playlistID, userID)
	return err
}

// TouchJob records a worker heartbeat in kv; /status and /readyz read these.
func TouchJob(ctx context.Context, dbx *sql.DB, name string) {
	_, _ = dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1, to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, "job_"+name+"_last")
}
