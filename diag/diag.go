// Package diag is the diagnostics read model served under /admin: pipeline
// health summaries, quota bookkeeping, and recent-failure inspection.
package diag

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Store wraps the shared connection for diagnostic reads and quota writes.
type Store struct {
	db *sql.DB
}

// NewStore returns a diagnostics store over the given connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Summary is the at-a-glance pipeline health snapshot.
type Summary struct {
	ActiveSubscriptions int     `json:"active_subscriptions"`
	WebSubActive        int     `json:"websub_active"`
	FailedJobs24h       int     `json:"failed_jobs_24h"`
	UnprocessedEvents   int     `json:"unprocessed_events_24h"`
	Processed7d         int     `json:"processed_7d"`
	SuccessRate7d       float64 `json:"success_rate_7d"`
	EventsReceived24h   int     `json:"events_received_24h"`
}

// QuotaRow is one day's API usage for one service.
type QuotaRow struct {
	Date          string `json:"date"`
	Service       string `json:"service"`
	RequestsUsed  int    `json:"requests_used"`
	QuotaLimit    int    `json:"quota_limit"`
	CostUnitsUsed int    `json:"cost_units_used"`
	CostUnitLimit int    `json:"cost_unit_limit"`
}

// FailedJob is one playlist insert that did not reach the playlist.
type FailedJob struct {
	UserID       string    `json:"user_id"`
	VideoID      string    `json:"video_id"`
	ChannelID    string    `json:"channel_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Source       string    `json:"source"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Retries      int       `json:"retry_attempts"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// PendingEvent is one queued webhook event awaiting fan-out.
type PendingEvent struct {
	ID         int64     `json:"id"`
	ChannelID  string    `json:"channel_id"`
	VideoID    string    `json:"video_id"`
	Title      string    `json:"title,omitempty"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

// Summary computes the health snapshot.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	var ok7d int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM subscriptions WHERE included = TRUE),
			(SELECT COUNT(*) FROM subscriptions WHERE websub_subscribed = TRUE AND websub_lease_expires_at > NOW()),
			(SELECT COUNT(*) FROM processed_videos WHERE added_to_playlist = FALSE AND processed_at > NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM webhook_events WHERE processed = FALSE AND received_at > NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM processed_videos WHERE processed_at > NOW() - INTERVAL '7 days'),
			(SELECT COUNT(*) FROM processed_videos WHERE added_to_playlist = TRUE AND processed_at > NOW() - INTERVAL '7 days'),
			(SELECT COUNT(*) FROM webhook_events WHERE received_at > NOW() - INTERVAL '24 hours')`).Scan(
		&out.ActiveSubscriptions, &out.WebSubActive, &out.FailedJobs24h,
		&out.UnprocessedEvents, &out.Processed7d, &ok7d, &out.EventsReceived24h)
	if err != nil {
		return Summary{}, err
	}
	if out.Processed7d > 0 {
		out.SuccessRate7d = float64(ok7d) / float64(out.Processed7d)
	}
	return out, nil
}

// QuotaUsage returns per-day usage rows for the last N days, newest first.
func (s *Store) QuotaUsage(ctx context.Context, days int) ([]QuotaRow, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date::text, service, requests_used, quota_limit, cost_units_used, cost_unit_limit
		FROM api_quota_usage
		WHERE date > CURRENT_DATE - $1::int
		ORDER BY date DESC, service`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []QuotaRow{}
	for rows.Next() {
		var q QuotaRow
		if err := rows.Scan(&q.Date, &q.Service, &q.RequestsUsed, &q.QuotaLimit, &q.CostUnitsUsed, &q.CostUnitLimit); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// FailedJobs lists inserts that failed in the last N days, newest first.
func (s *Store) FailedJobs(ctx context.Context, days int) ([]FailedJob, error) {
	if days <= 0 {
		days = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, video_id, COALESCE(channel_id,''), COALESCE(title,''), source,
		       COALESCE(error_message,''), retry_attempts, processed_at
		FROM processed_videos
		WHERE added_to_playlist = FALSE AND processed_at > NOW() - make_interval(days => $1)
		ORDER BY processed_at DESC
		LIMIT 500`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []FailedJob{}
	for rows.Next() {
		var f FailedJob
		if err := rows.Scan(&f.UserID, &f.VideoID, &f.ChannelID, &f.Title, &f.Source,
			&f.ErrorMessage, &f.Retries, &f.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UnprocessedEvents lists queued events older than now-hours, oldest first.
func (s *Store) UnprocessedEvents(ctx context.Context, hours int) ([]PendingEvent, error) {
	if hours <= 0 {
		hours = 24
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, video_id, COALESCE(title,''), source, received_at
		FROM webhook_events
		WHERE processed = FALSE AND received_at > NOW() - make_interval(hours => $1)
		ORDER BY received_at, id
		LIMIT 500`, hours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []PendingEvent{}
	for rows.Next() {
		var e PendingEvent
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.VideoID, &e.Title, &e.Source, &e.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordQuotaUsage adds to today's tally for the service. Implements the
// Platform client's quota recorder.
func (s *Store) RecordQuotaUsage(ctx context.Context, service string, requests, costUnits int) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_quota_usage (date, service, requests_used, cost_units_used, last_updated)
		VALUES (CURRENT_DATE, $1, $2, $3, NOW())
		ON CONFLICT (date, service) DO UPDATE SET
			requests_used = api_quota_usage.requests_used + EXCLUDED.requests_used,
			cost_units_used = api_quota_usage.cost_units_used + EXCLUDED.cost_units_used,
			last_updated = NOW()`, service, requests, costUnits)
	if err != nil {
		slog.Error("quota bookkeeping failed", slog.Any("err", err),
			slog.String("service", service), slog.String("component", "diag"))
	}
}
