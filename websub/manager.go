package websub

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autowatch/db"
	"github.com/onnwee/autowatch/telemetry"
)

const (
	managerCadence = 30 * time.Minute
	// renewWindow is how far before lease expiry a renewal is scheduled.
	renewWindow = 24 * time.Hour
	// leaseSafetyMargin shortens the recorded lease so renewal never races
	// actual hub expiry.
	leaseSafetyMargin = time.Hour
	// maxAttempts caps subscribe retries; rows that hit it stay on polling.
	maxAttempts = 5
)

// Hub is the subset of the hub client the manager needs.
type Hub interface {
	Subscribe(ctx context.Context, channelID, secret string) error
	Unsubscribe(ctx context.Context, channelID string) error
}

type subRow struct {
	id        int64
	channelID string
	secret    sql.NullString
}

// StartManager launches the subscription maintenance loop: it subscribes new
// channels, renews leases inside the renewal window, retries failed attempts
// on an exponential schedule, and unsubscribes excluded channels.
func StartManager(ctx context.Context, dbx *sql.DB, hub Hub) {
	go func() {
		reconcile(ctx, dbx, hub)
		ticker := time.NewTicker(managerCadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reconcile(ctx, dbx, hub)
			}
		}
	}()
}

// SubscribeNow runs an immediate subscribe pass over one user's included
// channels. Bootstrap calls it so new users get push delivery without waiting
// for the next manager tick.
func SubscribeNow(ctx context.Context, dbx *sql.DB, hub Hub, userID string) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, channel_id, websub_secret
		FROM subscriptions
		WHERE user_id = $1 AND included = TRUE AND websub_subscribed = FALSE
		ORDER BY id`, userID)
	if err != nil {
		slog.Error("subscribe-now scan failed", slog.Any("err", err), slog.String("component", "websub"))
		return
	}
	subs := collect(rows)
	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		attempt(ctx, dbx, hub, s)
	}
}

func reconcile(ctx context.Context, dbx *sql.DB, hub Hub) {
	defer db.TouchJob(ctx, dbx, "websub_manager")

	// New, renewing, and backed-off retry rows in one pass.
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, channel_id, websub_secret
		FROM subscriptions
		WHERE included = TRUE AND (
			(websub_subscribed = FALSE AND websub_attempts = 0)
			OR (websub_subscribed = TRUE AND websub_lease_expires_at <= NOW() + make_interval(hours => $1))
			OR (websub_subscribed = FALSE AND websub_attempts > 0 AND websub_attempts < $2
				AND websub_last_attempt_at + make_interval(mins => power(2, websub_attempts)::int) <= NOW())
		)
		ORDER BY id`, int(renewWindow.Hours()), maxAttempts)
	if err != nil {
		slog.Error("subscription scan failed", slog.Any("err", err), slog.String("component", "websub"))
		return
	}
	for _, s := range collect(rows) {
		if ctx.Err() != nil {
			return
		}
		attempt(ctx, dbx, hub, s)
	}

	dropExcluded(ctx, dbx, hub)
	updateGauge(ctx, dbx)
}

func collect(rows *sql.Rows) []subRow {
	defer rows.Close()
	var out []subRow
	for rows.Next() {
		var s subRow
		if err := rows.Scan(&s.id, &s.channelID, &s.secret); err != nil {
			slog.Error("subscription row scan failed", slog.Any("err", err), slog.String("component", "websub"))
			return out
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		slog.Error("subscription rows iteration failed", slog.Any("err", err), slog.String("component", "websub"))
	}
	return out
}

func attempt(ctx context.Context, dbx *sql.DB, hub Hub, s subRow) {
	log := slog.Default().With(slog.String("component", "websub"), slog.String("channel_id", s.channelID))

	secret := s.secret.String
	if secret == "" {
		secret = uuid.NewString()
		if _, err := dbx.ExecContext(ctx,
			`UPDATE subscriptions SET websub_secret=$1 WHERE id=$2`, secret, s.id); err != nil {
			log.Error("store subscription secret failed", slog.Any("err", err))
			return
		}
	}

	// Record the attempt before calling out so a crash mid-flight still
	// backs off instead of hammering the hub.
	if _, err := dbx.ExecContext(ctx,
		`UPDATE subscriptions SET websub_attempts = websub_attempts + 1, websub_last_attempt_at = NOW() WHERE id=$1`,
		s.id); err != nil {
		log.Error("record subscribe attempt failed", slog.Any("err", err))
		return
	}
	telemetry.SubscribeAttempts.Inc()

	err := hub.Subscribe(ctx, s.channelID, secret)
	if err == nil {
		lease := time.Now().Add(LeaseSeconds*time.Second - leaseSafetyMargin)
		if _, uerr := dbx.ExecContext(ctx, `
			UPDATE subscriptions
			SET websub_subscribed = TRUE, websub_lease_expires_at = $1, websub_attempts = 0
			WHERE id = $2`, lease, s.id); uerr != nil {
			log.Error("record subscription success failed", slog.Any("err", uerr))
			return
		}
		log.Info("hub subscription accepted", slog.Time("lease_expires_at", lease))
		return
	}

	telemetry.SubscribeFailed.Inc()
	if errors.Is(err, ErrTopicGone) {
		// Channel deleted upstream. Reset to new; the next bootstrap sync
		// removes the row if the subscription really is gone.
		log.Warn("hub reports topic gone, resetting subscription", slog.Any("err", err))
		if _, uerr := dbx.ExecContext(ctx, `
			UPDATE subscriptions
			SET websub_subscribed = FALSE, websub_attempts = 0, websub_lease_expires_at = NULL
			WHERE id = $1`, s.id); uerr != nil {
			log.Error("reset gone subscription failed", slog.Any("err", uerr))
		}
		return
	}
	log.Warn("hub subscribe failed, backing off", slog.Any("err", err))
}

// dropExcluded unsubscribes rows the user excluded after a lease was taken.
func dropExcluded(ctx context.Context, dbx *sql.DB, hub Hub) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, channel_id, websub_secret
		FROM subscriptions
		WHERE included = FALSE AND websub_subscribed = TRUE
		ORDER BY id`)
	if err != nil {
		slog.Error("excluded scan failed", slog.Any("err", err), slog.String("component", "websub"))
		return
	}
	for _, s := range collect(rows) {
		if ctx.Err() != nil {
			return
		}
		if err := hub.Unsubscribe(ctx, s.channelID); err != nil && !errors.Is(err, ErrTopicGone) {
			slog.Warn("hub unsubscribe failed", slog.Any("err", err),
				slog.String("channel_id", s.channelID), slog.String("component", "websub"))
			continue
		}
		if _, err := dbx.ExecContext(ctx, `
			UPDATE subscriptions
			SET websub_subscribed = FALSE, websub_lease_expires_at = NULL, websub_attempts = 0
			WHERE id = $1`, s.id); err != nil {
			slog.Error("record unsubscribe failed", slog.Any("err", err), slog.String("component", "websub"))
		}
	}
}

func updateGauge(ctx context.Context, dbx *sql.DB) {
	var n int
	if err := dbx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE websub_subscribed = TRUE AND websub_lease_expires_at > NOW()`).Scan(&n); err == nil {
		telemetry.SetWebSubActive(n)
	}
}
