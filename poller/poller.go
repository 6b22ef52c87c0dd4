// Package poller is the fallback discovery path. When a channel has no live
// hub lease, a periodic search of its recent uploads synthesizes the events
// the hub would have pushed, so users still get new videos.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/db"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/youtubeapi"
)

const (
	// lookback bounds how far into the past a search reaches.
	lookback = 7 * 24 * time.Hour
	// interChannelDelay paces the search quota.
	interChannelDelay = time.Second
)

// Searcher finds a channel's recent uploads.
type Searcher interface {
	SearchChannelRecent(ctx context.Context, accessToken, channelID string, since time.Time) ([]youtubeapi.Video, error)
}

type pollTarget struct {
	subID             int64
	userID            string
	channelID         string
	accessOpaque      string
	lastPolledVideoID sql.NullString
}

// StartPollingJob launches the fallback polling loop at the given cadence,
// with an immediate first run.
func StartPollingJob(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, searcher Searcher, interval time.Duration) {
	go func() {
		pollOnce(ctx, dbx, vault, searcher, interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pollOnce(ctx, dbx, vault, searcher, interval)
			}
		}
	}()
}

func pollOnce(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, searcher Searcher, interval time.Duration) {
	defer db.TouchJob(ctx, dbx, "polling")
	telemetry.PollCycles.Inc()

	targets, err := staleTargets(ctx, dbx, interval)
	if err != nil {
		slog.Error("poll target scan failed", slog.Any("err", err), slog.String("component", "poller"))
		return
	}
	if len(targets) == 0 {
		return
	}
	slog.Debug("polling channels without push coverage", slog.Int("count", len(targets)), slog.String("component", "poller"))

	disabled := map[string]bool{}
	for i, t := range targets {
		if ctx.Err() != nil {
			return
		}
		if disabled[t.userID] {
			continue
		}
		pollChannel(ctx, dbx, vault, searcher, t, disabled)
		if i < len(targets)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interChannelDelay):
			}
		}
	}
}

// staleTargets selects channels of enabled, token-holding users that push
// delivery does not currently cover, or whose last poll is older than the
// configured cadence.
func staleTargets(ctx context.Context, dbx *sql.DB, interval time.Duration) ([]pollTarget, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.channel_id, u.access_token, s.last_polled_video_id
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.included = TRUE
		  AND s.polling_enabled = TRUE
		  AND u.automation_disabled = FALSE
		  AND u.access_token IS NOT NULL AND u.access_token <> ''
		  AND (
			s.websub_subscribed = FALSE
			OR s.websub_lease_expires_at IS NULL
			OR s.websub_lease_expires_at < NOW()
			OR s.last_polled_at IS NULL
			OR s.last_polled_at < NOW() - make_interval(secs => $1)
		  )
		ORDER BY s.id`, int64(interval.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pollTarget
	for rows.Next() {
		var t pollTarget
		if err := rows.Scan(&t.subID, &t.userID, &t.channelID, &t.accessOpaque, &t.lastPolledVideoID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func pollChannel(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, searcher Searcher, t pollTarget, disabled map[string]bool) {
	log := slog.Default().With(slog.String("component", "poller"),
		slog.String("channel_id", t.channelID), slog.String("user_id", t.userID))

	accessToken, err := crypto.DecryptString(vault, t.accessOpaque)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			log.Error("stored access token unreadable, disabling automation", slog.Any("err", err))
			if derr := db.DisableAutomation(ctx, dbx, t.userID); derr != nil {
				log.Error("disable automation failed", slog.Any("err", derr))
			}
			telemetry.UsersDisabled.Inc()
			disabled[t.userID] = true
		} else {
			log.Error("decrypt access token failed", slog.Any("err", err))
		}
		return
	}

	videos, err := searcher.SearchChannelRecent(ctx, accessToken, t.channelID, time.Now().Add(-lookback))
	if err != nil {
		// Quota and auth failures are expected occasionally; the next cycle
		// retries after refresh/reset.
		log.Warn("channel search failed", slog.Any("err", err),
			slog.String("class", youtubeapi.ClassOf(err).String()))
		return
	}

	// Videos arrive oldest first; skip everything up to and including the
	// last video this channel was polled to.
	if t.lastPolledVideoID.Valid && t.lastPolledVideoID.String != "" {
		for i, v := range videos {
			if v.ID == t.lastPolledVideoID.String {
				videos = videos[i+1:]
				break
			}
		}
	}

	newest := ""
	queued := 0
	for _, v := range videos {
		if ctx.Err() != nil {
			return
		}
		var exists bool
		if err := dbx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE channel_id=$1 AND video_id=$2)`,
			t.channelID, v.ID).Scan(&exists); err != nil {
			log.Error("event dedup check failed", slog.Any("err", err))
			return
		}
		newest = v.ID
		if exists {
			continue
		}
		if _, err := dbx.ExecContext(ctx, `
			INSERT INTO webhook_events (channel_id, video_id, title, source, received_at, processed)
			VALUES ($1, $2, $3, 'polling', NOW(), FALSE)`,
			t.channelID, v.ID, v.Title); err != nil {
			log.Error("queue polled event failed", slog.Any("err", err))
			return
		}
		telemetry.EventsReceived.Inc()
		queued++
	}

	if newest != "" {
		_, err = dbx.ExecContext(ctx,
			`UPDATE subscriptions SET last_polled_at=NOW(), last_polled_video_id=$1 WHERE id=$2`,
			newest, t.subID)
	} else {
		_, err = dbx.ExecContext(ctx,
			`UPDATE subscriptions SET last_polled_at=NOW() WHERE id=$1`, t.subID)
	}
	if err != nil {
		log.Error("advance poll cursor failed", slog.Any("err", err))
		return
	}
	if queued > 0 {
		log.Info("queued polled uploads", slog.Int("count", queued))
	}
}
