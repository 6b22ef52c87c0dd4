// Package fanout drains the webhook event queue: for every queued video it
// finds the users subscribed to the channel and appends the video to each
// user's managed playlist exactly once.
package fanout

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/db"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/youtubeapi"
)

// PlaylistInserter appends a video to a playlist and reports attempts used.
type PlaylistInserter interface {
	InsertPlaylistItem(ctx context.Context, accessToken, playlistID, videoID string) (int, error)
}

type event struct {
	id        int64
	channelID string
	videoID   string
	title     sql.NullString
	source    string
}

type subscriber struct {
	userID       string
	playlistID   string
	accessOpaque string
}

// StartProcessingJob launches the fan-out loop at the given cadence with an
// immediate first run.
func StartProcessingJob(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, inserter PlaylistInserter, interval time.Duration) {
	go func() {
		ProcessOnce(ctx, dbx, vault, inserter)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ProcessOnce(ctx, dbx, vault, inserter)
			}
		}
	}()
}

// ProcessOnce drains the queue once. Exported so bootstrap and tests can run
// a single deterministic pass.
func ProcessOnce(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, inserter PlaylistInserter) {
	defer db.TouchJob(ctx, dbx, "video_processing")

	telemetry.TimeFunc(telemetry.FanoutDuration, func() {
		events, err := pendingEvents(ctx, dbx)
		if err != nil {
			slog.Error("pending event scan failed", slog.Any("err", err), slog.String("component", "fanout"))
			return
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			processEvent(ctx, dbx, vault, inserter, ev)
		}
		updateQueueGauge(ctx, dbx)
	})
}

func pendingEvents(ctx context.Context, dbx *sql.DB) ([]event, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, channel_id, video_id, title, source
		FROM webhook_events
		WHERE processed = FALSE
		ORDER BY received_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []event
	for rows.Next() {
		var ev event
		if err := rows.Scan(&ev.id, &ev.channelID, &ev.videoID, &ev.title, &ev.source); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// subscribersFor returns every eligible user for the channel in one query.
func subscribersFor(ctx context.Context, dbx *sql.DB, channelID string) ([]subscriber, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT u.id, u.playlist_id, u.access_token
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.channel_id = $1
		  AND s.included = TRUE
		  AND u.automation_disabled = FALSE
		  AND u.playlist_id IS NOT NULL AND u.playlist_id <> ''
		  AND u.access_token IS NOT NULL AND u.access_token <> ''
		ORDER BY u.id`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []subscriber
	for rows.Next() {
		var s subscriber
		if err := rows.Scan(&s.userID, &s.playlistID, &s.accessOpaque); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func processEvent(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, inserter PlaylistInserter, ev event) {
	log := slog.Default().With(slog.String("component", "fanout"),
		slog.String("video_id", ev.videoID), slog.String("channel_id", ev.channelID))

	subs, err := subscribersFor(ctx, dbx, ev.channelID)
	if err != nil {
		log.Error("subscriber lookup failed", slog.Any("err", err))
		return
	}

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		fanOutToUser(ctx, dbx, vault, inserter, ev, s)
	}

	// The event is done whether or not every insert succeeded: per-user
	// outcomes live in processed_videos and failures are not replayed by
	// re-queuing the event.
	if _, err := dbx.ExecContext(ctx,
		`UPDATE webhook_events SET processed=TRUE, processed_at=NOW() WHERE id=$1`, ev.id); err != nil {
		log.Error("mark event processed failed", slog.Any("err", err))
		return
	}
	telemetry.EventsProcessed.Inc()
}

func fanOutToUser(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, inserter PlaylistInserter, ev event, s subscriber) {
	log := slog.Default().With(slog.String("component", "fanout"),
		slog.String("video_id", ev.videoID), slog.String("user_id", s.userID))

	var done bool
	if err := dbx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_videos WHERE user_id=$1 AND video_id=$2)`,
		s.userID, ev.videoID).Scan(&done); err != nil {
		log.Error("processed check failed", slog.Any("err", err))
		return
	}
	if done {
		return
	}

	accessToken, err := crypto.DecryptString(vault, s.accessOpaque)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			log.Error("stored access token unreadable, disabling automation", slog.Any("err", err))
			if derr := db.DisableAutomation(ctx, dbx, s.userID); derr != nil {
				log.Error("disable automation failed", slog.Any("err", derr))
			}
			telemetry.UsersDisabled.Inc()
			recordOutcome(ctx, dbx, ev, s.userID, false, "token decryption failed", 0)
		} else {
			log.Error("decrypt access token failed", slog.Any("err", err))
		}
		return
	}

	var attempts int
	var insertErr error
	telemetry.TimeFunc(telemetry.InsertDuration, func() {
		attempts, insertErr = inserter.InsertPlaylistItem(ctx, accessToken, s.playlistID, ev.videoID)
	})
	if insertErr == nil {
		telemetry.InsertsSucceeded.Inc()
		recordOutcome(ctx, dbx, ev, s.userID, true, "", attempts)
		log.Info("video added to playlist", slog.Int("attempts", attempts))
		return
	}

	telemetry.InsertsFailed.Inc()
	class := youtubeapi.ClassOf(insertErr)
	log.Warn("playlist insert failed", slog.Any("err", insertErr),
		slog.String("class", class.String()), slog.Int("attempts", attempts))
	recordOutcome(ctx, dbx, ev, s.userID, false, insertErr.Error(), attempts)
}

// recordOutcome writes the per-user ledger row. A concurrent duplicate is the
// same outcome already recorded, so the unique violation is swallowed.
func recordOutcome(ctx context.Context, dbx *sql.DB, ev event, userID string, added bool, errMsg string, attempts int) {
	var title interface{}
	if ev.title.Valid {
		title = ev.title.String
	}
	_, err := dbx.ExecContext(ctx, `
		INSERT INTO processed_videos (user_id, video_id, channel_id, title, source, added_to_playlist, error_message, retry_attempts, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, NOW())`,
		userID, ev.videoID, ev.channelID, title, ev.source, added, errMsg, attempts)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return
		}
		slog.Error("record processed video failed", slog.Any("err", err),
			slog.String("user_id", userID), slog.String("video_id", ev.videoID), slog.String("component", "fanout"))
	}
}

func updateQueueGauge(ctx context.Context, dbx *sql.DB) {
	var n int
	if err := dbx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE processed = FALSE`).Scan(&n); err == nil {
		telemetry.SetEventQueueDepth(n)
	}
}
