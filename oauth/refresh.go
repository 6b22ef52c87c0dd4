// Package oauth keeps per-user access tokens fresh. A background loop finds
// users whose access token is missing or expiring soon and exchanges their
// refresh token for a new one, storing the encrypted result.
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/db"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/youtubeapi"
)

const (
	refreshCadence = 15 * time.Minute
	// refreshWindow is how long before expiry a token counts as stale.
	refreshWindow = 30 * time.Minute
)

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (youtubeapi.TokenResult, error)
}

type candidate struct {
	userID        string
	refreshOpaque string
	expiry        sql.NullTime
}

// StartUserRefresher launches the refresh loop. Each tick scans enabled users
// holding a refresh token and refreshes those whose expiry is unknown or
// inside the refresh window. It never deletes a refresh token; hard failures
// disable the user's automation until they re-authenticate.
func StartUserRefresher(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, rf TokenRefresher) {
	go func() {
		// Jitter the first scan so replicas don't stampede the token endpoint.
		jitter := time.Duration(rand.Int63n(int64(30 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}

		runOnce(ctx, dbx, vault, rf)
		ticker := time.NewTicker(refreshCadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce(ctx, dbx, vault, rf)
			}
		}
	}()
}

func runOnce(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, rf TokenRefresher) {
	defer db.TouchJob(ctx, dbx, "token_refresh")

	cands, err := dueUsers(ctx, dbx)
	if err != nil {
		slog.Error("refresh scan failed", slog.Any("err", err), slog.String("component", "oauth"))
		return
	}
	for _, c := range cands {
		if ctx.Err() != nil {
			return
		}
		refreshUser(ctx, dbx, vault, rf, c)
	}
}

func dueUsers(ctx context.Context, dbx *sql.DB) ([]candidate, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, refresh_token, token_expires_at
		FROM users
		WHERE automation_disabled = FALSE
		  AND refresh_token IS NOT NULL AND refresh_token <> ''
		  AND (token_expires_at IS NULL OR token_expires_at <= NOW() + make_interval(mins => $1))
		ORDER BY id`, int(refreshWindow.Minutes()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.userID, &c.refreshOpaque, &c.expiry); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func refreshUser(ctx context.Context, dbx *sql.DB, vault crypto.Encryptor, rf TokenRefresher, c candidate) {
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("user_id", c.userID))

	refreshToken, err := crypto.DecryptString(vault, c.refreshOpaque)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			log.Error("stored refresh token unreadable, disabling automation", slog.Any("err", err))
			if derr := db.DisableAutomation(ctx, dbx, c.userID); derr != nil {
				log.Error("disable automation failed", slog.Any("err", derr))
			}
			telemetry.UsersDisabled.Inc()
		} else {
			log.Error("decrypt refresh token failed", slog.Any("err", err))
		}
		telemetry.RefreshFailed.Inc()
		return
	}

	res, err := rf.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		telemetry.RefreshFailed.Inc()
		if youtubeapi.IsClass(err, youtubeapi.ClassUnauthorized) {
			log.Warn("refresh token rejected, disabling automation", slog.Any("err", err))
			if derr := db.DisableAutomation(ctx, dbx, c.userID); derr != nil {
				log.Error("disable automation failed", slog.Any("err", derr))
			}
			telemetry.UsersDisabled.Inc()
			return
		}
		log.Warn("token refresh failed, will retry next cycle", slog.Any("err", err))
		return
	}

	accessOpaque, err := crypto.EncryptString(vault, res.AccessToken)
	if err != nil {
		log.Error("encrypt access token failed", slog.Any("err", err))
		telemetry.RefreshFailed.Inc()
		return
	}
	refreshOpaque := ""
	if res.RefreshToken != "" {
		refreshOpaque, err = crypto.EncryptString(vault, res.RefreshToken)
		if err != nil {
			log.Error("encrypt rotated refresh token failed", slog.Any("err", err))
			telemetry.RefreshFailed.Inc()
			return
		}
	}

	if err := db.SetUserTokens(ctx, dbx, c.userID, accessOpaque, refreshOpaque, res.Expiry); err != nil {
		log.Error("store refreshed tokens failed", slog.Any("err", err))
		telemetry.RefreshFailed.Inc()
		return
	}
	telemetry.RefreshSucceeded.Inc()
	log.Info("access token refreshed", slog.Time("expires_at", res.Expiry), slog.Bool("rotated", res.RefreshToken != ""))
}
