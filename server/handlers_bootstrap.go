package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/autowatch/crypto"
	"github.com/onnwee/autowatch/db"
	"github.com/onnwee/autowatch/telemetry"
	"github.com/onnwee/autowatch/websub"
)

// HandleUsersDispatcher routes /users/{id}/bootstrap.
func (h *Handlers) HandleUsersDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/users/")
	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "bootstrap" && parts[0] != "" {
		h.handleBootstrap(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

// handleBootstrap synchronizes a user's channel list from the Platform,
// creates the managed playlist when missing, and kicks an immediate hub
// subscribe pass so push delivery starts without waiting for the manager tick.
func (h *Handlers) handleBootstrap(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bootstrap"), slog.String("user_id", userID))

	var accessOpaque, playlistID sql.NullString
	var disabled bool
	err := h.db.QueryRowContext(ctx,
		`SELECT access_token, playlist_id, automation_disabled FROM users WHERE id=$1`, userID).
		Scan(&accessOpaque, &playlistID, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("user lookup failed", slog.Any("err", err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if disabled {
		http.Error(w, "automation disabled for user", http.StatusConflict)
		return
	}
	if !accessOpaque.Valid || accessOpaque.String == "" {
		http.Error(w, "user has no stored credentials", http.StatusConflict)
		return
	}

	accessToken, err := crypto.DecryptString(h.vault, accessOpaque.String)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			log.Error("stored access token unreadable, disabling automation", slog.Any("err", err))
			_ = db.DisableAutomation(ctx, h.db, userID)
			telemetry.UsersDisabled.Inc()
			http.Error(w, "credentials unreadable, re-authentication required", http.StatusConflict)
			return
		}
		log.Error("decrypt access token failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	channels, err := h.yt.ListSubscriptions(ctx, accessToken)
	if err != nil {
		log.Error("subscription listing failed", slog.Any("err", err))
		http.Error(w, "platform listing failed", http.StatusBadGateway)
		return
	}

	if !playlistID.Valid || playlistID.String == "" {
		pid, err := h.yt.CreatePlaylist(ctx, accessToken, "Auto Watch Later", "Videos added automatically from subscribed channels")
		if err != nil {
			log.Error("playlist creation failed", slog.Any("err", err))
			http.Error(w, "playlist creation failed", http.StatusBadGateway)
			return
		}
		if err := db.SetUserPlaylist(ctx, h.db, userID, pid); err != nil {
			log.Error("store playlist id failed", slog.Any("err", err))
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		log.Info("managed playlist created", slog.String("playlist_id", pid))
	}

	// Wipe and refill: the Platform list is authoritative. Rows keep their
	// hub state via the upsert so live leases are not re-subscribed.
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("begin sync transaction failed", slog.Any("err", err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback() }()

	keep := make(map[string]bool, len(channels))
	for _, c := range channels {
		keep[c.ID] = true
	}
	existing, err := tx.QueryContext(ctx, `SELECT channel_id FROM subscriptions WHERE user_id=$1`, userID)
	if err != nil {
		log.Error("load existing subscriptions failed", slog.Any("err", err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	var stale []string
	for existing.Next() {
		var id string
		if err := existing.Scan(&id); err != nil {
			existing.Close()
			log.Error("scan existing subscription failed", slog.Any("err", err))
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	existing.Close()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE user_id=$1 AND channel_id=$2`, userID, id); err != nil {
			log.Error("prune stale subscription failed", slog.Any("err", err), slog.String("channel_id", id))
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
	}
	for _, c := range channels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (user_id, channel_id, channel_title)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, channel_id) DO UPDATE SET channel_title = EXCLUDED.channel_title`,
			userID, c.ID, c.Title); err != nil {
			log.Error("upsert subscription failed", slog.Any("err", err), slog.String("channel_id", c.ID))
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Error("commit sync transaction failed", slog.Any("err", err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	if h.hub != nil {
		websub.SubscribeNow(ctx, h.db, h.hub, userID)
	}
	log.Info("bootstrap complete", slog.Int("channels", len(channels)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id":  userID,
		"channels": len(channels),
	})
}
