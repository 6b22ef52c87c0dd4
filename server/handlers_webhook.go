package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/autowatch/telemetry"
)

// maxNotificationBytes caps hub notification bodies.
const maxNotificationBytes = 1 << 20

// atomFeed models the hub's Atom notification payload. The video and channel
// ids live in the yt extension namespace.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	VideoID   string `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	ChannelID string `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string `xml:"title"`
	Published string `xml:"published"`
}

// HandleWebhook serves hub verification (GET) and notification delivery (POST).
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the hub's intent check by echoing the challenge.
func (h *Handlers) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	challenge := q.Get("hub.challenge")
	topic := q.Get("hub.topic")

	if mode == "" || challenge == "" {
		http.Error(w, "missing hub.mode or hub.challenge", http.StatusBadRequest)
		return
	}
	if topic != "" && !strings.Contains(topic, "youtube.com") {
		http.Error(w, "unexpected topic", http.StatusBadRequest)
		return
	}

	slog.Info("hub verification", slog.String("mode", mode), slog.String("topic", topic), slog.String("component", "webhook"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleNotification validates and queues a pushed upload notification.
// Parse failures return 500 so the hub redelivers later; a bad signature is
// acknowledged with 200 and dropped.
func (h *Handlers) handleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "webhook"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		http.Error(w, "body read failed", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		log.Warn("notification parse failed", slog.Any("err", err))
		http.Error(w, "parse failed", http.StatusInternalServerError)
		return
	}
	for _, e := range feed.Entries {
		if e.VideoID == "" || e.ChannelID == "" {
			log.Warn("notification missing video or channel id")
			http.Error(w, "incomplete entry", http.StatusInternalServerError)
			return
		}
	}

	if len(feed.Entries) > 0 {
		if ok := h.verifySignature(r, feed.Entries[0].ChannelID, body); !ok {
			log.Warn("notification signature mismatch, dropping",
				slog.String("channel_id", feed.Entries[0].ChannelID))
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	// Every valid notification gets its own row, redeliveries included; the
	// fan-out processor is where per-user dedup happens. Keeping each raw
	// payload allows forensic replay of what the hub actually sent.
	for _, e := range feed.Entries {
		if _, err := h.db.ExecContext(ctx, `
			INSERT INTO webhook_events (channel_id, video_id, title, source, raw_payload, received_at, processed)
			VALUES ($1, $2, $3, 'webhook', $4, NOW(), FALSE)`,
			e.ChannelID, e.VideoID, e.Title, string(body)); err != nil {
			log.Error("queue notification failed", slog.Any("err", err))
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		telemetry.EventsReceived.Inc()
		log.Info("notification queued", slog.String("channel_id", e.ChannelID), slog.String("video_id", e.VideoID))
	}

	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature sha1 HMAC when the channel has a
// registered secret. Absent header or secret means no verification is possible
// and the notification is accepted.
func (h *Handlers) verifySignature(r *http.Request, channelID string, body []byte) bool {
	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		return true
	}
	sig = strings.TrimPrefix(sig, "sha1=")

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT DISTINCT websub_secret FROM subscriptions
		WHERE channel_id = $1 AND websub_secret IS NOT NULL AND websub_secret <> ''`, channelID)
	if err != nil {
		slog.Error("signature secret lookup failed", slog.Any("err", err), slog.String("component", "webhook"))
		return true
	}
	defer rows.Close()

	verified := false
	sawSecret := false
	for rows.Next() {
		var secret string
		if err := rows.Scan(&secret); err != nil {
			continue
		}
		sawSecret = true
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			verified = true
			break
		}
	}
	if !sawSecret {
		return true
	}
	return verified
}
