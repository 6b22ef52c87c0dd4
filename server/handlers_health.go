package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				`SELECT COUNT(*) FROM users WHERE refresh_token IS NOT NULL AND refresh_token <> '' AND automation_disabled = FALSE`).Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("no enabled users with credentials")
			}
			return nil
		}},
		{"workers", func() error {
			// A processor heartbeat older than an hour means the pipeline stalled.
			var last string
			err := h.db.QueryRowContext(r.Context(),
				`SELECT value FROM kv WHERE key='job_video_processing_last'`).Scan(&last)
			if err != nil {
				return fmt.Errorf("no processing heartbeat yet")
			}
			t, perr := time.Parse(time.RFC3339, last)
			if perr != nil {
				t, perr = time.Parse("2006-01-02T15:04:05.000Z", last)
			}
			if perr != nil {
				return fmt.Errorf("unreadable heartbeat %q", last)
			}
			if time.Since(t) > time.Hour {
				return fmt.Errorf("processing heartbeat stale since %s", t.Format(time.RFC3339))
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports queue depth, worker heartbeats and today's quota use.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}

	var queued int
	if err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE processed = FALSE`).Scan(&queued); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	out["queued_events"] = queued

	heartbeats := map[string]string{}
	rows, err := h.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE 'job_%_last'`)
	if err == nil {
		for rows.Next() {
			var k, v string
			if rows.Scan(&k, &v) == nil {
				heartbeats[k] = v
			}
		}
		rows.Close()
	}
	out["job_heartbeats"] = heartbeats

	if h.diag != nil {
		if quota, err := h.diag.QuotaUsage(ctx, 1); err == nil {
			out["quota_today"] = quota
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
