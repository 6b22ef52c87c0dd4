package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode admin response failed", slog.Any("err", err), slog.String("component", "admin"))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// HandleAdminSummary serves the pipeline health snapshot.
func (h *Handlers) HandleAdminSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.diag.Summary(r.Context())
	if err != nil {
		slog.Error("summary query failed", slog.Any("err", err), slog.String("component", "admin"))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s)
}

// HandleAdminQuota serves per-day API usage. ?days=N, default 7.
func (h *Handlers) HandleAdminQuota(w http.ResponseWriter, r *http.Request) {
	rowsOut, err := h.diag.QuotaUsage(r.Context(), queryInt(r, "days", 7))
	if err != nil {
		slog.Error("quota query failed", slog.Any("err", err), slog.String("component", "admin"))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rowsOut)
}

// HandleAdminFailed serves recent failed playlist inserts. ?days=N, default 1.
func (h *Handlers) HandleAdminFailed(w http.ResponseWriter, r *http.Request) {
	rowsOut, err := h.diag.FailedJobs(r.Context(), queryInt(r, "days", 1))
	if err != nil {
		slog.Error("failed-jobs query failed", slog.Any("err", err), slog.String("component", "admin"))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rowsOut)
}

// HandleAdminUnprocessed serves the queued event backlog. ?hours=N, default 24.
func (h *Handlers) HandleAdminUnprocessed(w http.ResponseWriter, r *http.Request) {
	rowsOut, err := h.diag.UnprocessedEvents(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		slog.Error("unprocessed query failed", slog.Any("err", err), slog.String("component", "admin"))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rowsOut)
}
