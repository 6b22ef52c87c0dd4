// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived    prometheus.Counter
	EventsProcessed   prometheus.Counter
	InsertsSucceeded  prometheus.Counter
	InsertsFailed     prometheus.Counter
	SubscribeAttempts prometheus.Counter
	SubscribeFailed   prometheus.Counter
	PollCycles        prometheus.Counter
	RefreshSucceeded  prometheus.Counter
	RefreshFailed     prometheus.Counter
	UsersDisabled     prometheus.Counter

	// Histograms (seconds)
	FanoutDuration prometheus.Observer
	InsertDuration prometheus.Observer

	// Gauges
	EventQueueDepthGauge prometheus.Gauge
	WebSubActiveGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_events_received_total", Help: "Webhook events accepted into the queue (push and polling)"})
		EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_events_processed_total", Help: "Webhook events drained by the fan-out processor"})
		InsertsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_playlist_inserts_succeeded_total", Help: "Playlist item insertions that succeeded"})
		InsertsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_playlist_inserts_failed_total", Help: "Playlist item insertions that failed"})
		SubscribeAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_websub_subscribe_attempts_total", Help: "WebSub subscribe/renew POSTs sent to the hub"})
		SubscribeFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_websub_subscribe_failed_total", Help: "WebSub subscribe/renew POSTs rejected by the hub"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_poll_cycles_total", Help: "Fallback poller cycles"})
		RefreshSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_token_refresh_succeeded_total", Help: "OAuth token refreshes that succeeded"})
		RefreshFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_token_refresh_failed_total", Help: "OAuth token refreshes that failed"})
		UsersDisabled = promauto.NewCounter(prometheus.CounterOpts{Name: "autowatch_users_disabled_total", Help: "Users whose automation was disabled after a hard failure"})
		FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "autowatch_fanout_duration_seconds", Help: "Duration of one fan-out cycle", Buckets: prometheus.DefBuckets})
		InsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "autowatch_playlist_insert_duration_seconds", Help: "Duration of one playlist insert including retries", Buckets: prometheus.DefBuckets})
		EventQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autowatch_event_queue_depth", Help: "Current number of unprocessed webhook events"})
		WebSubActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autowatch_websub_active_leases", Help: "Subscriptions with an unexpired WebSub lease"})
	})
}

// SetEventQueueDepth records the current unprocessed event count.
func SetEventQueueDepth(n int) {
	if EventQueueDepthGauge != nil {
		EventQueueDepthGauge.Set(float64(n))
	}
}

// SetWebSubActive records the number of live hub leases.
func SetWebSubActive(n int) {
	if WebSubActiveGauge != nil {
		WebSubActiveGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
