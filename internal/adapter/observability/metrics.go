package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pty_sessions_active",
			Help: "Number of live PTY sessions",
		},
	)
	SessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pty_sessions_started_total",
			Help: "Total number of PTY sessions started by execution type",
		},
		[]string{"exec_type"},
	)
	SessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pty_sessions_finished_total",
			Help: "Total number of PTY sessions finished by terminal status",
		},
		[]string{"status"},
	)
	SessionOutputLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pty_session_output_lines_total",
			Help: "Total output lines captured across all sessions",
		},
	)

	StateChannelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_channel_events_total",
			Help: "Total deltas pushed to state channels by event type",
		},
		[]string{"type"},
	)
	StateChannelSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_channel_subscribers",
			Help: "Number of connected state-channel subscribers",
		},
	)

	MonitorPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_polls_total",
			Help: "Total rate-limit monitor polls by outcome",
		},
		[]string{"outcome"},
	)
	MonitorPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_poll_duration_seconds",
			Help:    "Rate-limit monitor poll duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	UsageFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_usage_fetches_total",
			Help: "Total provider usage fetches by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	ThresholdAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threshold_alerts_total",
			Help: "Total threshold severity increases by level",
		},
		[]string{"level"},
	)

	SchedulerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_transitions_total",
			Help: "Total admission scheduler state transitions",
		},
		[]string{"from", "to"},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_total",
			Help: "Total orchestrated executions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	ChainRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_rotations_total",
			Help: "Total fallback-chain rotations caused by rate limits",
		},
	)

	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Total streamed chunks by transport",
		},
		[]string{"transport"},
	)
	StreamPromptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_prompt_tokens",
			Help:    "Estimated prompt tokens per conversation request",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 200000},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsStartedTotal)
	prometheus.MustRegister(SessionsFinishedTotal)
	prometheus.MustRegister(SessionOutputLines)
	prometheus.MustRegister(StateChannelEvents)
	prometheus.MustRegister(StateChannelSubscribers)
	prometheus.MustRegister(MonitorPollsTotal)
	prometheus.MustRegister(MonitorPollDuration)
	prometheus.MustRegister(UsageFetchesTotal)
	prometheus.MustRegister(ThresholdAlertsTotal)
	prometheus.MustRegister(SchedulerTransitionsTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ChainRotationsTotal)
	prometheus.MustRegister(StreamChunksTotal)
	prometheus.MustRegister(StreamPromptTokens)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SessionStarted flips the gauges for one new PTY session.
func SessionStarted(execType string) {
	SessionsActive.Inc()
	SessionsStartedTotal.WithLabelValues(execType).Inc()
}

// SessionFinished records a terminal status and releases the gauge.
func SessionFinished(status string) {
	SessionsActive.Dec()
	SessionsFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveUsageFetch records one provider usage fetch.
func ObserveUsageFetch(backend, outcome string) {
	UsageFetchesTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveExecution records one orchestrated execution outcome.
func ObserveExecution(backend, outcome string) {
	ExecutionsTotal.WithLabelValues(backend, outcome).Inc()
}
