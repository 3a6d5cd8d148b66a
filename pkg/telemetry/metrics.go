package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the simulation client.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	submissions   *prometheus.CounterVec
	completions   *prometheus.CounterVec
	waitDuration  *prometheus.HistogramVec
	cancellations *prometheus.CounterVec

	// Poll metrics
	polls        *prometheus.CounterVec
	pollErrors   *prometheus.CounterVec
	pollDuration prometheus.Histogram

	// Resolution and gate metrics
	resolutions   *prometheus.CounterVec
	policyDenials *prometheus.CounterVec

	// HTTP transport metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	activeWaits prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_submitted_total",
				Help:      "Total number of experiment executions submitted",
			},
			[]string{"model_kind"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions observed in a terminal state",
			},
			[]string{"state"},
		),
		waitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for executions to finish",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancellations_requested_total",
				Help:      "Total number of cancellation requests",
			},
			[]string{"status"},
		),

		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of execution status polls by observed state",
			},
			[]string{"state"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Total number of failed status polls",
			},
			[]string{"class"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of a single status poll",
				Buckets:   buckets,
			},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of experiment definitions resolved",
			},
			[]string{"defaults", "status"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of policy violations blocking submission",
			},
			[]string{"policy", "severity"},
		),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of requests sent to the simulation service",
			},
			[]string{"method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of requests sent to the simulation service",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeWaits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_waits",
				Help:      "Current number of executions being waited on",
			},
		),
	}

	registry.MustRegister(
		m.submissions,
		m.completions,
		m.waitDuration,
		m.cancellations,
		m.polls,
		m.pollErrors,
		m.pollDuration,
		m.resolutions,
		m.policyDenials,
		m.requests,
		m.requestDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeWaits,
	)

	return m, nil
}

// Execution Metrics

// RecordSubmission increments the counter for submitted executions.
func (m *Metrics) RecordSubmission(modelKind string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(modelKind).Inc()
}

// RecordWaitStarted marks the start of a wait.
func (m *Metrics) RecordWaitStarted() {
	if m == nil || m.activeWaits == nil {
		return
	}
	m.activeWaits.Inc()
}

// RecordWaitFinished records how a wait ended and how long it took.
// outcome is a terminal state name, "timeout" or "error".
func (m *Metrics) RecordWaitFinished(outcome string, duration time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}
	m.waitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeWaits.Dec()
}

// RecordCompletion records an execution observed in a terminal state.
func (m *Metrics) RecordCompletion(state string) {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.WithLabelValues(state).Inc()
}

// RecordCancellation records a cancellation request.
func (m *Metrics) RecordCancellation(status string) {
	if m == nil || m.cancellations == nil {
		return
	}
	m.cancellations.WithLabelValues(status).Inc()
}

// Poll Metrics

// RecordPoll records a successful poll and the state it observed.
func (m *Metrics) RecordPoll(state string, duration time.Duration) {
	if m == nil || m.polls == nil {
		return
	}
	m.polls.WithLabelValues(state).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

// RecordPollError records a failed poll.
func (m *Metrics) RecordPollError(class string) {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.WithLabelValues(class).Inc()
}

// Resolution Metrics

// RecordResolution records a definition resolution. withDefaults tells
// whether custom function defaults were requested.
func (m *Metrics) RecordResolution(withDefaults bool, status string) {
	if m == nil || m.resolutions == nil {
		return
	}
	defaults := "builtin"
	if withDefaults {
		defaults = "custom_function"
	}
	m.resolutions.WithLabelValues(defaults, status).Inc()
}

// RecordPolicyDenial records a policy violation that blocked a submission.
func (m *Metrics) RecordPolicyDenial(policy, severity string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy, severity).Inc()
}

// Transport Metrics

// RecordRequest records a request to the simulation service.
func (m *Metrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(method, fmt.Sprintf("%d", statusCode)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
