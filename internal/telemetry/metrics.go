package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the operator gateway. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	OperationTotal      *prometheus.CounterVec
	OperationDurationMs *prometheus.HistogramVec
	LoginTotal          *prometheus.CounterVec
	LoginDurationMs     *prometheus.HistogramVec
	RetryTotal          *prometheus.CounterVec
	ReauthTotal         *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	RateLimitTotal      *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// means the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		OperationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_operation_total",
			Help: "Total number of provider operations processed by the gateway.",
		}, []string{"provider", "family", "operation", "status", "kind"}),

		OperationDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_operation_duration_ms",
			Help:    "Operation duration in milliseconds, including any implicit login.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "operation"}),

		LoginTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_login_total",
			Help: "Vendor logins performed, by result.",
		}, []string{"provider", "result"}),

		LoginDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_login_duration_ms",
			Help:    "Vendor login duration in milliseconds, including CAPTCHA solving.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000},
		}, []string{"provider"}),

		RetryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_transport_retry_total",
			Help: "Vendor requests retried after a transport failure.",
		}, []string{"provider"}),

		ReauthTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_reauth_total",
			Help: "Operations that re-authenticated after the vendor expired the session.",
		}, []string{"provider"}),

		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half open).",
		}, []string{"provider"}),

		RateLimitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hit_total",
			Help: "Requests refused by a caller rate limit or provider volume cap.",
		}, []string{"dimension"}),
	}
}

// OperationLabels holds the label values for recording an operation.
type OperationLabels struct {
	Provider   string
	Family     string
	Operation  string
	Status     string
	Kind       string
	DurationMs float64
}

// RecordOperation records metrics for a completed operation.
func (m *Metrics) RecordOperation(labels OperationLabels) {
	if m == nil {
		return
	}
	m.OperationTotal.WithLabelValues(
		labels.Provider, labels.Family, labels.Operation, labels.Status, labels.Kind,
	).Inc()

	m.OperationDurationMs.WithLabelValues(
		labels.Provider, labels.Operation,
	).Observe(labels.DurationMs)
}

// RecordLogin matches session.LoginObserver.
func (m *Metrics) RecordLogin(provider string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.LoginTotal.WithLabelValues(provider, result).Inc()
	m.LoginDurationMs.WithLabelValues(provider).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordReauth(provider string) {
	if m == nil {
		return
	}
	m.ReauthTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) RecordRateLimitHit(dimension string) {
	if m == nil {
		return
	}
	m.RateLimitTotal.WithLabelValues(dimension).Inc()
}
