// Package metrics публикует счётчики механизмов контроля целостности в Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics реализует Recorder-интерфейсы распределителя, ограничителя, блокировщика и детектора.
type Metrics struct {
	CheckoutDecisions *prometheus.CounterVec
	InsufficientStock prometheus.Counter
	LoginFailures     prometheus.Counter
	Lockouts          *prometheus.CounterVec
	OrdersFlagged     prometheus.Counter
	PruneRuns         *prometheus.CounterVec
	PrunedEvents      prometheus.Counter
	PruneDurationSecs prometheus.Histogram
	DetectionFailures prometheus.Counter
}

// New регистрирует метрики в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckoutDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agromarket_checkout_ratelimit_decisions_total",
			Help: "Checkout rate limit decisions by outcome",
		}, []string{"outcome"}),
		InsufficientStock: f.NewCounter(prometheus.CounterOpts{
			Name: "agromarket_checkout_insufficient_stock_total",
			Help: "Checkouts rejected because a line could not be covered by stock lots",
		}),
		LoginFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "agromarket_login_failures_total",
			Help: "Failed login attempts recorded by the lockout guard",
		}),
		Lockouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agromarket_login_lockouts_total",
			Help: "Login lockouts by lock level",
		}, []string{"level"}),
		OrdersFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "agromarket_orders_flagged_suspicious_total",
			Help: "Orders marked suspicious by the detector",
		}),
		PruneRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agromarket_counter_prune_runs_total",
			Help: "Counter prune runs by status",
		}, []string{"status"}),
		PrunedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "agromarket_counter_pruned_events_total",
			Help: "Timed counter events removed by pruning",
		}),
		PruneDurationSecs: f.NewHistogram(prometheus.HistogramOpts{
			Name: "agromarket_counter_prune_duration_seconds",
			Help: "Duration of counter prune runs in seconds",
		}),
		DetectionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "agromarket_suspicion_detection_failures_total",
			Help: "Suspicion evaluations that failed and were skipped",
		}),
	}
}

func (m *Metrics) IncCheckoutDecision(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.CheckoutDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncInsufficientStock() {
	m.InsufficientStock.Inc()
}

func (m *Metrics) IncLoginFailure() {
	m.LoginFailures.Inc()
}

func (m *Metrics) IncLockout(level int) {
	m.Lockouts.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) AddOrdersFlagged(n int) {
	m.OrdersFlagged.Add(float64(n))
}

func (m *Metrics) IncDetectionFailure() {
	m.DetectionFailures.Inc()
}

func (m *Metrics) ObservePrune(status string, pruned int64, seconds float64) {
	m.PruneRuns.WithLabelValues(status).Inc()
	m.PrunedEvents.Add(float64(pruned))
	m.PruneDurationSecs.Observe(seconds)
}
