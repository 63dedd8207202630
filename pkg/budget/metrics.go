package budget

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pario-ai/budgetd/pkg/models"
)

const (
	resultAdmitted    = "admitted"
	resultPrivileged  = "privileged"
	resultExceeded    = "exceeded"
	resultUnavailable = "unavailable"
	resultInvalid     = "invalid"
	resultRecorded    = "recorded"
	resultDuplicate   = "duplicate"
	resultApplied     = "applied"
	resultDenied      = "denied"
	resultError       = "error"
)

// Metrics holds the Prometheus collectors for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	checkDuration prometheus.Histogram
	usageRatio    prometheus.Histogram
	costRecords   *prometheus.CounterVec
	costRetries   prometheus.Counter
	spendCents    prometheus.Counter
	overrides     *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		checks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetd_checks_total",
				Help: "Admission checks by result",
			},
			[]string{"result"},
		),
		checkDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "budgetd_check_duration_seconds",
				Help:    "Admission check latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		usageRatio: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "budgetd_usage_ratio",
				Help:    "Spend to cap ratio observed at admission for non-privileged accounts",
				Buckets: []float64{0.25, 0.5, 0.75, 0.9, 1, 1.1, 1.5},
			},
		),
		costRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetd_cost_records_total",
				Help: "Cost writes by result",
			},
			[]string{"result"},
		),
		costRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "budgetd_cost_retries_total",
				Help: "Cost write attempts retried after a storage failure",
			},
		),
		spendCents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "budgetd_spend_cents_total",
				Help: "Cents added to account spend",
			},
		),
		overrides: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budgetd_budget_overrides_total",
				Help: "Administrative cap changes by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) observeCheck(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
	m.checkDuration.Observe(d.Seconds())
}

func (m *Metrics) observeUsage(a models.BudgetAccount) {
	if m == nil || a.BudgetCents <= 0 {
		return
	}
	m.usageRatio.Observe(UsageRatio(a))
}

func (m *Metrics) observeCost(result string, cents int64) {
	if m == nil {
		return
	}
	m.costRecords.WithLabelValues(result).Inc()
	if result == resultRecorded && cents > 0 {
		m.spendCents.Add(float64(cents))
	}
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.costRetries.Inc()
}

func (m *Metrics) observeOverride(result string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(result).Inc()
}
