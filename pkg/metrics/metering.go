package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "creditmeter"

// Deduction outcomes.
const (
	StatusSuccess      = "success"
	StatusInsufficient = "insufficient"
	StatusError        = "error"
)

// Low balance alert delivery outcomes.
const (
	AlertSent   = "sent"
	AlertFailed = "failed"
)

// MeteringMetrics tracks engine level activity per tenant.
type MeteringMetrics struct {
	deductions *prometheus.CounterVec
	cost       *prometheus.CounterVec
	credits    *prometheus.CounterVec
	balance    *prometheus.GaugeVec
	errors     *prometheus.CounterVec
	lowBalance *prometheus.CounterVec
}

// NewMeteringMetrics registers the engine metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewMeteringMetrics(reg prometheus.Registerer) *MeteringMetrics {
	if reg == nil {
		return &MeteringMetrics{}
	}
	m := &MeteringMetrics{
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deductions_total",
			Help:      "Credit deductions by outcome.",
		}, []string{"tenant", "resource", "status"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deducted_total",
			Help:      "Credits deducted for metered usage.",
		}, []string{"tenant", "resource"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_added_total",
			Help:      "Credits added by source.",
		}, []string{"tenant", "source"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_credits",
			Help:      "Last observed credit balance.",
		}, []string{"tenant"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Engine errors by operation and kind.",
		}, []string{"operation", "kind"}),
		lowBalance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_balance_alerts_total",
			Help:      "Low balance alerts by delivery outcome.",
		}, []string{"tenant", "status"}),
	}
	reg.MustRegister(m.deductions, m.cost, m.credits, m.balance, m.errors, m.lowBalance)
	return m
}

// ObserveDeduction counts one debit attempt. Cost is only added on success.
func (m *MeteringMetrics) ObserveDeduction(tenant, resource, status string, cost decimal.Decimal) {
	if m == nil || m.deductions == nil {
		return
	}
	m.deductions.WithLabelValues(normalizeLabel(tenant), normalizeLabel(resource), normalizeLabel(status)).Inc()
	if status == StatusSuccess {
		m.cost.WithLabelValues(normalizeLabel(tenant), normalizeLabel(resource)).Add(cost.InexactFloat64())
	}
}

// ObserveCredit records credits added to a tenant.
func (m *MeteringMetrics) ObserveCredit(tenant, source string, amount decimal.Decimal) {
	if m == nil || m.credits == nil {
		return
	}
	m.credits.WithLabelValues(normalizeLabel(tenant), normalizeLabel(source)).Add(amount.InexactFloat64())
}

// SetBalance updates the balance gauge.
func (m *MeteringMetrics) SetBalance(tenant string, balance decimal.Decimal) {
	if m == nil || m.balance == nil {
		return
	}
	m.balance.WithLabelValues(normalizeLabel(tenant)).Set(balance.InexactFloat64())
}

// IncError counts a failed engine operation.
func (m *MeteringMetrics) IncError(operation, kind string) {
	if m == nil || m.errors == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(operation), normalizeLabel(kind)).Inc()
}

// ObserveLowBalanceAlert counts one alert attempt; err is the delivery error.
func (m *MeteringMetrics) ObserveLowBalanceAlert(tenant string, err error) {
	if m == nil || m.lowBalance == nil {
		return
	}
	status := AlertSent
	if err != nil {
		status = AlertFailed
	}
	m.lowBalance.WithLabelValues(normalizeLabel(tenant), status).Inc()
}
