package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 账务核心指标，nil 接收者上的调用均为空操作
type Metrics struct {
	redemptions     *prometheus.CounterVec
	activations     *prometheus.CounterVec
	casRetries      *prometheus.CounterVec
	refilledCredits prometheus.Counter
	reconciled      *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	outboxBacklog   prometheus.Gauge
}

func New(registerer prometheus.Registerer) *Metrics {
	redemptions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_redemptions_total",
			Help: "Redemption attempts by outcome.",
		},
		[]string{"outcome"}, // success | already_consumed | expired | not_found | disabled | not_yet_valid | reward_failed | error
	)

	activations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_order_activations_total",
			Help: "Order activation attempts by outcome.",
		},
		[]string{"outcome"}, // success | already_activated | not_paid | extend_failed | error
	)

	casRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_account_cas_conflicts_total",
			Help: "Optimistic version conflicts on account writes.",
		},
		[]string{"result"}, // retried | exhausted
	)

	refilledCredits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_daily_refill_credits_total",
			Help: "Credits added by daily quota resets.",
		},
	)

	reconciled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconciled_total",
			Help: "Consumed-but-unrewarded items repaired by the reconciliation sweep.",
		},
		[]string{"kind", "result"}, // code|order, repaired | failed
	)

	outbox := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_outbox_messages_total",
			Help: "Outbox relay attempts by result.",
		},
		[]string{"result"}, // sent | retry | failed
	)

	outboxBacklog := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_outbox_pending",
			Help: "Outbox messages waiting to be relayed.",
		},
	)

	registerer.MustRegister(
		redemptions,
		activations,
		casRetries,
		refilledCredits,
		reconciled,
		outbox,
		outboxBacklog,
	)

	return &Metrics{
		redemptions:     redemptions,
		activations:     activations,
		casRetries:      casRetries,
		refilledCredits: refilledCredits,
		reconciled:      reconciled,
		outbox:          outbox,
		outboxBacklog:   outboxBacklog,
	}
}

func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Activation(outcome string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CASConflict(exhausted bool) {
	if m == nil {
		return
	}
	result := "retried"
	if exhausted {
		result = "exhausted"
	}
	m.casRetries.WithLabelValues(result).Inc()
}

func (m *Metrics) Refilled(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.refilledCredits.Add(float64(credits))
}

func (m *Metrics) Reconciled(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "repaired"
	if !ok {
		result = "failed"
	}
	m.reconciled.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Outbox(result string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxBacklog(n int64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(n))
}
