package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ledgerMetrics struct {
	calls *prometheus.CounterVec
	seq   prometheus.Gauge
}

func newLedgerMetrics(promRegistry prometheus.Registerer) *ledgerMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &ledgerMetrics{
		calls: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharerepo_ledger_calls_total",
				Help: "ledger calls by outcome (commit or revert)",
			},
			[]string{"result"},
		),
		seq: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sharerepo_ledger_sequence",
				Help: "sequence number of the last committed call",
			},
		),
	}
}
