package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type keeperMetrics struct {
	polls *prometheus.CounterVec
	ticks prometheus.Counter
}

func newKeeperMetrics(promRegistry prometheus.Registerer) *keeperMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &keeperMetrics{
		polls: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharerepo_keeper_polls_total",
				Help: "deal polls by outcome (transition, idle, error)",
			},
			[]string{"result"},
		),
		ticks: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "sharerepo_keeper_ticks_total",
				Help: "completed keeper sweeps",
			},
		),
	}
}

type relayMetrics struct {
	messages *prometheus.CounterVec
}

func newRelayMetrics(promRegistry prometheus.Registerer) *relayMetrics {
	return &relayMetrics{
		messages: promauto.With(promRegistry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharerepo_outbox_messages_total",
				Help: "outbox deliveries by outcome (delivered, failed)",
			},
			[]string{"result"},
		),
	}
}
