package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "testforge",
		Name:      "node_duration_seconds",
		Help:      "Wall time spent in each workflow node.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"node"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testforge",
		Name:      "transitions_total",
		Help:      "Edges taken between workflow nodes.",
	}, []string{"from", "to"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testforge",
		Name:      "runs_total",
		Help:      "Runs that stopped, by outcome.",
	}, []string{"outcome"})
)
