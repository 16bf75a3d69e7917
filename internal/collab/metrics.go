package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// admissionsTotal counts upgrade attempts by outcome ("admitted" or the
	// lowercased rejection code).
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "admissions_total",
		Help:      "Connection admission attempts by result",
	}, []string{"result"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "active_connections",
		Help:      "Live admitted connections",
	})

	loadedReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "loaded_replicas",
		Help:      "Document replicas held in memory",
	})

	// editFramesTotal labels: outcome (merged, duplicate, noise, readonly, rejected)
	editFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "edit_frames_total",
		Help:      "Inbound edit-protocol frames by outcome",
	}, []string{"outcome"})

	presenceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "presence_updates_total",
		Help:      "Cursor updates relayed to peers",
	})

	// upstreamCallsTotal labels: call (fetch, persist, audit, presence,
	// session_ended, index, archive), result (ok, error)
	upstreamCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "upstream_calls_total",
		Help:      "Calls to collaborator services by result",
	}, []string{"call", "result"})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "persist_duration_seconds",
		Help:      "Time to write a replica snapshot to the document store",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronicle",
		Subsystem: "sync",
		Name:      "evictions_total",
		Help:      "Replica unloads by whether all edits were persisted",
	}, []string{"clean"})
)

func observeCall(call string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	upstreamCallsTotal.WithLabelValues(call, result).Inc()
}
