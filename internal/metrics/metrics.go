// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished pipeline runs by terminal outcome
	// (done, skipped, error).
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_runs_total",
		Help: "Pipeline runs by terminal outcome",
	}, []string{"outcome"})

	// RunDuration observes wall time of a full pipeline run.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_run_duration_seconds",
		Help:    "Pipeline run duration",
		Buckets: prometheus.DefBuckets,
	})

	// RiskRejections counts signals rejected by the risk gate, per rule.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_rejections_total",
		Help: "Signals rejected by the risk gate, by rule",
	}, []string{"rule"})

	// LockContention counts runs skipped because another run held the
	// subscription's lock.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_lock_contention_total",
		Help: "Runs skipped due to a held subscription lock",
	})

	// QueueDepth tracks the current length of each work queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_queue_depth",
		Help: "Current work queue depth",
	}, []string{"queue"})

	// SignalsTotal counts generated signals by action.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_total",
		Help: "Generated trade signals by action",
	}, []string{"action"})

	// TradesTotal counts executed trades by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Executed trades by side",
	}, []string{"side"})

	// NotificationsTotal counts dispatched notifications by channel and
	// result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_notifications_total",
		Help: "Dispatched notifications by channel and result",
	}, []string{"channel", "result"})
)
