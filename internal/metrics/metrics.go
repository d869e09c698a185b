package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "pos",
		Name:      "sales_committed_total",
		Help:      "Sales committed, labelled by payment method.",
	}, []string{"payment_method"})

	SalesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "pos",
		Name:      "sales_rejected_total",
		Help:      "Sales rejected before commit, labelled by error code.",
	}, []string{"code"})

	SalesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "pos",
		Name:      "sales_queued_total",
		Help:      "Sales captured into the offline queue.",
	})

	SyncReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "sync",
		Name:      "replayed_total",
		Help:      "Offline entries replayed, labelled by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tillpoint",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Offline queue depth, labelled by status.",
	}, []string{"status"})

	SessionVariance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tillpoint",
		Subsystem: "cash",
		Name:      "last_session_variance_cents",
		Help:      "Variance of the most recently closed cash session.",
	})

	AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "audit",
		Name:      "alerts_dropped_total",
		Help:      "High-severity alerts dropped because the sink was full.",
	})

	CallbackRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tillpoint",
		Subsystem: "payment",
		Name:      "callback_rejected_total",
		Help:      "Payment callbacks rejected for an invalid signature.",
	})
)
