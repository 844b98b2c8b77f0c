package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Ledger append attempts, labeled by transaction kind and result",
	}, []string{"kind", "result"})

	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_redemptions_total",
		Help: "Redeem calls, labeled by result",
	}, []string{"result"})

	consumesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_redemption_consumes_total",
		Help: "Consume calls, labeled by result",
	}, []string{"result"})

	pointsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_points_expired_total",
		Help: "Points removed by expiry",
	})

	conflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Units of work retried after a concurrent modification",
	}, []string{"op"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_sweep_duration_seconds",
		Help:    "Wall time of one expiry sweep",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

func resultAttr(label string) attribute.KeyValue {
	return attribute.String("result", label)
}
