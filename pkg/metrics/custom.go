package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "custody"

var (
	// 各阶段状态迁移计数
	DepositsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_detected_total",
		Help:      "Deposits inserted by the scanner.",
	}, []string{"chain"})

	DepositsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_confirmed_total",
		Help:      "Deposits promoted to confirmed.",
	}, []string{"chain"})

	DepositsHeld = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_held_total",
		Help:      "Deposits parked for manual triage.",
	}, []string{"chain", "reason"})

	DepositsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_swept_total",
		Help:      "Deposits swept into the treasury.",
	}, []string{"chain"})

	DepositsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_settled_total",
		Help:      "Deposits accepted by the external ledger.",
	}, []string{"chain"})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Row or chain level failures per pipeline stage.",
	}, []string{"stage", "chain"})

	StageSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_skipped_total",
		Help:      "Stage runs skipped because one was already in flight.",
	}, []string{"stage", "chain"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Wall time of one stage run across all chains.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms ~ 7min
	}, []string{"stage"})

	// 熔断器状态 0=closed 1=half_open 2=open
	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state.",
	}, []string{"name"})

	CBRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_reject_total",
		Help:      "Calls rejected by an open circuit breaker.",
	}, []string{"name"})

	RateLimitBlockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_block_total",
		Help:      "HTTP requests rejected by the rate limiter.",
	}, []string{"route"})
)
