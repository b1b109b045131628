package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts pipeline ticks by final outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_ticks_total",
		Help: "Pipeline ticks by service and outcome",
	}, []string{"service", "outcome"})

	// TickDuration tracks how long one tick takes end to end.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topup_tick_duration_seconds",
		Help:    "Duration of one pipeline tick",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"service"})

	// ClassifiedTotal counts candidates by class per tick.
	ClassifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_classified_total",
		Help: "Candidates classified by service and class",
	}, []string{"service", "class"})

	// ProviderCallsTotal counts recharge calls by provider and outcome.
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_provider_calls_total",
		Help: "Provider recharge calls by provider and outcome",
	}, []string{"provider", "outcome"})

	// ProviderCallDuration tracks provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topup_provider_call_duration_seconds",
		Help:    "Latency of provider recharge calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// QueueDepth is the pending-recharge queue depth after each tick.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topup_queue_depth",
		Help: "Pending settlement queue depth per service",
	}, []string{"service"})

	// QueueCorruptionsTotal counts quarantined queue files.
	QueueCorruptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_queue_corruptions_total",
		Help: "Queue files quarantined at load",
	}, []string{"service"})

	// LockContentionTotal counts ticks skipped because the lock was held.
	LockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_lock_contention_total",
		Help: "Ticks skipped due to distributed lock contention",
	}, []string{"service"})

	// SettlementsTotal counts settlement items by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_settlements_total",
		Help: "Settlement items by service and outcome",
	}, []string{"service", "outcome"})

	// RecoveryRunsTotal counts recovery passes by result.
	RecoveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topup_recovery_runs_total",
		Help: "Recovery passes by service and result",
	}, []string{"service", "result"})

	// ProviderBalance is the last observed balance per provider.
	ProviderBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topup_provider_balance",
		Help: "Last observed spendable balance per provider",
	}, []string{"provider"})
)
