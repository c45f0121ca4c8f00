package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "receiptsync"

var (
	// WebhookRequestsTotal counts inbound webhook and event deliveries.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Inbound webhook and event-bridge deliveries by source, event type and outcome.",
	}, []string{"source", "event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// SweepItemsTotal counts items visited by scheduled sweeps.
	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_items_total",
		Help:      "Items processed by scheduled sweeps, by job and outcome.",
	}, []string{"job", "outcome"})

	// SweepDuration tracks how long one sweep run takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Scheduled sweep duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"job"})

	// EffectFailuresTotal counts best-effort side effects that failed.
	EffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "effect_failures_total",
		Help:      "Best-effort side effects that failed, by effect name.",
	}, []string{"effect"})

	// DeviceGateDecisions counts device gate outcomes.
	DeviceGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_gate_decisions_total",
		Help:      "Device gate decisions by outcome and reason.",
	}, []string{"outcome", "reason"})

	// EntitlementCacheTotal counts entitlement cache hits and misses.
	EntitlementCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entitlement_cache_total",
		Help:      "Entitlement lookups served from cache (hit) or the provider (miss).",
	}, []string{"result"})
)

// Sweep outcome labels.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)
