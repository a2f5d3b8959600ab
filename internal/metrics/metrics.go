// Package metrics exposes Prometheus collectors for the relay pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame kinds.
const (
	FrameFollowup  = "followup"
	FrameRelay     = "relay"
	FrameMalformed = "malformed"
)

// Guard rejection reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonDuplicate   = "duplicate"
)

// Clarification outcomes.
const (
	OutcomeAnswered = "answered"
	OutcomeFallback = "fallback"
)

//nolint:gochecknoglobals // prometheus collectors
var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followup",
		Name:      "frames_total",
		Help:      "Inbound frames by classification.",
	}, []string{"kind"})

	GuardRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followup",
		Name:      "guard_rejections_total",
		Help:      "Follow-ups stopped by the guard layer.",
	}, []string{"reason"})

	ClarificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "followup",
		Name:      "clarifications_total",
		Help:      "Agent answers persisted, by outcome.",
	}, []string{"outcome"})

	PipelineErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "followup",
		Name:      "pipeline_errors_total",
		Help:      "Follow-up pipelines aborted by a store failure.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "followup",
		Name:      "connections",
		Help:      "Currently registered connections.",
	})

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "followup",
		Name:      "replay_duration_seconds",
		Help:      "Time spent replaying history to a new connection.",
		Buckets:   prometheus.DefBuckets,
	})
)
