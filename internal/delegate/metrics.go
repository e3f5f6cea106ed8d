// Package delegate provides Prometheus metrics for delegation calls.
package delegate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal counts delegation attempts by role and disposition.
	// Labels: role (triage, code_analysis, synthesis, operational),
	// result (ok, retryable, rejected)
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incidentd",
			Subsystem: "delegate",
			Name:      "attempts_total",
			Help:      "Total delegation attempts by role and result",
		},
		[]string{"role", "result"},
	)

	// callDuration tracks end-to-end delegation call latency per role.
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "incidentd",
			Subsystem: "delegate",
			Name:      "call_duration_seconds",
			Help:      "Duration of collaborator HTTP calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"role"},
	)
)
