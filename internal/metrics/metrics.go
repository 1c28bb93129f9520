// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package metrics provides Prometheus collectors for Shepherd observability.
//
// Metrics are exposed on the admin endpoint at /metrics in Prometheus text
// format and cover the release lifecycle (deploys, stages, retention), the
// supervised process (restarts, liveness), and the remote polling path
// (cycles, fetch errors, circuit breaker state).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Polling metrics
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		},
	)

	FetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_fetch_errors_total",
			Help: "Total number of failed remote head fetches",
		},
	)

	// Deploy metrics
	DeploysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_deploys_total",
			Help: "Total number of deploy attempts by result",
		},
		[]string{"result"}, // "success", "failure"
	)

	DeployStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shepherd_deploy_stage_duration_seconds",
			Help:    "Duration of deploy stages in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"}, // "materialize", "install", "swap", "prune"
	)

	LastDeployTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_last_successful_deploy_timestamp",
			Help: "Unix timestamp of the last successful deploy",
		},
	)

	ReleasesOnDisk = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_releases_on_disk",
			Help: "Number of release directories currently retained",
		},
	)

	// Process metrics
	ProcessRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_process_restarts_total",
			Help: "Total number of child process restarts by reason",
		},
		[]string{"reason"}, // "deploy", "crash"
	)

	ProcessAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_process_alive",
			Help: "Whether the supervised process is currently alive (1) or not (0)",
		},
	)

	RestartsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_restarts_throttled_total",
			Help: "Total number of crash restarts deferred by the restart throttle",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)
