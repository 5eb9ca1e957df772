// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the gateway's Prometheus metrics and the
// /metrics handler. Collectors are registered on the default registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capgate-io/capgate/pkg/apierror"
)

const namespace = "capgate"

var (
	// SearchStageLatency observes per-stage search latency. Stages are
	// "skills", "tools" and "total".
	SearchStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "stage_latency_seconds",
		Help:      "Hierarchical search latency by stage",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"stage"})

	// SearchRequests counts searches by strategy and outcome
	// (ok, partial, fallback, error).
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Search requests by strategy and outcome",
	}, []string{"strategy", "outcome"})

	// SyncPasses counts sync passes by outcome (ok, partial, error).
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync pipeline passes by outcome",
	}, []string{"outcome"})

	// SyncCapabilities counts per-capability sync results
	// (indexed, failed, skipped, deleted).
	SyncCapabilities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "capabilities_total",
		Help:      "Capabilities processed by the sync pipeline, by kind and result",
	}, []string{"kind", "result"})

	// BackendCalls counts forwarded tool calls by server and outcome.
	BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "backend_calls_total",
		Help:      "Tool calls forwarded to external servers, by server and outcome",
	}, []string{"server", "outcome"})

	// BackendCallLatency observes forwarded call latency per server.
	BackendCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "backend_call_seconds",
		Help:      "Latency of forwarded tool calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"server"})

	// Probes counts health probes by server and outcome (ok, failed).
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "probes_total",
		Help:      "Health probes by server and outcome",
	}, []string{"server", "outcome"})

	// EmbeddingRequests counts model-service calls by operation
	// (embed, complete) and outcome (ok, rejected, unavailable,
	// overloaded).
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "embedding",
		Name:      "requests_total",
		Help:      "Model service calls by operation and outcome",
	}, []string{"operation", "outcome"})
)

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEmbedding classifies err into an outcome label and counts the call.
func RecordEmbedding(operation string, err error) {
	outcome := "ok"
	if err != nil {
		switch apierror.KindOf(err) {
		case apierror.KindOverloaded:
			outcome = "overloaded"
		case apierror.KindEmbeddingRejected:
			outcome = "rejected"
		default:
			outcome = "unavailable"
		}
	}
	EmbeddingRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordBackendCall counts one forwarded call and observes its latency.
func RecordBackendCall(server string, seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackendCalls.WithLabelValues(server, outcome).Inc()
	BackendCallLatency.WithLabelValues(server).Observe(seconds)
}
