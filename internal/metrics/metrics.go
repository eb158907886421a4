// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics holds the Prometheus collectors for the chat client.
//
// Collectors are registered on the default registry at init and exposed by
// Handler, which the local API server mounts at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openchat"

var (
	// BackendRequests counts chat completion requests by outcome
	// ("accepted" or an error kind).
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Chat completion requests sent to the inference backend.",
		},
		[]string{"outcome"},
	)

	// StreamChunks counts translated chunks by type.
	StreamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Chunks produced by the chunk protocol translator.",
		},
		[]string{"type"},
	)

	// Generations counts controller generations by result
	// (completed, aborted, failed).
	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Assistant generations finished by the conversation controller.",
		},
		[]string{"result"},
	)

	// GenerationSeconds observes time from submit to stream end.
	GenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Duration of assistant generations.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TitleRequests counts title lookups by result
	// (generated, shared, cached, fallback).
	TitleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "title_requests_total",
			Help:      "Title generator lookups.",
		},
		[]string{"result"},
	)

	// PersistenceErrors counts storage failures by operation.
	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Storage operations that failed.",
		},
		[]string{"op"},
	)

	// HTTPRequests counts local API requests.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the local API.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		BackendRequests,
		StreamChunks,
		Generations,
		GenerationSeconds,
		TitleRequests,
		PersistenceErrors,
		HTTPRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
