/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryradio_api_requests_total",
		Help: "Total number of HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queryradio_api_request_duration_seconds",
		Help:    "HTTP API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queryradio_api_active_connections",
		Help: "Number of in-flight HTTP requests.",
	})

	// ExtractionsTotal counts extraction attempts by result (success/failure).
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryradio_extractions_total",
		Help: "Total number of audio extraction attempts.",
	}, []string{"result"})

	// CacheHitsTotal counts pipeline resolutions served from the cache store.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queryradio_cache_hits_total",
		Help: "Total number of cache hits during resolution.",
	})

	// CacheMissesTotal counts resolutions that required extraction.
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queryradio_cache_misses_total",
		Help: "Total number of cache misses during resolution.",
	})

	// CacheEvictionsTotal counts entries removed by the eviction sweep.
	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queryradio_cache_evictions_total",
		Help: "Total number of cache entries evicted.",
	})

	// CacheBytes reports current cache store usage.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queryradio_cache_bytes",
		Help: "Bytes currently held by the cache store.",
	})

	// ActiveSessions reports the number of live radio sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queryradio_active_sessions",
		Help: "Number of active radio sessions.",
	})

	// SearchesTotal counts upstream discovery searches by source.
	SearchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryradio_searches_total",
		Help: "Total number of upstream track searches.",
	}, []string{"source", "result"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
