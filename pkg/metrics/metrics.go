// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus counters and gauges for the ingest
// and query paths (spec.md §7's "User-visible policy": integrity
// rejections are visible in both logs and metrics).
//
// client_golang is already a direct dependency, used elsewhere in this
// codebase's ancestry as a query client against an external Prometheus
// server; here it is used the other way around, instrumenting this
// process's own counters and serving them over /metrics via promhttp, the
// standard library-side half of the same package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uwaveserver",
		Subsystem: "ingest",
		Name:      "packets_written_total",
		Help:      "Number of packets successfully inserted into a stream data table.",
	})

	ingestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uwaveserver",
		Subsystem: "ingest",
		Name:      "packets_rejected_total",
		Help:      "Number of packets rejected by the admission filter or writer, by category.",
	}, []string{"category"})

	queryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uwaveserver",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Number of stream-query HTTP requests, by status code.",
	}, []string{"status"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uwaveserver",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Stream-query HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	})

	registryStreamCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uwaveserver",
		Subsystem: "registry",
		Name:      "streams_cached",
		Help:      "Number of streams currently cached in the registry map.",
	})
)

// IncIngestWritten records one successful insert.
func IncIngestWritten() { ingestWritten.Inc() }

// IncIngestRejected records one rejection in the named category (the
// admission.Category.String() value, or a writer-side reason such as
// "write_error"/"malformed").
func IncIngestRejected(category string) { ingestRejected.WithLabelValues(category).Inc() }

// IncQueryRequest records one completed stream-query request by HTTP
// status code.
func IncQueryRequest(status string) { queryRequests.WithLabelValues(status).Inc() }

// ObserveQueryDuration records how long a stream-query request took.
func ObserveQueryDuration(seconds float64) { queryDuration.Observe(seconds) }

// SetRegistryStreamCount reports the current size of the registry cache.
func SetRegistryStreamCount(n int) { registryStreamCount.Set(float64(n)) }

// Handler returns the HTTP handler that serves the process's metrics in
// the Prometheus exposition format.
func Handler() http.Handler { return promhttp.Handler() }
