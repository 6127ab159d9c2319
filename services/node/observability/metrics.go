// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes Prometheus metrics and the OTLP tracer
// bootstrap for the node.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the node records. A single instance
// is created during wiring and shared by the services.
type Metrics struct {
	JobsTotal     *prometheus.CounterVec
	GateDecisions *prometheus.CounterVec
	RequestsTotal *prometheus.CounterVec
	SlotsBusy     prometheus.Gauge
	QueueDepth    prometheus.Gauge
	JobDuration   prometheus.Histogram
	UploadsTotal  *prometheus.CounterVec
	ArtifactBytes prometheus.Histogram
}

// NewMetrics builds and registers the node's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitenode",
			Name:      "jobs_total",
			Help:      "Jobs by terminal status.",
		}, []string{"status"}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitenode",
			Name:      "privacy_gate_decisions_total",
			Help:      "Privacy gate verdicts by outcome.",
		}, []string{"outcome"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitenode",
			Name:      "requests_total",
			Help:      "Request state transitions by new state.",
		}, []string{"state"}),
		SlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitenode",
			Name:      "executor_slots_busy",
			Help:      "Executor slots currently running a job.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitenode",
			Name:      "job_queue_depth",
			Help:      "Approved jobs waiting for a free slot.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitenode",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitenode",
			Name:      "uploads_total",
			Help:      "Stored uploads by kind.",
		}, []string{"kind"}),
		ArtifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitenode",
			Name:      "artifact_bytes",
			Help:      "Size of collected result artifacts.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
	reg.MustRegister(
		m.JobsTotal, m.GateDecisions, m.RequestsTotal,
		m.SlotsBusy, m.QueueDepth, m.JobDuration,
		m.UploadsTotal, m.ArtifactBytes,
	)
	return m
}

// NewTestMetrics returns metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
