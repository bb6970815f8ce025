// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes Prometheus metrics for the lifecycle
// service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health check metrics
var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_health_checks_total",
		Help: "Health checks run, by outcome",
	}, []string{"status"})

	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifecycle_health_check_duration_seconds",
		Help:    "Time to run the full probe battery",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10, 15},
	})

	ProbeTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_probe_timeouts_total",
		Help: "Probes that exceeded their time budget, by probe",
	}, []string{"probe"})
)

// Store metrics
var (
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_store_cas_conflicts_total",
		Help: "Compare-and-swap attempts lost to a concurrent writer",
	})
)

// Lifecycle operation metrics
var (
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_rollbacks_total",
		Help: "Rollbacks executed, by trigger",
	}, []string{"trigger"})

	MigrationPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_migration_phases_total",
		Help: "Migration phases executed, by phase and outcome",
	}, []string{"phase", "outcome"})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_conflicts_detected_total",
		Help: "Template conflicts detected, by category",
	}, []string{"category"})

	DeprecationNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_deprecation_notifications_total",
		Help: "Deprecation notifications delivered, by milestone",
	}, []string{"milestone"})
)

// HTTP metrics
var (
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifecycle_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
