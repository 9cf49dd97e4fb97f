/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink translates audit events into Prometheus series.
type MetricsSink struct {
	events      *prometheus.CounterVec
	deployments *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	nodeApplies *prometheus.CounterVec
}

func NewMetricsSink(registerer prometheus.Registerer) *MetricsSink {
	factory := promauto.With(registerer)
	return &MetricsSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_audit_events_total",
			Help: "Audit events by type.",
		}, []string{"type"}),
		deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_deployments_total",
			Help: "Finished deployment executions by environment, strategy and terminal status.",
		}, []string{"environment", "strategy", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_deployment_duration_seconds",
			Help:    "Wall time of finished deployment executions.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"environment", "strategy"}),
		nodeApplies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_node_applies_total",
			Help: "Per-node apply operations by outcome.",
		}, []string{"environment", "success"}),
	}
}

func (m *MetricsSink) Record(_ context.Context, event *Event) {
	m.events.WithLabelValues(event.Type).Inc()
	switch event.Type {
	case DeploymentTerminal:
		m.deployments.WithLabelValues(event.Environment, event.Strategy, event.Status).Inc()
		if seconds, ok := event.Fields["durationSeconds"]; ok {
			if value, err := strconv.ParseFloat(seconds, 64); err == nil {
				m.durations.WithLabelValues(event.Environment, event.Strategy).Observe(value)
			}
		}
	case NodeApplied:
		m.nodeApplies.WithLabelValues(event.Environment, event.Fields["success"]).Inc()
	}
}

// DurationSeconds formats a duration for the terminal event fields.
func DurationSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
