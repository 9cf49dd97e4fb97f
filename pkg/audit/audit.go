/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// Event types emitted across a deployment's life.
const (
	DeploymentCreated         = "DeploymentCreated"
	DeploymentStarted         = "DeploymentStarted"
	DeploymentCancelRequested = "DeploymentCancelRequested"
	StageStarted              = "StageStarted"
	StageCompleted            = "StageCompleted"
	ApprovalRequested         = "ApprovalRequested"
	ApprovalDecided           = "ApprovalDecided"
	ApprovalExpired           = "ApprovalExpired"
	NodeApplied               = "NodeApplied"
	RollbackStarted           = "RollbackStarted"
	PoolSwitched              = "PoolSwitched"
	DeploymentTerminal        = "DeploymentTerminal"
)

// Event is one auditable fact about a deployment execution.
type Event struct {
	Type        string            `json:"type"`
	ExecutionId string            `json:"executionId"`
	ModuleName  string            `json:"moduleName,omitempty"`
	Version     string            `json:"version,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Strategy    string            `json:"strategy,omitempty"`
	Status      string            `json:"status,omitempty"`
	Message     string            `json:"message,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use; a failing sink must not block the deployment.
type Sink interface {
	Record(ctx context.Context, event *Event)
}

// Fanout replicates every event to all attached sinks.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Record(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, sink := range f.sinks {
		sink.Record(ctx, event)
	}
}

// Nop discards every event. Used where auditing is not wired, mostly tests.
type Nop struct{}

func (Nop) Record(_ context.Context, _ *Event) {}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Record(_ context.Context, event *Event) {
	klog.Infof("audit: %s execution=%s module=%s@%s env=%s status=%s %s",
		event.Type, event.ExecutionId, event.ModuleName, event.Version,
		event.Environment, event.Status, event.Message)
}
