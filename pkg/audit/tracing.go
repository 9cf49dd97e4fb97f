/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opscore/rollout/pkg/trace"
)

// TracingSink attaches audit events to the active span.
type TracingSink struct{}

func NewTracingSink() *TracingSink {
	return &TracingSink{}
}

func (t *TracingSink) Record(ctx context.Context, event *Event) {
	attrs := []attribute.KeyValue{
		attribute.String("rollout.execution_id", event.ExecutionId),
	}
	if event.ModuleName != "" {
		attrs = append(attrs, attribute.String("rollout.module", event.ModuleName))
	}
	if event.Environment != "" {
		attrs = append(attrs, attribute.String("rollout.environment", event.Environment))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("rollout.status", event.Status))
	}
	trace.AddEvent(ctx, event.Type, attrs...)
}
