/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package trace

import (
	"context"
	"math/rand"
	"sync"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrorOnlySpanProcessor exports only spans that ended with an error status.
// Successful spans are dropped, which keeps export volume bounded on hot paths
// while preserving full detail for failed operations.
type ErrorOnlySpanProcessor struct {
	exporter      sdktrace.SpanExporter
	samplingRatio float64

	mu      sync.Mutex
	pending []sdktrace.ReadOnlySpan
}

const exportBatchSize = 64

func NewErrorOnlySpanProcessor(exporter sdktrace.SpanExporter, samplingRatio float64) *ErrorOnlySpanProcessor {
	if samplingRatio <= 0 || samplingRatio > 1 {
		samplingRatio = 1
	}
	return &ErrorOnlySpanProcessor{
		exporter:      exporter,
		samplingRatio: samplingRatio,
	}
}

func (p *ErrorOnlySpanProcessor) OnStart(_ context.Context, _ sdktrace.ReadWriteSpan) {}

func (p *ErrorOnlySpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.Status().Code != codes.Error {
		return
	}
	if p.samplingRatio < 1 && rand.Float64() > p.samplingRatio {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, s)
	flush := len(p.pending) >= exportBatchSize
	var batch []sdktrace.ReadOnlySpan
	if flush {
		batch = p.pending
		p.pending = nil
	}
	p.mu.Unlock()
	if flush {
		_ = p.exporter.ExportSpans(context.Background(), batch)
	}
}

func (p *ErrorOnlySpanProcessor) Shutdown(ctx context.Context) error {
	if err := p.ForceFlush(ctx); err != nil {
		return err
	}
	return p.exporter.Shutdown(ctx)
}

func (p *ErrorOnlySpanProcessor) ForceFlush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return p.exporter.ExportSpans(ctx, batch)
}
