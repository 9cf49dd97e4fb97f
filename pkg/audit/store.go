/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package audit

import (
	"context"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/trace"
	"github.com/opscore/rollout/pkg/utils"
)

// AuditEvent is the persisted form of an audit event, managed through gorm.
type AuditEvent struct {
	Id          int64     `gorm:"primaryKey;autoIncrement"`
	EventType   string    `gorm:"size:64;index"`
	ExecutionId string    `gorm:"size:64;index"`
	TraceId     string    `gorm:"size:64"`
	SpanId      string    `gorm:"size:32"`
	Payload     string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// StoreSink appends events to the audit_event table.
type StoreSink struct {
	db *gorm.DB
}

func NewStoreSink(db *gorm.DB) (*StoreSink, error) {
	if err := db.AutoMigrate(&AuditEvent{}); err != nil {
		return nil, err
	}
	return &StoreSink{db: db}, nil
}

func (s *StoreSink) Record(ctx context.Context, event *Event) {
	row := &AuditEvent{
		EventType:   event.Type,
		ExecutionId: event.ExecutionId,
		TraceId:     trace.GetTraceID(ctx),
		SpanId:      trace.GetSpanID(ctx),
		Payload:     string(utils.MarshalSilently(event)),
		CreatedAt:   event.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		klog.ErrorS(err, "failed to persist audit event",
			"type", event.Type, "execution", event.ExecutionId)
	}
}

// Purge removes audit rows older than the retention window and returns the
// number of deleted rows.
func (s *StoreSink) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&AuditEvent{})
	return result.RowsAffected, result.Error
}

// ListByExecution returns the audit trail of one execution in order.
func (s *StoreSink) ListByExecution(ctx context.Context, executionId string) ([]*AuditEvent, error) {
	var rows []*AuditEvent
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionId).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}
