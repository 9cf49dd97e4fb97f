/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package approval

import (
	"context"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/audit"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
)

// RunSweeper expires overdue approval requests periodically until ctx is
// cancelled. The pipeline waiting on an expired request observes the status
// change and fails its execution.
func (s *Service) RunSweeper(ctx context.Context) {
	interval := commonconfig.GetApprovalSweepInterval()
	klog.Infof("approval sweeper started, interval %s", interval)
	wait.UntilWithContext(ctx, s.sweepOnce, interval)
	klog.Infof("approval sweeper stopped")
}

func (s *Service) sweepOnce(ctx context.Context) {
	expired, err := s.store.ExpireOverdueApprovals(ctx)
	if err != nil {
		klog.ErrorS(err, "failed to expire overdue approvals")
		return
	}
	if len(expired) > 0 {
		s.notifyWaiters()
	}
	for _, req := range expired {
		klog.Warningf("approval %s for execution %s expired", req.ApprovalId, req.ExecutionId)
		s.sink.Record(ctx, &audit.Event{
			Type:        audit.ApprovalExpired,
			ExecutionId: req.ExecutionId,
			ModuleName:  req.ModuleName,
			Version:     req.Version,
			Environment: req.Environment,
			Status:      dbclient.ApprovalExpired,
			Message:     "approval window elapsed without a decision",
		})
		s.notifier.ApprovalDecided(ctx, req)
	}
}
