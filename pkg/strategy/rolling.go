/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	commonconfig "github.com/opscore/rollout/pkg/config"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/utils"
)

// rollingStrategy walks the fleet in fixed-size batches. Each batch must
// stabilize before the next one starts, so a bad version is caught with only
// one batch of blast radius. Rollback restores batches in reverse order.
type rollingStrategy struct {
	deps Deps
}

func (s *rollingStrategy) Name() string {
	return Rolling
}

func (s *rollingStrategy) Execute(ctx context.Context, req *Request) error {
	batchSize := commonconfig.GetRollingBatchSize()
	if batchSize < 1 {
		// Unconfigured: walk the fleet in five batches.
		batchSize = utils.CeilDiv(len(req.Targets), 5)
		if batchSize < 1 {
			batchSize = 1
		}
	}
	batches := utils.CeilDiv(len(req.Targets), batchSize)
	stabilization := time.Duration(commonconfig.GetRollingStabilizationSecond()) * time.Second
	samples := commonconfig.GetRollingHealthSamples()
	sampleInterval := time.Duration(commonconfig.GetRollingSampleIntervalSecond()) * time.Second
	threshold := commonconfig.GetRollingHealthyThreshold()

	for batch := req.Checkpoint.Batch; batch < batches; batch++ {
		if err := req.checkCancelled(ctx); err != nil {
			return err
		}
		start := batch * batchSize
		end := start + batchSize
		if end > len(req.Targets) {
			end = len(req.Targets)
		}
		nodes := req.Targets[start:end]
		klog.Infof("rolling deploy of %s: batch %d/%d, %d nodes",
			req.Execution.ExecutionId, batch+1, batches, len(nodes))

		if err := applyGroup(ctx, s.deps, req, nodes); err != nil {
			return err
		}

		// The batch settles before it is judged.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stabilization):
		}
		healthyRatio, _, _, err := observeHealth(ctx, s.deps, nodes, samples, sampleInterval)
		if err != nil {
			return err
		}
		if healthyRatio < threshold {
			return commonerrors.NewPolicyViolation(fmt.Sprintf(
				"healthyThreshold breached: batch %d of execution %s stabilized at %.0f%% healthy, need %.0f%%",
				batch+1, req.Execution.ExecutionId, healthyRatio*100, threshold*100))
		}

		req.Checkpoint.Batch = batch + 1
		if err := req.saveCheckpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback restores the applied nodes in reverse apply order, newest batch
// first. A node that fails to restore does not stop the remaining nodes.
func (s *rollingStrategy) Rollback(ctx context.Context, req *Request) error {
	applied := appliedNodes(req)
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		if err := rollbackNode(ctx, s.deps, req, applied[i]); err != nil {
			klog.ErrorS(err, "failed to restore node during rolling rollback",
				"node", applied[i].NodeId)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return commonerrors.NewNodePermanent(fmt.Sprintf(
			"%d of %d nodes failed to restore", len(errs), len(applied)))
	}
	return nil
}
