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

	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// blueGreenStrategy deploys the full version to the idle pool, smokes it
// while the active pool still serves traffic, then flips the pool pointer.
// The previous pool is kept warm as an instant rollback reservoir.
type blueGreenStrategy struct {
	deps Deps
}

func (s *blueGreenStrategy) Name() string {
	return BlueGreen
}

func (s *blueGreenStrategy) Execute(ctx context.Context, req *Request) error {
	activePool, err := s.deps.Registry.ActivePool(ctx, req.Environment)
	if err != nil {
		return err
	}
	targetPool := req.Checkpoint.TargetPool
	if targetPool == "" {
		targetPool = cluster.OtherPool(activePool)
		req.Checkpoint.TargetPool = targetPool
		if err = req.saveCheckpoint(ctx); err != nil {
			return err
		}
	}

	idle, err := s.deps.Registry.NodesInPool(ctx, req.Environment, targetPool)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		return commonerrors.NewBadRequest(fmt.Sprintf(
			"environment %s has no nodes in pool %s", req.Environment, targetPool))
	}

	if !req.Checkpoint.PoolDeployed {
		if err = req.checkCancelled(ctx); err != nil {
			return err
		}
		klog.Infof("blue/green deploy of %s: filling idle pool %s (%d nodes)",
			req.Execution.ExecutionId, targetPool, len(idle))
		if err = applyGroup(ctx, s.deps, req, idle); err != nil {
			return err
		}

		// Smoke the idle pool before it may take traffic.
		smoke := time.Duration(commonconfig.GetBlueGreenSmokeSecond()) * time.Second
		samples, interval := observationPlan(smoke)
		healthyRatio, _, _, err := observeHealth(ctx, s.deps, idle, samples, interval)
		if err != nil {
			return err
		}
		if healthyRatio < 1 {
			return commonerrors.NewPolicyViolation(fmt.Sprintf(
				"smoke threshold breached: idle pool %s of execution %s at %.0f%% healthy, need 100%%",
				targetPool, req.Execution.ExecutionId, healthyRatio*100))
		}
		req.Checkpoint.PoolDeployed = true
		if err = req.saveCheckpoint(ctx); err != nil {
			return err
		}
	}

	if !req.Checkpoint.Switched {
		// Cancelling before the switch leaves the active pool untouched.
		if err = req.checkCancelled(ctx); err != nil {
			return err
		}
		if err = s.deps.Registry.SwitchActivePool(ctx, req.Environment, targetPool); err != nil {
			return err
		}
		req.Checkpoint.Switched = true
		if err = req.saveCheckpoint(ctx); err != nil {
			return err
		}
		s.deps.Sink.Record(ctx, &audit.Event{
			Type:        audit.PoolSwitched,
			ExecutionId: req.Execution.ExecutionId,
			ModuleName:  req.Artifact.Name,
			Version:     req.Artifact.Version.String(),
			Environment: string(req.Environment),
			Fields:      map[string]string{"pool": targetPool},
		})
		klog.Infof("blue/green deploy of %s: traffic switched to pool %s",
			req.Execution.ExecutionId, targetPool)
	}

	// Hold the old pool untouched as the rollback reservoir.
	hold := time.Duration(commonconfig.GetBlueGreenHoldSecond()) * time.Second
	samples, interval := observationPlan(hold)
	healthyRatio, _, _, err := observeHealth(ctx, s.deps, idle, samples, interval)
	if err != nil {
		return err
	}
	if healthyRatio < 1 {
		return commonerrors.NewPolicyViolation(fmt.Sprintf(
			"pool %s degraded to %.0f%% healthy during the hold window",
			targetPool, healthyRatio*100))
	}
	return nil
}

// Rollback switches traffic back to the previous pool when the switch
// already happened, then restores the touched pool's versions.
func (s *blueGreenStrategy) Rollback(ctx context.Context, req *Request) error {
	targetPool := req.Checkpoint.TargetPool
	if targetPool == "" {
		return nil
	}
	if req.Checkpoint.Switched {
		previousPool := cluster.OtherPool(targetPool)
		if err := s.deps.Registry.SwitchActivePool(ctx, req.Environment, previousPool); err != nil {
			return err
		}
		s.deps.Sink.Record(ctx, &audit.Event{
			Type:        audit.PoolSwitched,
			ExecutionId: req.Execution.ExecutionId,
			ModuleName:  req.Artifact.Name,
			Environment: string(req.Environment),
			Fields:      map[string]string{"pool": previousPool, "rollback": "true"},
		})
		klog.Infof("blue/green rollback of %s: traffic switched back to pool %s",
			req.Execution.ExecutionId, previousPool)
	}

	idle, err := s.deps.Registry.NodesInPool(ctx, req.Environment, targetPool)
	if err != nil {
		return err
	}
	var errs, applied int
	for _, node := range idle {
		if !req.Checkpoint.Done[node.NodeId] {
			continue
		}
		applied++
		if err := rollbackNode(ctx, s.deps, req, node); err != nil {
			klog.ErrorS(err, "failed to restore pool node", "node", node.NodeId)
			errs++
		}
	}
	if errs > 0 {
		return commonerrors.NewNodePermanent(fmt.Sprintf(
			"%d of %d pool nodes failed to restore", errs, applied))
	}
	return nil
}
