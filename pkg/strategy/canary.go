/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// canaryStrategy widens exposure along a percentage ladder, observing error
// rate and latency budgets between steps. Node selection is a stable hash of
// (execution, node), so a resumed execution exposes the same nodes and every
// later step is a superset of the earlier ones.
type canaryStrategy struct {
	deps Deps
}

func (s *canaryStrategy) Name() string {
	return Canary
}

func (s *canaryStrategy) Execute(ctx context.Context, req *Request) error {
	steps := commonconfig.GetCanarySteps()
	observation := time.Duration(commonconfig.GetCanaryObservationSecond()) * time.Second
	errorBudget := commonconfig.GetCanaryErrorBudget()
	latencyBudget := commonconfig.GetCanaryLatencyBudgetMs()

	ranked := rankNodes(req.Execution.ExecutionId, req.Targets)
	for step := req.Checkpoint.Step; step < len(steps); step++ {
		if err := req.checkCancelled(ctx); err != nil {
			return err
		}
		percent := steps[step]
		count := nodesForPercent(len(ranked), percent)
		selection := ranked[:count]
		klog.Infof("canary deploy of %s: step %d/%d exposes %d%% (%d nodes)",
			req.Execution.ExecutionId, step+1, len(steps), percent, count)

		if err := applyGroup(ctx, s.deps, req, selection); err != nil {
			return err
		}

		// Terminal steps need no observation window; there is nothing
		// left to protect.
		if step < len(steps)-1 {
			samples, interval := observationPlan(observation)
			_, meanErrorRate, maxLatency, err := observeHealth(ctx, s.deps, selection, samples, interval)
			if err != nil {
				return err
			}
			if meanErrorRate > errorBudget {
				return commonerrors.NewPolicyViolation(fmt.Sprintf(
					"errorRate budget breached at canary step %d of %s: %.2f%% > %.2f%%",
					step+1, req.Execution.ExecutionId, meanErrorRate, errorBudget))
			}
			if latencyBudget > 0 && maxLatency > latencyBudget {
				return commonerrors.NewPolicyViolation(fmt.Sprintf(
					"latency budget breached at canary step %d of %s: p95 %.0fms > %.0fms",
					step+1, req.Execution.ExecutionId, maxLatency, latencyBudget))
			}
		}

		req.Checkpoint.Step = step + 1
		if err := req.saveCheckpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback restores only the exposed nodes, in reverse exposure order.
func (s *canaryStrategy) Rollback(ctx context.Context, req *Request) error {
	ranked := rankNodes(req.Execution.ExecutionId, req.Targets)
	var errs int
	var applied int
	for i := len(ranked) - 1; i >= 0; i-- {
		node := ranked[i]
		if !req.Checkpoint.Done[node.NodeId] {
			continue
		}
		applied++
		if err := rollbackNode(ctx, s.deps, req, node); err != nil {
			klog.ErrorS(err, "failed to restore canary node", "node", node.NodeId)
			errs++
		}
	}
	if errs > 0 {
		return commonerrors.NewNodePermanent(fmt.Sprintf(
			"%d of %d canary nodes failed to restore", errs, applied))
	}
	return nil
}

// rankNodes orders nodes by a stable per-execution hash. The order is
// deterministic across restarts, so canary steps always widen the same set.
func rankNodes(executionId string, nodes []*cluster.Node) []*cluster.Node {
	ranked := make([]*cluster.Node, len(nodes))
	copy(ranked, nodes)
	sort.SliceStable(ranked, func(i, j int) bool {
		hi := xxhash.Sum64String(executionId + "/" + ranked[i].NodeId)
		hj := xxhash.Sum64String(executionId + "/" + ranked[j].NodeId)
		if hi != hj {
			return hi < hj
		}
		return ranked[i].NodeId < ranked[j].NodeId
	})
	return ranked
}

// nodesForPercent converts a ladder percentage to a node count, always at
// least one node and rounding up.
func nodesForPercent(total, percent int) int {
	if total == 0 {
		return 0
	}
	count := (total*percent + 99) / 100
	if count < 1 {
		count = 1
	}
	if count > total {
		count = total
	}
	return count
}

// observationPlan splits the observation window into up to six samples.
func observationPlan(window time.Duration) (samples int, interval time.Duration) {
	samples = 6
	interval = window / time.Duration(samples)
	if interval < time.Second {
		interval = time.Second
		samples = int(window / interval)
		if samples < 1 {
			samples = 1
		}
	}
	return samples, interval
}
