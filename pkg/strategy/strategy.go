/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/nodeclient"
)

// Strategy names accepted on deployment requests.
const (
	Direct    = "direct"
	Rolling   = "rolling"
	BlueGreen = "blue_green"
	Canary    = "canary"
)

// Deps are the collaborators every strategy shares.
type Deps struct {
	Registry *cluster.Registry
	Agent    nodeclient.Interface
	Store    dbclient.ExecutionInterface
	Sink     audit.Sink
}

// Checkpoint is the durable resume point of a partially executed strategy.
// It is persisted after every unit of progress so a restarted worker skips
// what already happened instead of re-applying it.
type Checkpoint struct {
	// Done holds the node IDs already applied successfully.
	Done map[string]bool `json:"done,omitempty"`
	// Batch is the next rolling batch index.
	Batch int `json:"batch,omitempty"`
	// Step is the next canary ladder index.
	Step int `json:"step,omitempty"`
	// PoolDeployed marks the inactive blue/green pool as fully deployed.
	PoolDeployed bool `json:"poolDeployed,omitempty"`
	// Switched marks the blue/green traffic switch as performed.
	Switched bool `json:"switched,omitempty"`
	// TargetPool is the blue/green pool being deployed to.
	TargetPool string `json:"targetPool,omitempty"`
}

// Request carries one execution through a strategy.
type Request struct {
	Execution   *dbclient.DeploymentExecution
	Artifact    module.Artifact
	Environment cluster.Environment
	// Targets are the environment's nodes in stable order.
	Targets []*cluster.Node
	// Previous maps node ID to the version deployed before this execution.
	Previous   map[string]string
	Checkpoint Checkpoint
	// Save persists the checkpoint; called after every unit of progress.
	Save func(ctx context.Context, cp Checkpoint) error
	// Cancelled reports a pending cancellation request. Strategies consult
	// it at their progress boundaries, between batches, steps and phases.
	Cancelled func(ctx context.Context) (bool, error)
}

// Strategy executes and reverses a deployment across the target nodes.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req *Request) error
	Rollback(ctx context.Context, req *Request) error
}

// New builds the named strategy.
func New(name string, deps Deps) (Strategy, error) {
	switch name {
	case Direct:
		return &directStrategy{deps: deps}, nil
	case Rolling:
		return &rollingStrategy{deps: deps}, nil
	case BlueGreen:
		return &blueGreenStrategy{deps: deps}, nil
	case Canary:
		return &canaryStrategy{deps: deps}, nil
	default:
		return nil, commonerrors.NewBadRequest(fmt.Sprintf("unknown strategy %q", name))
	}
}

// ValidateName checks a strategy name without instantiating it.
func ValidateName(name string) error {
	switch name {
	case Direct, Rolling, BlueGreen, Canary:
		return nil
	}
	return commonerrors.NewBadRequest(fmt.Sprintf("unknown strategy %q", name))
}

func (r *Request) saveCheckpoint(ctx context.Context) error {
	if r.Save == nil {
		return nil
	}
	return r.Save(ctx, r.Checkpoint)
}

// checkCancelled turns a pending cancellation request into an error so the
// strategy unwinds and the executor rolls the applied nodes back.
func (r *Request) checkCancelled(ctx context.Context) error {
	if r.Cancelled == nil {
		return nil
	}
	cancelled, err := r.Cancelled(ctx)
	if err != nil {
		return err
	}
	if cancelled {
		return commonerrors.NewCancelled(fmt.Sprintf(
			"execution %s was cancelled", r.Execution.ExecutionId))
	}
	return nil
}

func (r *Request) markDone(node string) {
	if r.Checkpoint.Done == nil {
		r.Checkpoint.Done = map[string]bool{}
	}
	r.Checkpoint.Done[node] = true
}

// applyNode deploys the artifact on one node and records the outcome. The
// node's registry version is only advanced on success.
func applyNode(ctx context.Context, deps Deps, req *Request, node *cluster.Node) error {
	start := time.Now()
	err := deps.Agent.Deploy(ctx, node, req.Execution.ExecutionId, req.Artifact)
	duration := time.Since(start)

	result := &dbclient.DeploymentNodeResult{
		ExecutionId: req.Execution.ExecutionId,
		NodeId:      node.NodeId,
		FromVersion: dbutils.NullString(req.Previous[node.NodeId]),
		ToVersion:   req.Artifact.Version.String(),
		DurationMs:  duration.Milliseconds(),
		Attempts:    1,
	}
	success := "true"
	if err != nil {
		result.Status = dbclient.StageFailed
		result.Error = dbutils.NullString(err.Error())
		success = "false"
	} else {
		result.Status = dbclient.StageSucceeded
	}
	if _, rErr := deps.Store.CreateDeploymentNodeResult(ctx, result); rErr != nil {
		klog.ErrorS(rErr, "failed to record node result", "node", node.NodeId)
	}
	deps.Sink.Record(ctx, &audit.Event{
		Type:        audit.NodeApplied,
		ExecutionId: req.Execution.ExecutionId,
		ModuleName:  req.Artifact.Name,
		Version:     req.Artifact.Version.String(),
		Environment: string(req.Environment),
		Fields:      map[string]string{"node": node.NodeId, "success": success},
	})
	if err != nil {
		return err
	}
	if rErr := deps.Registry.RecordVersion(ctx, node.NodeId, req.Artifact.Name, req.Artifact.Version.String()); rErr != nil {
		klog.ErrorS(rErr, "failed to record node version", "node", node.NodeId)
	}
	return nil
}

// applyGroup deploys the artifact on the pending nodes in bounded parallel.
// Progress is marked per node and the combined checkpoint is saved once the
// group settles, so a failed group still records its partial progress.
func applyGroup(ctx context.Context, deps Deps, req *Request, nodes []*cluster.Node) error {
	concurrency := int64(commonconfig.GetDirectConcurrency())
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)
	group, groupCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	for _, node := range nodes {
		if req.Checkpoint.Done[node.NodeId] {
			continue
		}
		node := node
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := applyNode(groupCtx, deps, req, node); err != nil {
				return err
			}
			mu.Lock()
			req.markDone(node.NodeId)
			mu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	if saveErr := req.saveCheckpoint(ctx); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

// rollbackNode restores the pre-execution version on one node. Nodes that
// had no prior version are left as deployed; there is nothing to restore.
func rollbackNode(ctx context.Context, deps Deps, req *Request, node *cluster.Node) error {
	previous := req.Previous[node.NodeId]
	if previous == "" {
		klog.Warningf("node %s had no previous version of %s, skipping restore",
			node.NodeId, req.Artifact.Name)
		return nil
	}
	start := time.Now()
	err := deps.Agent.Rollback(ctx, node, req.Execution.ExecutionId, req.Artifact.Name, previous)
	result := &dbclient.DeploymentNodeResult{
		ExecutionId: req.Execution.ExecutionId,
		NodeId:      node.NodeId,
		FromVersion: dbutils.NullString(req.Artifact.Version.String()),
		ToVersion:   previous,
		DurationMs:  time.Since(start).Milliseconds(),
		Attempts:    1,
		RolledBack:  true,
	}
	if err != nil {
		result.Status = dbclient.StageFailed
		result.Error = dbutils.NullString(err.Error())
	} else {
		result.Status = dbclient.StageSucceeded
	}
	if _, rErr := deps.Store.CreateDeploymentNodeResult(ctx, result); rErr != nil {
		klog.ErrorS(rErr, "failed to record rollback result", "node", node.NodeId)
	}
	if err != nil {
		return err
	}
	if rErr := deps.Registry.RecordVersion(ctx, node.NodeId, req.Artifact.Name, previous); rErr != nil {
		klog.ErrorS(rErr, "failed to record restored version", "node", node.NodeId)
	}
	return nil
}

// appliedNodes returns the targets already marked done, in target order.
func appliedNodes(req *Request) []*cluster.Node {
	var nodes []*cluster.Node
	for _, node := range req.Targets {
		if req.Checkpoint.Done[node.NodeId] {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// observeHealth samples the health endpoint of every node a fixed number of
// times. Every sample must pass on its own, so the returns are the worst
// sample: the lowest healthy fraction, the highest mean error rate and the
// highest p95 latency seen in any single sample.
func observeHealth(ctx context.Context, deps Deps, nodes []*cluster.Node, samples int, interval time.Duration) (healthyRatio, meanErrorRate, maxLatencyP95 float64, err error) {
	if len(nodes) == 0 || samples <= 0 {
		return 1, 0, 0, nil
	}
	healthyRatio = 1
	for i := 0; i < samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, 0, 0, ctx.Err()
			case <-time.After(interval):
			}
		}
		healthy := 0
		errorRateSum := 0.0
		for _, node := range nodes {
			status, hErr := deps.Agent.HealthCheck(ctx, node)
			if hErr != nil {
				return 0, 0, 0, hErr
			}
			if status.Healthy() {
				healthy++
			}
			errorRateSum += status.ErrorRate
			if status.LatencyMs > maxLatencyP95 {
				maxLatencyP95 = status.LatencyMs
			}
			if uErr := deps.Registry.UpdateHealth(ctx, node.NodeId, status.NodeHealth()); uErr != nil {
				klog.ErrorS(uErr, "failed to update node health", "node", node.NodeId)
			}
		}
		if ratio := float64(healthy) / float64(len(nodes)); ratio < healthyRatio {
			healthyRatio = ratio
		}
		if mean := errorRateSum / float64(len(nodes)); mean > meanErrorRate {
			meanErrorRate = mean
		}
	}
	return healthyRatio, meanErrorRate, maxLatencyP95, nil
}
