/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// directStrategy applies the artifact to every node at once, bounded by the
// configured concurrency. The fastest strategy and the only one suited to
// development environments: a bad version takes the whole fleet down.
type directStrategy struct {
	deps Deps
}

func (s *directStrategy) Name() string {
	return Direct
}

func (s *directStrategy) Execute(ctx context.Context, req *Request) error {
	if err := applyGroup(ctx, s.deps, req, req.Targets); err != nil {
		return err
	}
	klog.Infof("direct deploy of %s applied %d nodes", req.Execution.ExecutionId, len(req.Checkpoint.Done))
	return nil
}

// Rollback restores every applied node, again fully parallel. Restore
// failures are collected by the group; every node gets its attempt before
// the first error is reported.
func (s *directStrategy) Rollback(ctx context.Context, req *Request) error {
	group := errgroup.Group{}
	for _, node := range appliedNodes(req) {
		node := node
		group.Go(func() error {
			return rollbackNode(ctx, s.deps, req, node)
		})
	}
	return group.Wait()
}
