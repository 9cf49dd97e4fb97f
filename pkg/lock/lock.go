/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package lock

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// DeployKey names the mutual-exclusion lock of one (environment, module)
// pair. Distinct modules and distinct environments deploy independently.
func DeployKey(environment, moduleName string) string {
	return fmt.Sprintf("deploy:%s:%s", environment, moduleName)
}

// Manager acquires database-backed locks on behalf of one service instance.
type Manager struct {
	store dbclient.LockInterface
	owner string
}

// Handle is a held lock. The fencing token increases on every acquisition of
// the same name, so writes guarded by an older token can be rejected after
// the lock was lost and re-acquired.
type Handle struct {
	manager *Manager
	Name    string
	Fence   int64
}

const acquirePollInterval = 100 * time.Millisecond

func NewManager(store dbclient.LockInterface, owner string) *Manager {
	return &Manager{store: store, owner: owner}
}

// Acquire takes the named lock, polling until the wait budget is spent.
// A zero wait means a single attempt.
func (m *Manager) Acquire(ctx context.Context, name string, maxWait time.Duration) (*Handle, error) {
	deadline := time.Now().Add(maxWait)
	ttl := commonconfig.GetLockTtl()
	for {
		fence, acquired, err := m.store.TryAcquireLock(ctx, name, m.owner, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			klog.V(4).Infof("lock %s acquired by %s with fence %d", name, m.owner, fence)
			return &Handle{manager: m, Name: name, Fence: fence}, nil
		}
		if time.Now().After(deadline) {
			return nil, commonerrors.NewConflict(fmt.Sprintf("lock %s is held by another deployment", name))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release gives the lock back. Releasing a lock already stolen after TTL
// expiry is a no-op.
func (h *Handle) Release(ctx context.Context) {
	if err := h.manager.store.ReleaseLock(ctx, h.Name, h.manager.owner, h.Fence); err != nil {
		klog.ErrorS(err, "failed to release lock", "lock", h.Name)
	}
}

// KeepAlive renews the lock until ctx is cancelled. When a renewal discovers
// the lock was lost, onLost is invoked once and the loop stops; the holder
// must abort its critical section.
func (h *Handle) KeepAlive(ctx context.Context, onLost func()) {
	interval := commonconfig.GetLockRenewInterval()
	ttl := commonconfig.GetLockTtl()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := h.manager.store.RenewLock(ctx, h.Name, h.manager.owner, h.Fence, ttl)
			if err != nil {
				klog.ErrorS(err, "failed to renew lock", "lock", h.Name)
				continue
			}
			if !held {
				klog.Warningf("lock %s with fence %d was lost, aborting holder", h.Name, h.Fence)
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}()
}
