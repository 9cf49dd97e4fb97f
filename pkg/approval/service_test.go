/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscore/rollout/pkg/audit"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// fakeApprovalStore mimics the single-pending-request semantics of the
// database layer.
type fakeApprovalStore struct {
	mu          sync.Mutex
	byId        map[string]*dbclient.ApprovalRequest
	byExecution map[string]string
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		byId:        map[string]*dbclient.ApprovalRequest{},
		byExecution: map[string]string{},
	}
}

func (f *fakeApprovalStore) CreateApprovalRequest(ctx context.Context, req *dbclient.ApprovalRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byExecution[req.ExecutionId]; exists {
		return 0, commonerrors.NewAlreadyExist("approval request already exists")
	}
	clone := *req
	f.byId[req.ApprovalId] = &clone
	f.byExecution[req.ExecutionId] = req.ApprovalId
	return int64(len(f.byId)), nil
}

func (f *fakeApprovalStore) GetApprovalRequest(ctx context.Context, approvalId string) (*dbclient.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.byId[approvalId]
	if !ok {
		return nil, commonerrors.NewNotFound("ApprovalRequest", approvalId)
	}
	clone := *req
	return &clone, nil
}

func (f *fakeApprovalStore) GetApprovalByExecutionId(ctx context.Context, executionId string) (*dbclient.ApprovalRequest, error) {
	f.mu.Lock()
	id, ok := f.byExecution[executionId]
	f.mu.Unlock()
	if !ok {
		return nil, commonerrors.NewNotFound("ApprovalRequest", executionId)
	}
	return f.GetApprovalRequest(ctx, id)
}

func (f *fakeApprovalStore) ListApprovalRequests(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*dbclient.ApprovalRequest, error) {
	return nil, nil
}

func (f *fakeApprovalStore) DecideApproval(ctx context.Context, approvalId, status, respondedBy, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.byId[approvalId]
	if !ok || req.Status != dbclient.ApprovalPending {
		return false, nil
	}
	req.Status = status
	req.RespondedBy = dbutils.NullString(respondedBy)
	req.ResponseReason = dbutils.NullString(reason)
	return true, nil
}

func (f *fakeApprovalStore) ExpireOverdueApprovals(ctx context.Context) ([]*dbclient.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []*dbclient.ApprovalRequest
	for _, req := range f.byId {
		if req.Status == dbclient.ApprovalPending && req.TimeoutAt.Valid && !req.TimeoutAt.Time.After(time.Now().UTC()) {
			req.Status = dbclient.ApprovalExpired
			req.ResponseReason = dbutils.NullString("approval window elapsed without a decision")
			clone := *req
			expired = append(expired, &clone)
		}
	}
	return expired, nil
}

// recordingSink captures audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingSink) Record(_ context.Context, event *audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *event
	r.events = append(r.events, &clone)
}

func (r *recordingSink) byType(eventType string) []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*audit.Event
	for _, event := range r.events {
		if event.Type == eventType {
			list = append(list, event)
		}
	}
	return list
}

func testExecution() *dbclient.DeploymentExecution {
	return &dbclient.DeploymentExecution{
		ExecutionId: "deploy-1",
		ModuleName:  "payment-service",
		Version:     "1.2.3",
		Environment: "production",
		Requester:   "alice@corp",
	}
}

func TestCreateApproval(t *testing.T) {
	store := newFakeApprovalStore()
	svc := NewService(store, nil, nil)

	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp"})
	require.NoError(t, err)
	assert.Equal(t, dbclient.ApprovalPending, req.Status)
	assert.True(t, req.TimeoutAt.Valid)

	// Creating again returns the existing request.
	again, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp"})
	require.NoError(t, err)
	assert.Equal(t, req.ApprovalId, again.ApprovalId)

	// No approvers configured is a request error.
	_, err = svc.Create(context.Background(), &dbclient.DeploymentExecution{
		ExecutionId: "deploy-2", Environment: "staging",
	}, nil)
	require.Error(t, err)
	assert.True(t, commonerrors.IsBadRequest(err))
}

func TestApproveAndRepeat(t *testing.T) {
	store := newFakeApprovalStore()
	svc := NewService(store, nil, nil)
	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp", "carol@corp"})
	require.NoError(t, err)

	decided, err := svc.Approve(context.Background(), req.ApprovalId, "bob@corp", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, dbclient.ApprovalApproved, decided.Status)

	// Repeating the standing decision is a no-op, even by another approver.
	decided, err = svc.Approve(context.Background(), req.ApprovalId, "carol@corp", "me too")
	require.NoError(t, err)
	assert.Equal(t, dbclient.ApprovalApproved, decided.Status)

	// The opposite decision after resolution is refused.
	_, err = svc.Reject(context.Background(), req.ApprovalId, "carol@corp", "changed my mind")
	require.Error(t, err)
	assert.True(t, commonerrors.IsApprovalTerminal(err))
}

func TestRejectApproval(t *testing.T) {
	store := newFakeApprovalStore()
	svc := NewService(store, nil, nil)
	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp"})
	require.NoError(t, err)

	decided, err := svc.Reject(context.Background(), req.ApprovalId, "bob@corp", "wrong version")
	require.NoError(t, err)
	assert.Equal(t, dbclient.ApprovalRejected, decided.Status)
}

func TestDecisionAuthorization(t *testing.T) {
	store := newFakeApprovalStore()
	svc := NewService(store, nil, nil)
	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp", "alice@corp"})
	require.NoError(t, err)

	// A non-approver may not decide.
	_, err = svc.Approve(context.Background(), req.ApprovalId, "mallory@corp", "")
	require.Error(t, err)
	assert.True(t, commonerrors.IsForbidden(err))

	// The requester may not approve their own deployment even when listed.
	_, err = svc.Approve(context.Background(), req.ApprovalId, "alice@corp", "")
	require.Error(t, err)
	assert.True(t, commonerrors.IsForbidden(err))
}

func TestDecisionWakesWaiters(t *testing.T) {
	store := newFakeApprovalStore()
	svc := NewService(store, nil, nil)
	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp"})
	require.NoError(t, err)

	wake := svc.DecisionMade()
	select {
	case <-wake:
		t.Fatal("wake channel closed before any decision")
	default:
	}

	_, err = svc.Approve(context.Background(), req.ApprovalId, "bob@corp", "lgtm")
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("decision did not wake the waiters")
	}
}

func TestDecideUnknownApproval(t *testing.T) {
	svc := NewService(newFakeApprovalStore(), nil, nil)
	_, err := svc.Approve(context.Background(), "missing", "bob@corp", "")
	require.Error(t, err)
	assert.True(t, commonerrors.IsNotFound(err))
}

func TestSweepExpiresOverdueApprovals(t *testing.T) {
	store := newFakeApprovalStore()
	sink := &recordingSink{}
	svc := NewService(store, sink, nil)
	req, err := svc.Create(context.Background(), testExecution(), []string{"bob@corp"})
	require.NoError(t, err)

	// Push the request past its window.
	store.mu.Lock()
	store.byId[req.ApprovalId].TimeoutAt = dbutils.NullTime(time.Now().UTC().Add(-time.Minute))
	store.mu.Unlock()

	wake := svc.DecisionMade()
	svc.sweepOnce(context.Background())

	reloaded, err := svc.Get(context.Background(), req.ApprovalId)
	require.NoError(t, err)
	assert.Equal(t, dbclient.ApprovalExpired, reloaded.Status)
	assert.Equal(t, "approval window elapsed without a decision", reloaded.ResponseReason.String)

	// Expiry has its own event type and wakes the blocked gates.
	events := sink.byType(audit.ApprovalExpired)
	require.Len(t, events, 1)
	assert.Equal(t, dbclient.ApprovalExpired, events[0].Status)
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expiry did not wake the waiters")
	}
}
