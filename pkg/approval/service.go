/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/audit"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Notifier tells the approvers that a decision is wanted or was made.
// The notification channel lives outside this package.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *dbclient.ApprovalRequest)
	ApprovalDecided(ctx context.Context, req *dbclient.ApprovalRequest)
}

type nopNotifier struct{}

func (nopNotifier) ApprovalRequested(context.Context, *dbclient.ApprovalRequest) {}
func (nopNotifier) ApprovalDecided(context.Context, *dbclient.ApprovalRequest)   {}

// Service owns the approval workflow of gated deployments. A request is
// created when an execution reaches its approval gate and resolved by the
// first decision; later identical decisions are no-ops and conflicting ones
// are rejected.
type Service struct {
	store    dbclient.ApprovalInterface
	sink     audit.Sink
	notifier Notifier

	// wake is closed and replaced whenever a decision lands, so pipelines
	// blocked on a gate recheck immediately instead of waiting out a poll.
	mu   sync.Mutex
	wake chan struct{}
}

func NewService(store dbclient.ApprovalInterface, sink audit.Sink, notifier Notifier) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{store: store, sink: sink, notifier: notifier, wake: make(chan struct{})}
}

// DecisionMade returns a channel that is closed on the next approval
// decision, local or from another instance through LISTEN/NOTIFY.
func (s *Service) DecisionMade() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

func (s *Service) notifyWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.wake)
	s.wake = make(chan struct{})
}

// RunListener forwards approval decisions made by other instances to the
// local waiters. Without it the gates still resolve through polling.
func (s *Service) RunListener(ctx context.Context, dsn string) {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			klog.ErrorS(err, "approval listener event", "event", event)
		}
	})
	if err := listener.Listen(dbclient.ApprovalNotifyChannel); err != nil {
		klog.ErrorS(err, "failed to listen on approval channel, polling only")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			klog.ErrorS(err, "failed to close approval listener")
		}
	}()
	klog.Infof("approval listener started on %s", dbclient.ApprovalNotifyChannel)
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			if notification == nil {
				// Connection was re-established; the poll fallback catches up.
				continue
			}
			s.notifyWaiters()
		}
	}
}

// Create opens an approval request for an execution. The timeout follows the
// environment policy. Creating a request that already exists returns the
// existing one.
func (s *Service) Create(ctx context.Context, execution *dbclient.DeploymentExecution, approvers []string) (*dbclient.ApprovalRequest, error) {
	ttl := commonconfig.GetApprovalTtl(execution.Environment)
	req := &dbclient.ApprovalRequest{
		ApprovalId:     uuid.NewString(),
		ExecutionId:    execution.ExecutionId,
		ModuleName:     execution.ModuleName,
		Version:        execution.Version,
		Environment:    execution.Environment,
		Requester:      execution.Requester,
		ApproverEmails: approvers,
		Status:         dbclient.ApprovalPending,
		TimeoutAt:      dbutils.NullTime(time.Now().UTC().Add(ttl)),
	}
	_, err := s.store.CreateApprovalRequest(ctx, req)
	if commonerrors.IsConflict(err) {
		return s.store.GetApprovalByExecutionId(ctx, execution.ExecutionId)
	}
	if err != nil {
		return nil, err
	}

	s.sink.Record(ctx, &audit.Event{
		Type:        audit.ApprovalRequested,
		ExecutionId: execution.ExecutionId,
		ModuleName:  execution.ModuleName,
		Version:     execution.Version,
		Environment: execution.Environment,
		Message:     fmt.Sprintf("approval requested from %d approvers, expires in %s", len(approvers), ttl),
	})
	s.notifier.ApprovalRequested(ctx, req)
	klog.Infof("approval %s opened for execution %s, timeout %s", req.ApprovalId, execution.ExecutionId, ttl)
	return req, nil
}

// Approve records an approval by user.
func (s *Service) Approve(ctx context.Context, approvalId, user, reason string) (*dbclient.ApprovalRequest, error) {
	return s.decide(ctx, approvalId, dbclient.ApprovalApproved, user, reason)
}

// Reject records a rejection by user.
func (s *Service) Reject(ctx context.Context, approvalId, user, reason string) (*dbclient.ApprovalRequest, error) {
	return s.decide(ctx, approvalId, dbclient.ApprovalRejected, user, reason)
}

// Get returns an approval request by ID.
func (s *Service) Get(ctx context.Context, approvalId string) (*dbclient.ApprovalRequest, error) {
	return s.store.GetApprovalRequest(ctx, approvalId)
}

// GetByExecution returns the approval request gating an execution.
func (s *Service) GetByExecution(ctx context.Context, executionId string) (*dbclient.ApprovalRequest, error) {
	return s.store.GetApprovalByExecutionId(ctx, executionId)
}

func (s *Service) decide(ctx context.Context, approvalId, decision, user, reason string) (*dbclient.ApprovalRequest, error) {
	req, err := s.store.GetApprovalRequest(ctx, approvalId)
	if err != nil {
		return nil, err
	}
	if err = s.authorize(req, user); err != nil {
		return nil, err
	}
	if req.Status != dbclient.ApprovalPending {
		// Repeating the decision that already stands is a no-op.
		if req.Status == decision {
			return req, nil
		}
		return nil, commonerrors.NewApprovalTerminal(fmt.Sprintf(
			"approval %s is already %s", approvalId, req.Status))
	}

	changed, err := s.store.DecideApproval(ctx, approvalId, decision, user, reason)
	if err != nil {
		return nil, err
	}
	req, err = s.store.GetApprovalRequest(ctx, approvalId)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost the race: apply the same idempotency rule against the winner.
		if req.Status == decision {
			return req, nil
		}
		return nil, commonerrors.NewApprovalTerminal(fmt.Sprintf(
			"approval %s is already %s", approvalId, req.Status))
	}

	s.sink.Record(ctx, &audit.Event{
		Type:        audit.ApprovalDecided,
		ExecutionId: req.ExecutionId,
		ModuleName:  req.ModuleName,
		Version:     req.Version,
		Environment: req.Environment,
		Status:      decision,
		Message:     fmt.Sprintf("decided by %s: %s", user, reason),
	})
	s.notifier.ApprovalDecided(ctx, req)
	s.notifyWaiters()
	klog.Infof("approval %s %s by %s", approvalId, decision, user)
	return req, nil
}

func (s *Service) authorize(req *dbclient.ApprovalRequest, user string) error {
	if user == req.Requester && !commonconfig.IsSelfApprovalAllowed() {
		return commonerrors.NewForbidden(fmt.Sprintf(
			"requester %s may not decide their own deployment", user))
	}
	// An empty approver list leaves the decision open to any authorized caller.
	if len(req.ApproverEmails) == 0 {
		return nil
	}
	for _, approver := range req.ApproverEmails {
		if approver == user {
			return nil
		}
	}
	return commonerrors.NewForbidden(fmt.Sprintf(
		"%s is not an approver of this deployment", user))
}
