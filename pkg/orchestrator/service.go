/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/bus"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/lock"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/notification"
	"github.com/opscore/rollout/pkg/pipeline"
	"github.com/opscore/rollout/pkg/strategy"
	"github.com/opscore/rollout/pkg/trace"
	"github.com/opscore/rollout/pkg/utils"
)

// TopicDeploymentEvents carries lifecycle events of deployment executions.
const TopicDeploymentEvents = "deployment.events"

// Store is the persistence surface of the facade. The execution, its queue
// job and the idempotency record commit in one transaction.
type Store interface {
	dbclient.ExecutionInterface
	dbclient.JobInterface
	dbclient.IdempotencyInterface
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// Service is the single entry point for deployment requests. It validates,
// deduplicates and persists the request, then hands execution to the queue.
type Service struct {
	store    Store
	locks    *lock.Manager
	events   *bus.Bus
	sink     audit.Sink
	notifier *notification.Manager
}

func NewService(store Store, locks *lock.Manager, events *bus.Bus, sink audit.Sink,
	notifier *notification.Manager) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		store:    store,
		locks:    locks,
		events:   events,
		sink:     sink,
		notifier: notifier,
	}
}

// CreateDeploymentRequest is one deployment intent.
type CreateDeploymentRequest struct {
	ModuleName     string `json:"moduleName"`
	Version        string `json:"version"`
	Environment    string `json:"environment"`
	Strategy       string `json:"strategy"`
	ArtifactRef    string `json:"artifactRef"`
	Digest         string `json:"digest,omitempty"`
	Signature      string `json:"signature,omitempty"`
	Description    string `json:"description,omitempty"`
	Requester      string `json:"requester"`
	ForceRedeploy  bool   `json:"forceRedeploy,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// DeploymentDetail is an execution with its stage and node history.
type DeploymentDetail struct {
	Execution   *dbclient.DeploymentExecution  `json:"execution"`
	Stages      []*dbclient.DeploymentStage    `json:"stages"`
	NodeResults []*dbclient.DeploymentNodeResult `json:"nodeResults"`
}

// ListFilter narrows a deployment listing.
type ListFilter struct {
	ModuleName  string
	Environment string
	Status      string
	Page        int
	PageSize    int
}

// Validate checks the request invariants that need no database access.
func (r *CreateDeploymentRequest) Validate() error {
	if err := module.ValidateName(r.ModuleName); err != nil {
		return err
	}
	if _, err := module.ParseVersion(r.Version); err != nil {
		return err
	}
	if _, err := cluster.ParseEnvironment(r.Environment); err != nil {
		return err
	}
	if err := strategy.ValidateName(r.Strategy); err != nil {
		return err
	}
	if r.ArtifactRef == "" {
		return commonerrors.NewBadRequest("artifactRef is required")
	}
	if r.Requester == "" {
		return commonerrors.NewBadRequest("requester is required")
	}
	if allowed := commonconfig.GetAllowedStrategies(r.Environment); len(allowed) > 0 {
		permitted := false
		for _, name := range allowed {
			if name == r.Strategy {
				permitted = true
				break
			}
		}
		if !permitted {
			return commonerrors.NewPolicyViolation(fmt.Sprintf(
				"strategy %s is not allowed in %s", r.Strategy, r.Environment))
		}
	}
	if commonconfig.IsApprovalRequired(r.Environment) && len(commonconfig.GetApprovers(r.Environment)) == 0 {
		return commonerrors.NewPolicyViolation(fmt.Sprintf(
			"environment %s requires approval but has no approvers configured", r.Environment))
	}
	return nil
}

// idempotencyKey derives the dedup key of the request. A client-provided key
// wins; otherwise the identifying fields are hashed so an identical retry
// within the TTL returns the original execution instead of starting another.
func (r *CreateDeploymentRequest) idempotencyKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%t",
		r.ModuleName, r.Version, r.Environment, r.Strategy, r.Requester, r.ForceRedeploy)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// CreateDeployment admits one deployment request. The execution row and its
// queue job commit atomically; a duplicate request returns the execution of
// the first one.
func (s *Service) CreateDeployment(ctx context.Context, req *CreateDeploymentRequest) (*dbclient.DeploymentExecution, error) {
	if req == nil {
		return nil, commonerrors.NewBadRequest("request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := trace.StartSpan(ctx, "orchestrator.create_deployment")
	defer span.End()

	executionId := uuid.NewString()
	ref, inserted, err := s.store.CheckOrInsertIdempotencyKey(ctx,
		req.idempotencyKey(), executionId, commonconfig.GetIdempotencyTtl())
	if err != nil {
		return nil, err
	}
	if !inserted {
		klog.Infof("deployment request replayed, returning execution %s", ref)
		return s.store.GetDeploymentExecution(ctx, ref)
	}

	// The lock serializes admission per (environment, module); the pipeline
	// worker takes the same lock for the run itself.
	handle, err := s.locks.Acquire(ctx,
		lock.DeployKey(req.Environment, req.ModuleName), commonconfig.GetLockWaitTimeout())
	if err != nil {
		return nil, err
	}
	defer handle.Release(ctx)

	if err = s.checkConcurrency(ctx, req.ModuleName, req.Environment); err != nil {
		return nil, err
	}

	env, _ := cluster.ParseEnvironment(req.Environment)
	execution := &dbclient.DeploymentExecution{
		ExecutionId:   executionId,
		ModuleName:    req.ModuleName,
		Version:       req.Version,
		Environment:   req.Environment,
		Strategy:      req.Strategy,
		Status:        dbclient.ExecutionCreated,
		Requester:     req.Requester,
		ForceRedeploy: req.ForceRedeploy,
		ArtifactRef:   req.ArtifactRef,
		Digest:        dbutils.NullString(req.Digest),
		Signature:     dbutils.NullString(req.Signature),
		Description:   dbutils.NullString(req.Description),
		TraceId:       dbutils.NullString(trace.GetTraceID(ctx)),
	}
	payload, err := json.Marshal(pipeline.JobPayload{ExecutionId: executionId})
	if err != nil {
		return nil, err
	}
	job := &dbclient.Job{
		ExecutionId: executionId,
		Payload:     payload,
		Priority:    env.Rank(),
		MaxRetries:  commonconfig.GetJobMaxRetries(),
	}
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, txErr := s.store.CreateDeploymentExecutionTx(ctx, tx, execution); txErr != nil {
			return txErr
		}
		_, txErr := s.store.CreateJobTx(ctx, tx, job)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	s.sink.Record(ctx, &audit.Event{
		Type:        audit.DeploymentCreated,
		ExecutionId: executionId,
		ModuleName:  req.ModuleName,
		Version:     req.Version,
		Environment: req.Environment,
		Strategy:    req.Strategy,
		Status:      dbclient.ExecutionCreated,
		Fields:      map[string]string{"requester": req.Requester},
	})
	s.publishEvent(ctx, "deployment.created", execution)
	klog.Infof("deployment %s created: %s@%s to %s via %s",
		executionId, req.ModuleName, req.Version, req.Environment, req.Strategy)
	return execution, nil
}

// checkConcurrency enforces the per-environment cap on in-flight executions
// of one module.
func (s *Service) checkConcurrency(ctx context.Context, moduleName, environment string) error {
	active, err := s.store.CountDeploymentExecutions(ctx, sqrl.And{
		sqrl.Eq{"module_name": moduleName, "environment": environment},
		sqrl.NotEq{"status": terminalStatuses()},
	})
	if err != nil {
		return err
	}
	limit := commonconfig.GetMaxConcurrentDeployments(environment)
	if active >= limit {
		return commonerrors.NewConflict(fmt.Sprintf(
			"%d deployment(s) of %s already in flight in %s, limit is %d",
			active, moduleName, environment, limit))
	}
	return nil
}

// GetDeployment returns an execution with its stage and node history.
func (s *Service) GetDeployment(ctx context.Context, executionId string) (*DeploymentDetail, error) {
	execution, err := s.store.GetDeploymentExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	stages, err := s.store.ListDeploymentStages(ctx, executionId)
	if err != nil {
		return nil, err
	}
	results, err := s.store.ListDeploymentNodeResults(ctx, executionId)
	if err != nil {
		return nil, err
	}
	return &DeploymentDetail{Execution: execution, Stages: stages, NodeResults: results}, nil
}

// ListDeployments lists executions newest first.
func (s *Service) ListDeployments(ctx context.Context, filter *ListFilter) ([]*dbclient.DeploymentExecution, int, error) {
	conditions := sqrl.And{}
	if filter.ModuleName != "" {
		conditions = append(conditions, sqrl.Eq{"module_name": filter.ModuleName})
	}
	if filter.Environment != "" {
		conditions = append(conditions, sqrl.Eq{"environment": filter.Environment})
	}
	if filter.Status != "" {
		conditions = append(conditions, sqrl.Eq{"status": filter.Status})
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	total, err := s.store.CountDeploymentExecutions(ctx, conditions)
	if err != nil {
		return nil, 0, err
	}
	list, err := s.store.ListDeploymentExecutions(ctx, conditions,
		[]string{dbclient.CreatedTime + " " + dbclient.DESC}, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// CancelDeployment stops an execution. Before any node is touched the
// execution concludes Cancelled immediately; from Deploying onward a cancel
// request is flagged instead and the pipeline honors it at its next
// cancellation point, rolling applied nodes back first.
func (s *Service) CancelDeployment(ctx context.Context, executionId, user, reason string) (*dbclient.DeploymentExecution, error) {
	message := fmt.Sprintf("cancelled by %s", user)
	if reason != "" {
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	for attempt := 0; attempt < 3; attempt++ {
		execution, err := s.store.GetDeploymentExecution(ctx, executionId)
		if err != nil {
			return nil, err
		}
		if execution.Status == dbclient.ExecutionCancelled {
			return execution, nil
		}
		if err = pipeline.ValidateTransition(execution.Status, dbclient.ExecutionCancelled); err != nil {
			return nil, err
		}
		switch execution.Status {
		case dbclient.ExecutionDeploying, dbclient.ExecutionStabilizing, dbclient.ExecutionRollingBack:
			flagged, fErr := s.store.RequestExecutionCancel(ctx, executionId)
			if fErr != nil {
				return nil, fErr
			}
			if !flagged {
				continue // reached a terminal status concurrently, re-evaluate
			}
			execution.CancelRequested = true
			s.sink.Record(ctx, &audit.Event{
				Type:        audit.DeploymentCancelRequested,
				ExecutionId: executionId,
				ModuleName:  execution.ModuleName,
				Version:     execution.Version,
				Environment: execution.Environment,
				Strategy:    execution.Strategy,
				Status:      execution.Status,
				Message:     message,
			})
			klog.Infof("cancellation of execution %s requested while %s", executionId, execution.Status)
			return execution, nil
		}
		ok, err := s.store.UpdateExecutionStatus(ctx, executionId,
			execution.Status, dbclient.ExecutionCancelled, message)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // status moved concurrently, re-evaluate
		}
		// Stamp the terminal timestamp now that the CAS won.
		if err = s.store.FinishExecution(ctx, executionId, dbclient.ExecutionCancelled, message); err != nil {
			return nil, err
		}
		execution.Status = dbclient.ExecutionCancelled
		execution.Message = dbutils.NullString(message)
		s.sink.Record(ctx, &audit.Event{
			Type:        audit.DeploymentTerminal,
			ExecutionId: executionId,
			ModuleName:  execution.ModuleName,
			Version:     execution.Version,
			Environment: execution.Environment,
			Strategy:    execution.Strategy,
			Status:      dbclient.ExecutionCancelled,
			Message:     message,
		})
		s.notifier.DeploymentTerminal(ctx, execution)
		s.publishEvent(ctx, "deployment.cancelled", execution)
		return execution, nil
	}
	return nil, commonerrors.NewConflict(fmt.Sprintf(
		"execution %s kept changing status during cancellation", executionId))
}

// RollbackDeployment starts a new execution that redeploys the versions
// recorded before the source execution ran.
func (s *Service) RollbackDeployment(ctx context.Context, executionId, requester string) (*dbclient.DeploymentExecution, error) {
	source, err := s.store.GetDeploymentExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if !dbclient.IsExecutionTerminal(source.Status) {
		return nil, commonerrors.NewConflict(fmt.Sprintf(
			"execution %s is still %s, cancel it or wait before rolling back", executionId, source.Status))
	}
	version, err := rollbackVersion(source)
	if err != nil {
		return nil, err
	}

	req := &CreateDeploymentRequest{
		ModuleName:  source.ModuleName,
		Version:     version,
		Environment: source.Environment,
		Strategy:    source.Strategy,
		ArtifactRef: source.ArtifactRef,
		Description: fmt.Sprintf("rollback of %s", executionId),
		Requester:   requester,
		// The rollback target may already run on part of the fleet.
		ForceRedeploy:  true,
		IdempotencyKey: utils.GenerateName("rollback"),
	}
	execution, err := s.CreateDeployment(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = s.store.SetExecutionRollbackFrom(ctx, execution.ExecutionId, executionId); err != nil {
		klog.ErrorS(err, "failed to link rollback execution to its source",
			"execution", execution.ExecutionId, "source", executionId)
	} else {
		execution.RollbackFromId = dbutils.NullString(executionId)
	}
	return execution, nil
}

// rollbackVersion picks the version to restore from the source execution's
// pre-deployment snapshot. A fleet that ran mixed versions has no single
// answer; the caller must issue an explicit deployment instead.
func rollbackVersion(source *dbclient.DeploymentExecution) (string, error) {
	if !source.PreviousState.Valid || source.PreviousState.String == "" {
		return "", commonerrors.NewConflict(fmt.Sprintf(
			"execution %s recorded no previous state, nothing to roll back to", source.ExecutionId))
	}
	previous := map[string]string{}
	if err := json.Unmarshal([]byte(source.PreviousState.String), &previous); err != nil {
		return "", commonerrors.NewInternalError(err.Error())
	}
	version := ""
	for _, v := range previous {
		if version == "" {
			version = v
			continue
		}
		if v != version {
			return "", commonerrors.NewConflict(fmt.Sprintf(
				"execution %s replaced mixed versions, deploy an explicit version instead", source.ExecutionId))
		}
	}
	if version == "" {
		return "", commonerrors.NewConflict(fmt.Sprintf(
			"no node ran %s before execution %s, nothing to roll back to",
			source.ModuleName, source.ExecutionId))
	}
	return version, nil
}

// publishEvent emits a lifecycle event on the message bus. Event delivery is
// best effort; the database row is the source of truth.
func (s *Service) publishEvent(ctx context.Context, eventType string, execution *dbclient.DeploymentExecution) {
	if s.events == nil {
		return
	}
	payload := utils.MarshalSilently(map[string]string{
		"type":        eventType,
		"executionId": execution.ExecutionId,
		"moduleName":  execution.ModuleName,
		"version":     execution.Version,
		"environment": execution.Environment,
		"strategy":    execution.Strategy,
		"status":      execution.Status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := s.events.Publish(ctx, TopicDeploymentEvents, payload,
		map[string]string{"eventType": eventType}, 0); err != nil {
		klog.ErrorS(err, "failed to publish deployment event", "type", eventType,
			"execution", execution.ExecutionId)
	}
}

func terminalStatuses() []string {
	return []string{
		dbclient.ExecutionSucceeded,
		dbclient.ExecutionFailed,
		dbclient.ExecutionRolledBack,
		dbclient.ExecutionRolledBackWithErrors,
		dbclient.ExecutionRejectedApproval,
		dbclient.ExecutionExpired,
		dbclient.ExecutionCancelled,
	}
}
