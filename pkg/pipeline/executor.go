/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/approval"
	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/lock"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/nodeclient"
	"github.com/opscore/rollout/pkg/notification"
	"github.com/opscore/rollout/pkg/strategy"
	"github.com/opscore/rollout/pkg/trace"
	"github.com/opscore/rollout/pkg/verify"
)

// JobPayload is the body of the queue job that drives one execution.
type JobPayload struct {
	ExecutionId string `json:"executionId"`
}

// Store is the persistence surface the executor needs.
type Store interface {
	dbclient.ExecutionInterface
	CreateEnvironmentSnapshot(ctx context.Context, snapshot *dbclient.EnvironmentSnapshot) (int64, error)
}

// Executor drives one deployment execution through the pipeline stages:
// Validate, Verify, PreflightHealth, Approve (gated environments only),
// Deploy, Stabilize, Commit. Progress is checkpointed per stage so a
// restarted worker resumes instead of repeating.
type Executor struct {
	store     Store
	registry  *cluster.Registry
	agent     nodeclient.Interface
	verifier  verify.Verifier
	approvals *approval.Service
	sink      audit.Sink
	notifier  *notification.Manager
	locks     *lock.Manager
}

const approvalPollInterval = 10 * time.Second

func NewExecutor(store Store, registry *cluster.Registry, agent nodeclient.Interface,
	verifier verify.Verifier, approvals *approval.Service, sink audit.Sink,
	notifier *notification.Manager, locks *lock.Manager) *Executor {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Executor{
		store:     store,
		registry:  registry,
		agent:     agent,
		verifier:  verifier,
		approvals: approvals,
		sink:      sink,
		notifier:  notifier,
		locks:     locks,
	}
}

// Handle processes one queue job. Retryable infrastructure faults propagate
// to the queue for backoff; on the final attempt they are converted into a
// terminal failure so no execution is left dangling.
func (e *Executor) Handle(ctx context.Context, job *dbclient.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return commonerrors.NewBadRequest(fmt.Sprintf("malformed job payload: %v", err))
	}
	execution, err := e.store.GetDeploymentExecution(ctx, payload.ExecutionId)
	if err != nil {
		return err
	}
	if dbclient.IsExecutionTerminal(execution.Status) {
		klog.Infof("execution %s is already %s, nothing to do", execution.ExecutionId, execution.Status)
		return nil
	}

	ctx, span := trace.StartSpan(ctx, "pipeline.execute")
	defer span.End()
	trace.SetAttributes(ctx)

	deadline := e.remainingDeadline(execution)
	if deadline <= 0 {
		e.finish(ctx, execution, dbclient.ExecutionFailed, "execution deadline exceeded before completion")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Only one pipeline per (environment, module) runs at a time. A busy
	// lock is a timeout so the queue retries with backoff instead of
	// failing the execution.
	if e.locks != nil {
		handle, lErr := e.locks.Acquire(ctx, lock.DeployKey(execution.Environment, execution.ModuleName),
			commonconfig.GetLockWaitTimeout())
		if lErr != nil {
			if commonerrors.IsConflict(lErr) {
				return commonerrors.NewTimeout(fmt.Sprintf(
					"deployment lock for %s/%s is busy", execution.Environment, execution.ModuleName))
			}
			return lErr
		}
		defer handle.Release(context.WithoutCancel(ctx))
		lockCtx, lockCancel := context.WithCancel(ctx)
		defer lockCancel()
		ctx = lockCtx
		handle.KeepAlive(lockCtx, lockCancel)
	}

	err = e.run(ctx, execution)
	if err == nil {
		return nil
	}
	lastAttempt := job.RetryCount >= job.MaxRetries
	if commonerrors.IsRetryable(err) && !lastAttempt {
		// Leave the execution non-terminal; the requeued job resumes from
		// the stage checkpoints.
		return err
	}
	e.failOrRollback(ctx, execution, err)
	return nil
}

// run advances the execution through the remaining stages.
func (e *Executor) run(ctx context.Context, execution *dbclient.DeploymentExecution) error {
	artifact, err := e.artifactOf(execution)
	if err != nil {
		return err
	}
	env, err := cluster.ParseEnvironment(execution.Environment)
	if err != nil {
		return err
	}

	if execution.Status == dbclient.ExecutionCreated {
		if ok, uErr := e.store.UpdateExecutionStatus(ctx, execution.ExecutionId,
			dbclient.ExecutionCreated, dbclient.ExecutionValidating, ""); uErr != nil {
			return uErr
		} else if !ok {
			return e.reloadAndBail(ctx, execution)
		}
		execution.Status = dbclient.ExecutionValidating
		e.sink.Record(ctx, e.event(audit.DeploymentStarted, execution, ""))
	}

	stages, err := e.loadStages(ctx, execution.ExecutionId)
	if err != nil {
		return err
	}

	if err = e.runStage(ctx, execution, stages, StageValidate, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
		return e.validate(ctx, execution, env)
	}); err != nil {
		return err
	}
	if dbclient.IsExecutionTerminal(execution.Status) {
		// Validation can conclude the execution, e.g. a no-op deployment.
		return nil
	}

	if err = e.runStage(ctx, execution, stages, StageVerify, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
		return e.verifier.Verify(ctx, artifact)
	}); err != nil {
		return err
	}

	if err = e.runStage(ctx, execution, stages, StagePreflight, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
		return e.preflight(ctx, execution, env)
	}); err != nil {
		return err
	}

	if commonconfig.IsApprovalRequired(execution.Environment) {
		if err = e.runStage(ctx, execution, stages, StageApprove, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
			return e.awaitApproval(ctx, execution)
		}); err != nil {
			return err
		}
		if dbclient.IsExecutionTerminal(execution.Status) {
			return nil
		}
	}

	if err = e.runStage(ctx, execution, stages, StageDeploy, func(ctx context.Context, stage *dbclient.DeploymentStage) error {
		return e.deploy(ctx, execution, env, artifact, stage)
	}); err != nil {
		return err
	}

	if err = e.runStage(ctx, execution, stages, StageStabilize, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
		return e.stabilize(ctx, env)
	}); err != nil {
		return err
	}

	return e.runStage(ctx, execution, stages, StageCommit, func(ctx context.Context, _ *dbclient.DeploymentStage) error {
		return e.commit(ctx, execution, env)
	})
}

// runStage executes one stage with resume and bookkeeping. Completed stages
// are skipped; the stage row carries the strategy checkpoint across retries.
func (e *Executor) runStage(ctx context.Context, execution *dbclient.DeploymentExecution,
	stages map[string]*dbclient.DeploymentStage, name string,
	fn func(ctx context.Context, stage *dbclient.DeploymentStage) error) error {

	stage, exists := stages[name]
	if exists && stage.Status == dbclient.StageSucceeded {
		return nil
	}
	if !exists {
		stage = &dbclient.DeploymentStage{
			ExecutionId: execution.ExecutionId,
			Name:        name,
		}
		stages[name] = stage
	}

	if cancelled, err := e.bailIfCancelled(ctx, execution); err != nil || cancelled {
		if cancelled {
			return nil
		}
		return err
	}
	if err := e.ensureStatus(ctx, execution, StatusForStage(name)); err != nil {
		return err
	}

	stage.Status = dbclient.StageRunning
	stage.StartedAt = dbutils.NullTime(time.Now().UTC())
	if err := e.store.UpsertDeploymentStage(ctx, stage); err != nil {
		return err
	}
	e.sink.Record(ctx, e.event(audit.StageStarted, execution, name))
	klog.Infof("execution %s: stage %s started", execution.ExecutionId, name)

	err := fn(ctx, stage)

	stage.EndedAt = dbutils.NullTime(time.Now().UTC())
	if err != nil {
		stage.Status = dbclient.StageFailed
		stage.Message = dbutils.NullString(err.Error())
	} else {
		stage.Status = dbclient.StageSucceeded
	}
	if uErr := e.store.UpsertDeploymentStage(ctx, stage); uErr != nil {
		klog.ErrorS(uErr, "failed to record stage outcome", "stage", name)
	}
	e.sink.Record(ctx, e.event(audit.StageCompleted, execution, fmt.Sprintf("%s: %s", name, stage.Status)))
	if err != nil {
		klog.ErrorS(err, "stage failed", "execution", execution.ExecutionId, "stage", name)
	}
	return err
}

// validate re-checks the request invariants and detects no-op deployments.
func (e *Executor) validate(ctx context.Context, execution *dbclient.DeploymentExecution, env cluster.Environment) error {
	if err := module.ValidateName(execution.ModuleName); err != nil {
		return err
	}
	if _, err := module.ParseVersion(execution.Version); err != nil {
		return err
	}
	if err := strategy.ValidateName(execution.Strategy); err != nil {
		return err
	}
	nodes, err := e.registry.Nodes(ctx, env)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return commonerrors.NewBadRequest(fmt.Sprintf("environment %s has no nodes", env))
	}

	if !execution.ForceRedeploy {
		deployed, err := e.registry.SnapshotVersions(ctx, env, execution.ModuleName)
		if err != nil {
			return err
		}
		everywhere := len(deployed) == len(nodes)
		for _, version := range deployed {
			if version != execution.Version {
				everywhere = false
				break
			}
		}
		if everywhere {
			e.finish(ctx, execution, dbclient.ExecutionSucceeded,
				fmt.Sprintf("version %s is already deployed on all %d nodes", execution.Version, len(nodes)))
			return nil
		}
	}
	return nil
}

// preflight refuses to start a deployment into a degraded fleet.
func (e *Executor) preflight(ctx context.Context, execution *dbclient.DeploymentExecution, env cluster.Environment) error {
	nodes, err := e.registry.Nodes(ctx, env)
	if err != nil {
		return err
	}
	healthy := 0
	for _, node := range nodes {
		status, hErr := e.agent.HealthCheck(ctx, node)
		if hErr != nil {
			return hErr
		}
		if status.Healthy() {
			healthy++
		}
		if uErr := e.registry.UpdateHealth(ctx, node.NodeId, status.NodeHealth()); uErr != nil {
			klog.ErrorS(uErr, "failed to update node health", "node", node.NodeId)
		}
	}
	ratio := float64(healthy) / float64(len(nodes))
	minRatio := commonconfig.GetPreflightMinHealthyRatio()
	if ratio < minRatio {
		return commonerrors.NewPolicyViolation(fmt.Sprintf(
			"environment %s is %.0f%% healthy, need %.0f%% to deploy",
			env, ratio*100, minRatio*100))
	}
	return nil
}

// awaitApproval opens the approval request and blocks until it is decided,
// expired or the execution is cancelled.
func (e *Executor) awaitApproval(ctx context.Context, execution *dbclient.DeploymentExecution) error {
	approvers := commonconfig.GetApprovers(execution.Environment)
	req, err := e.approvals.Create(ctx, execution, approvers)
	if err != nil && !commonerrors.IsConflict(err) {
		return err
	}
	if req != nil && req.Status == dbclient.ApprovalPending {
		klog.Infof("execution %s awaits approval %s", execution.ExecutionId, req.ApprovalId)
	}

	// Decisions wake the gate immediately; the ticker is the fallback for a
	// lost notification and catches expiry by the sweeper.
	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	for {
		// Grab the wake channel before reading the status, so a decision
		// landing in between still closes the channel we select on.
		wake := e.approvals.DecisionMade()
		req, err = e.approvals.GetByExecution(ctx, execution.ExecutionId)
		if err != nil {
			return err
		}
		switch req.Status {
		case dbclient.ApprovalApproved:
			return nil
		case dbclient.ApprovalRejected:
			e.finish(ctx, execution, dbclient.ExecutionRejectedApproval,
				fmt.Sprintf("rejected by %s: %s",
					dbutils.ParseNullString(req.RespondedBy), dbutils.ParseNullString(req.ResponseReason)))
			return nil
		case dbclient.ApprovalExpired:
			e.finish(ctx, execution, dbclient.ExecutionExpired, "approval window elapsed without a decision")
			return nil
		}
		if cancelled, cErr := e.bailIfCancelled(ctx, execution); cErr != nil || cancelled {
			return cErr
		}
		select {
		case <-ctx.Done():
			return commonerrors.NewTimeout("execution deadline elapsed while awaiting approval")
		case <-wake:
		case <-ticker.C:
		}
	}
}

// deploy snapshots the pre-deployment state, then hands over to the
// strategy. The stage row persists the strategy checkpoint.
func (e *Executor) deploy(ctx context.Context, execution *dbclient.DeploymentExecution,
	env cluster.Environment, artifact module.Artifact, stage *dbclient.DeploymentStage) error {

	previous, err := e.previousState(ctx, execution, env)
	if err != nil {
		return err
	}
	nodes, err := e.registry.Nodes(ctx, env)
	if err != nil {
		return err
	}

	var checkpoint strategy.Checkpoint
	if stage.Checkpoint.Valid && stage.Checkpoint.String != "" {
		if err = json.Unmarshal([]byte(stage.Checkpoint.String), &checkpoint); err != nil {
			klog.ErrorS(err, "malformed deploy checkpoint, starting over", "execution", execution.ExecutionId)
			checkpoint = strategy.Checkpoint{}
		}
	}

	impl, err := strategy.New(execution.Strategy, strategy.Deps{
		Registry: e.registry,
		Agent:    e.agent,
		Store:    e.store,
		Sink:     e.sink,
	})
	if err != nil {
		return err
	}
	req := &strategy.Request{
		Execution:   execution,
		Artifact:    artifact,
		Environment: env,
		Targets:     nodes,
		Previous:    previous,
		Checkpoint:  checkpoint,
		Save: func(ctx context.Context, cp strategy.Checkpoint) error {
			data, mErr := json.Marshal(cp)
			if mErr != nil {
				return mErr
			}
			stage.Checkpoint = dbutils.NullString(string(data))
			return e.store.UpsertDeploymentStage(ctx, stage)
		},
		Cancelled: func(ctx context.Context) (bool, error) {
			reloaded, rErr := e.store.GetDeploymentExecution(ctx, execution.ExecutionId)
			if rErr != nil {
				return false, rErr
			}
			return reloaded.CancelRequested || reloaded.Status == dbclient.ExecutionCancelled, nil
		},
	}
	return impl.Execute(ctx, req)
}

// stabilize watches the whole environment settle after the deploy stage.
// Every sample is judged on its own against the stabilization threshold; one
// bad sample fails the window regardless of how the others looked.
func (e *Executor) stabilize(ctx context.Context, env cluster.Environment) error {
	nodes, err := e.registry.Nodes(ctx, env)
	if err != nil {
		return err
	}
	samples := commonconfig.GetRollingHealthSamples()
	interval := time.Duration(commonconfig.GetRollingSampleIntervalSecond()) * time.Second
	threshold := commonconfig.GetRollingHealthyThreshold()

	for i := 0; i < samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		healthy := 0
		for _, node := range nodes {
			status, hErr := e.agent.HealthCheck(ctx, node)
			if hErr != nil {
				return hErr
			}
			if status.Healthy() {
				healthy++
			}
		}
		ratio := float64(healthy) / float64(len(nodes))
		if ratio < threshold {
			return commonerrors.NewPolicyViolation(fmt.Sprintf(
				"healthyThreshold breached: environment %s sampled at %.0f%% healthy, need %.0f%%",
				env, ratio*100, threshold*100))
		}
	}
	return nil
}

// commit snapshots the final state and concludes the execution.
func (e *Executor) commit(ctx context.Context, execution *dbclient.DeploymentExecution, env cluster.Environment) error {
	versions, err := e.registry.SnapshotVersions(ctx, env, execution.ModuleName)
	if err != nil {
		return err
	}
	data, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	if _, err = e.store.CreateEnvironmentSnapshot(ctx, &dbclient.EnvironmentSnapshot{
		ExecutionId: execution.ExecutionId,
		Environment: execution.Environment,
		ModuleName:  execution.ModuleName,
		Versions:    string(data),
	}); err != nil {
		return err
	}
	e.finish(ctx, execution, dbclient.ExecutionSucceeded,
		fmt.Sprintf("deployed to %d nodes", len(versions)))
	return nil
}

// failOrRollback concludes a failed execution. Failures before any node was
// touched fail directly; failures during or after the deploy stage roll the
// touched nodes back first.
func (e *Executor) failOrRollback(ctx context.Context, execution *dbclient.DeploymentExecution, cause error) {
	reloaded, err := e.store.GetDeploymentExecution(ctx, execution.ExecutionId)
	if err == nil {
		execution = reloaded
	}
	if dbclient.IsExecutionTerminal(execution.Status) {
		return
	}
	switch execution.Status {
	case dbclient.ExecutionDeploying, dbclient.ExecutionStabilizing:
		e.rollback(ctx, execution, cause)
	default:
		status := dbclient.ExecutionFailed
		if commonerrors.IsCancelled(cause) {
			status = dbclient.ExecutionCancelled
		}
		e.finish(ctx, execution, status, cause.Error())
	}
}

// rollback reverses the applied nodes with the strategy's own semantics.
func (e *Executor) rollback(ctx context.Context, execution *dbclient.DeploymentExecution, cause error) {
	if ok, err := e.store.UpdateExecutionStatus(ctx, execution.ExecutionId,
		execution.Status, dbclient.ExecutionRollingBack, cause.Error()); err != nil || !ok {
		klog.ErrorS(err, "failed to move execution to RollingBack", "execution", execution.ExecutionId)
		return
	}
	execution.Status = dbclient.ExecutionRollingBack
	e.sink.Record(ctx, e.event(audit.RollbackStarted, execution, cause.Error()))
	klog.Warningf("execution %s rolling back: %v", execution.ExecutionId, cause)

	// Rollback gets its own budget; the execution deadline may already be
	// spent and a half-rolled fleet is the worst outcome.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commonconfig.GetExecutionDeadline())
	defer cancel()

	err := e.runRollback(ctx, execution)
	if err != nil {
		e.finish(ctx, execution, dbclient.ExecutionRolledBackWithErrors,
			fmt.Sprintf("rollback after %q left errors: %v", cause.Error(), err))
		return
	}
	// A cancelled execution concludes as Cancelled once its nodes are
	// restored; everything else concludes as RolledBack.
	if commonerrors.IsCancelled(cause) {
		e.finish(ctx, execution, dbclient.ExecutionCancelled,
			fmt.Sprintf("cancelled, applied nodes restored: %v", cause))
		return
	}
	e.finish(ctx, execution, dbclient.ExecutionRolledBack,
		fmt.Sprintf("rolled back after: %v", cause))
}

func (e *Executor) runRollback(ctx context.Context, execution *dbclient.DeploymentExecution) error {
	artifact, err := e.artifactOf(execution)
	if err != nil {
		return err
	}
	env, err := cluster.ParseEnvironment(execution.Environment)
	if err != nil {
		return err
	}
	nodes, err := e.registry.Nodes(ctx, env)
	if err != nil {
		return err
	}
	previous, err := e.previousState(ctx, execution, env)
	if err != nil {
		return err
	}

	stages, err := e.loadStages(ctx, execution.ExecutionId)
	if err != nil {
		return err
	}
	var checkpoint strategy.Checkpoint
	if stage, ok := stages[StageDeploy]; ok && stage.Checkpoint.Valid {
		if err = json.Unmarshal([]byte(stage.Checkpoint.String), &checkpoint); err != nil {
			klog.ErrorS(err, "malformed deploy checkpoint during rollback")
		}
	}

	impl, err := strategy.New(execution.Strategy, strategy.Deps{
		Registry: e.registry,
		Agent:    e.agent,
		Store:    e.store,
		Sink:     e.sink,
	})
	if err != nil {
		return err
	}
	return impl.Rollback(ctx, &strategy.Request{
		Execution:   execution,
		Artifact:    artifact,
		Environment: env,
		Targets:     nodes,
		Previous:    previous,
		Checkpoint:  checkpoint,
	})
}

// previousState returns the node->version map from before this execution,
// capturing and persisting it on first use.
func (e *Executor) previousState(ctx context.Context, execution *dbclient.DeploymentExecution, env cluster.Environment) (map[string]string, error) {
	if execution.PreviousState.Valid && execution.PreviousState.String != "" {
		previous := map[string]string{}
		if err := json.Unmarshal([]byte(execution.PreviousState.String), &previous); err == nil {
			return previous, nil
		}
		klog.ErrorS(nil, "malformed previous state, re-capturing", "execution", execution.ExecutionId)
	}
	previous, err := e.registry.SnapshotVersions(ctx, env, execution.ModuleName)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(previous)
	if err != nil {
		return nil, err
	}
	if err = e.store.SetExecutionPreviousState(ctx, execution.ExecutionId, string(data)); err != nil {
		return nil, err
	}
	execution.PreviousState = dbutils.NullString(string(data))
	return previous, nil
}

// ensureStatus moves the execution to want, tolerating resumes where the
// status is already there.
func (e *Executor) ensureStatus(ctx context.Context, execution *dbclient.DeploymentExecution, want string) error {
	if want == "" || execution.Status == want {
		return nil
	}
	if err := ValidateTransition(execution.Status, want); err != nil {
		return err
	}
	ok, err := e.store.UpdateExecutionStatus(ctx, execution.ExecutionId, execution.Status, want, "")
	if err != nil {
		return err
	}
	if !ok {
		return e.reloadAndBail(ctx, execution)
	}
	execution.Status = want
	return nil
}

// bailIfCancelled stops the pipeline when the execution was cancelled
// between stages. A status already Cancelled means the facade concluded the
// execution before any node was touched; a pending cancel request surfaces
// as an error so failOrRollback reverses applied nodes where necessary.
func (e *Executor) bailIfCancelled(ctx context.Context, execution *dbclient.DeploymentExecution) (bool, error) {
	reloaded, err := e.store.GetDeploymentExecution(ctx, execution.ExecutionId)
	if err != nil {
		return false, err
	}
	execution.Status = reloaded.Status
	execution.CancelRequested = reloaded.CancelRequested
	if reloaded.Status == dbclient.ExecutionCancelled {
		klog.Infof("execution %s was cancelled, stopping pipeline", execution.ExecutionId)
		return true, nil
	}
	if reloaded.CancelRequested {
		return false, commonerrors.NewCancelled(fmt.Sprintf(
			"execution %s was cancelled", execution.ExecutionId))
	}
	return false, nil
}

func (e *Executor) reloadAndBail(ctx context.Context, execution *dbclient.DeploymentExecution) error {
	reloaded, err := e.store.GetDeploymentExecution(ctx, execution.ExecutionId)
	if err != nil {
		return err
	}
	execution.Status = reloaded.Status
	return commonerrors.NewConflict(fmt.Sprintf(
		"execution %s moved to %s concurrently", execution.ExecutionId, reloaded.Status))
}

// finish records the terminal status with audit and notification fan-out.
func (e *Executor) finish(ctx context.Context, execution *dbclient.DeploymentExecution, status, message string) {
	if err := e.store.FinishExecution(ctx, execution.ExecutionId, status, message); err != nil {
		klog.ErrorS(err, "failed to finish execution", "execution", execution.ExecutionId, "status", status)
		return
	}
	execution.Status = status
	execution.Message = dbutils.NullString(message)

	fields := map[string]string{}
	if execution.StartedAt.Valid {
		fields["durationSeconds"] = audit.DurationSeconds(time.Since(execution.StartedAt.Time))
	}
	event := e.event(audit.DeploymentTerminal, execution, message)
	event.Fields = fields
	e.sink.Record(ctx, event)
	e.notifier.DeploymentTerminal(ctx, execution)
	klog.Infof("execution %s finished as %s: %s", execution.ExecutionId, status, message)
}

func (e *Executor) event(eventType string, execution *dbclient.DeploymentExecution, message string) *audit.Event {
	return &audit.Event{
		Type:        eventType,
		ExecutionId: execution.ExecutionId,
		ModuleName:  execution.ModuleName,
		Version:     execution.Version,
		Environment: execution.Environment,
		Strategy:    execution.Strategy,
		Status:      execution.Status,
		Message:     message,
	}
}

func (e *Executor) artifactOf(execution *dbclient.DeploymentExecution) (module.Artifact, error) {
	identity, err := module.NewIdentity(execution.ModuleName, execution.Version)
	if err != nil {
		return module.Artifact{}, err
	}
	return module.Artifact{
		Identity:  identity,
		Ref:       execution.ArtifactRef,
		Digest:    dbutils.ParseNullString(execution.Digest),
		Signature: dbutils.ParseNullString(execution.Signature),
	}, nil
}

func (e *Executor) remainingDeadline(execution *dbclient.DeploymentExecution) time.Duration {
	budget := commonconfig.GetExecutionDeadline()
	start := time.Now()
	if execution.StartedAt.Valid {
		start = execution.StartedAt.Time
	} else if execution.CreatedAt.Valid {
		start = execution.CreatedAt.Time
	}
	return budget - time.Since(start)
}

func (e *Executor) loadStages(ctx context.Context, executionId string) (map[string]*dbclient.DeploymentStage, error) {
	rows, err := e.store.ListDeploymentStages(ctx, executionId)
	if err != nil {
		return nil, err
	}
	stages := make(map[string]*dbclient.DeploymentStage, len(rows))
	for _, row := range rows {
		stages[row.Name] = row
	}
	return stages, nil
}
