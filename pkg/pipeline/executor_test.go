/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscore/rollout/pkg/approval"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/nodeclient"
	"github.com/opscore/rollout/pkg/verify"
)

// fakeExecutionStore is an in-memory pipeline.Store.
type fakeExecutionStore struct {
	mu          sync.Mutex
	executions  map[string]*dbclient.DeploymentExecution
	stages      map[string]*dbclient.DeploymentStage // keyed executionId/name
	nodeResults []*dbclient.DeploymentNodeResult
	snapshots   []*dbclient.EnvironmentSnapshot
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{
		executions: map[string]*dbclient.DeploymentExecution{},
		stages:     map[string]*dbclient.DeploymentStage{},
	}
}

func stageKey(executionId, name string) string {
	return executionId + "/" + name
}

func (f *fakeExecutionStore) CreateDeploymentExecution(ctx context.Context, execution *dbclient.DeploymentExecution) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *execution
	f.executions[execution.ExecutionId] = &clone
	return int64(len(f.executions)), nil
}

func (f *fakeExecutionStore) CreateDeploymentExecutionTx(ctx context.Context, tx *sqlx.Tx, execution *dbclient.DeploymentExecution) (int64, error) {
	return f.CreateDeploymentExecution(ctx, execution)
}

func (f *fakeExecutionStore) GetDeploymentExecution(ctx context.Context, executionId string) (*dbclient.DeploymentExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution, ok := f.executions[executionId]
	if !ok {
		return nil, commonerrors.NewNotFound("DeploymentExecution", executionId)
	}
	clone := *execution
	return &clone, nil
}

func (f *fakeExecutionStore) ListDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*dbclient.DeploymentExecution, error) {
	return nil, nil
}

func (f *fakeExecutionStore) CountDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	return 0, nil
}

func (f *fakeExecutionStore) UpdateExecutionStatus(ctx context.Context, executionId, fromStatus, toStatus, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution, ok := f.executions[executionId]
	if !ok || execution.Status != fromStatus {
		return false, nil
	}
	execution.Status = toStatus
	if message != "" {
		execution.Message = dbutils.NullString(message)
	}
	if fromStatus == dbclient.ExecutionCreated {
		execution.StartedAt = dbutils.NullTime(time.Now().UTC())
	}
	return true, nil
}

func (f *fakeExecutionStore) FinishExecution(ctx context.Context, executionId, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution, ok := f.executions[executionId]
	if !ok {
		return commonerrors.NewNotFound("DeploymentExecution", executionId)
	}
	execution.Status = status
	execution.Message = dbutils.NullString(message)
	execution.EndedAt = dbutils.NullTime(time.Now().UTC())
	return nil
}

func (f *fakeExecutionStore) SetExecutionPreviousState(ctx context.Context, executionId, previousState string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if execution, ok := f.executions[executionId]; ok {
		execution.PreviousState = dbutils.NullString(previousState)
	}
	return nil
}

func (f *fakeExecutionStore) SetExecutionRollbackFrom(ctx context.Context, executionId, sourceId string) error {
	return nil
}

func (f *fakeExecutionStore) RequestExecutionCancel(ctx context.Context, executionId string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	execution, ok := f.executions[executionId]
	if !ok || dbclient.IsExecutionTerminal(execution.Status) {
		return false, nil
	}
	execution.CancelRequested = true
	return true, nil
}

func (f *fakeExecutionStore) UpsertDeploymentStage(ctx context.Context, stage *dbclient.DeploymentStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *stage
	f.stages[stageKey(stage.ExecutionId, stage.Name)] = &clone
	return nil
}

func (f *fakeExecutionStore) ListDeploymentStages(ctx context.Context, executionId string) ([]*dbclient.DeploymentStage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*dbclient.DeploymentStage
	for key, stage := range f.stages {
		if strings.HasPrefix(key, executionId+"/") {
			clone := *stage
			list = append(list, &clone)
		}
	}
	return list, nil
}

func (f *fakeExecutionStore) CreateDeploymentNodeResult(ctx context.Context, result *dbclient.DeploymentNodeResult) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *result
	f.nodeResults = append(f.nodeResults, &clone)
	return int64(len(f.nodeResults)), nil
}

func (f *fakeExecutionStore) ListDeploymentNodeResults(ctx context.Context, executionId string) ([]*dbclient.DeploymentNodeResult, error) {
	return nil, nil
}

func (f *fakeExecutionStore) CreateEnvironmentSnapshot(ctx context.Context, snapshot *dbclient.EnvironmentSnapshot) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *snapshot
	f.snapshots = append(f.snapshots, &clone)
	return int64(len(f.snapshots)), nil
}

func (f *fakeExecutionStore) stage(executionId, name string) *dbclient.DeploymentStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stages[stageKey(executionId, name)]
}

// fakeClusterStore backs the node registry.
type fakeClusterStore struct {
	mu    sync.Mutex
	nodes map[string]*dbclient.ClusterNode
	pools map[string]string
}

func newFakeClusterStore() *fakeClusterStore {
	return &fakeClusterStore{nodes: map[string]*dbclient.ClusterNode{}, pools: map[string]string{}}
}

func (f *fakeClusterStore) UpsertClusterNode(ctx context.Context, node *dbclient.ClusterNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *node
	f.nodes[node.NodeId] = &clone
	return nil
}

func (f *fakeClusterStore) GetClusterNode(ctx context.Context, nodeId string) (*dbclient.ClusterNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeId]
	if !ok {
		return nil, commonerrors.NewNotFound("Node", nodeId)
	}
	clone := *node
	return &clone, nil
}

func (f *fakeClusterStore) ListClusterNodes(ctx context.Context, environment string) ([]*dbclient.ClusterNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*dbclient.ClusterNode
	for _, node := range f.nodes {
		if environment == "" || node.Environment == environment {
			clone := *node
			list = append(list, &clone)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].NodeId < list[j].NodeId })
	return list, nil
}

func (f *fakeClusterStore) UpdateNodeHealth(ctx context.Context, nodeId, health string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node, ok := f.nodes[nodeId]; ok {
		node.Health = health
	}
	return nil
}

func (f *fakeClusterStore) UpdateNodeVersions(ctx context.Context, nodeId, versions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node, ok := f.nodes[nodeId]; ok {
		node.Versions = dbutils.NullString(versions)
	}
	return nil
}

func (f *fakeClusterStore) GetActivePool(ctx context.Context, environment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[environment], nil
}

func (f *fakeClusterStore) SetActivePool(ctx context.Context, environment, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[environment] = pool
	return nil
}

func (f *fakeClusterStore) CreateEnvironmentSnapshot(ctx context.Context, snapshot *dbclient.EnvironmentSnapshot) (int64, error) {
	return 0, nil
}

func (f *fakeClusterStore) ListEnvironmentSnapshots(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*dbclient.EnvironmentSnapshot, error) {
	return nil, nil
}

func (f *fakeClusterStore) seed(environment string, version string, nodeIds ...string) {
	for _, id := range nodeIds {
		node := &dbclient.ClusterNode{
			NodeId:      id,
			Hostname:    id + ".internal",
			Environment: environment,
			Health:      cluster.HealthHealthy,
		}
		if version != "" {
			node.Versions = dbutils.NullString(fmt.Sprintf(`{"payment-service":%q}`, version))
		}
		f.nodes[id] = node
	}
}

// fakeAgent simulates the node agent.
type fakeAgent struct {
	mu            sync.Mutex
	deployed      map[string]string // nodeId -> version
	rolledBack    map[string]string // nodeId -> restored version
	executionIds  map[string]string // nodeId -> executionId of the last call
	deployErr     map[string]error
	deployDelay   map[string]time.Duration
	unhealthy     map[string]bool
	degraded      map[string]bool
	deployCalls   int
	rollbackCalls int
	healthCalls   int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		deployed:     map[string]string{},
		rolledBack:   map[string]string{},
		executionIds: map[string]string{},
		deployErr:    map[string]error{},
		deployDelay:  map[string]time.Duration{},
		unhealthy:    map[string]bool{},
		degraded:     map[string]bool{},
	}
}

func (f *fakeAgent) Deploy(ctx context.Context, node *cluster.Node, executionId string, artifact module.Artifact) error {
	f.mu.Lock()
	f.deployCalls++
	f.executionIds[node.NodeId] = executionId
	delay := f.deployDelay[node.NodeId]
	err := f.deployErr[node.NodeId]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.deployed[node.NodeId] = artifact.Version.String()
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) Rollback(ctx context.Context, node *cluster.Node, executionId, moduleName, toVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbackCalls++
	f.executionIds[node.NodeId] = executionId
	f.rolledBack[node.NodeId] = toVersion
	return nil
}

func (f *fakeAgent) HealthCheck(ctx context.Context, node *cluster.Node) (*nodeclient.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	status := nodeclient.StatusHealthy
	switch {
	case f.unhealthy[node.NodeId]:
		status = nodeclient.StatusUnhealthy
	case f.degraded[node.NodeId]:
		status = nodeclient.StatusDegraded
	}
	return &nodeclient.HealthStatus{Status: status}, nil
}

// fakeApprovalStore is the minimal approval persistence for gated tests.
type fakeApprovalStore struct {
	mu   sync.Mutex
	byId map[string]*dbclient.ApprovalRequest
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{byId: map[string]*dbclient.ApprovalRequest{}}
}

func (f *fakeApprovalStore) CreateApprovalRequest(ctx context.Context, req *dbclient.ApprovalRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byId {
		if existing.ExecutionId == req.ExecutionId {
			return 0, commonerrors.NewAlreadyExist("approval request already exists")
		}
	}
	clone := *req
	f.byId[req.ApprovalId] = &clone
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
	defer f.mu.Unlock()
	for _, req := range f.byId {
		if req.ExecutionId == executionId {
			clone := *req
			return &clone, nil
		}
	}
	return nil, commonerrors.NewNotFound("ApprovalRequest", executionId)
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
	return true, nil
}

func (f *fakeApprovalStore) ExpireOverdueApprovals(ctx context.Context) ([]*dbclient.ApprovalRequest, error) {
	return nil, nil
}

type executorFixture struct {
	store    *fakeExecutionStore
	clusters *fakeClusterStore
	agent    *fakeAgent
	executor *Executor
}

func newExecutorFixture(t *testing.T, approvals *approval.Service) *executorFixture {
	t.Helper()
	// One health sample keeps the stabilize stage from sleeping.
	commonconfig.SetValue("strategy.rolling.health_samples", 1)
	t.Cleanup(func() { commonconfig.SetValue("strategy.rolling.health_samples", 3) })

	store := newFakeExecutionStore()
	clusters := newFakeClusterStore()
	agent := newFakeAgent()
	executor := NewExecutor(store, cluster.NewRegistry(clusters), agent,
		verify.NewDigestVerifier(), approvals, nil, nil, nil)
	return &executorFixture{store: store, clusters: clusters, agent: agent, executor: executor}
}

func (fx *executorFixture) createExecution(t *testing.T, environment string) *dbclient.DeploymentExecution {
	t.Helper()
	execution := &dbclient.DeploymentExecution{
		ExecutionId: "deploy-test-1",
		ModuleName:  "payment-service",
		Version:     "1.2.3",
		Environment: environment,
		Strategy:    "direct",
		Status:      dbclient.ExecutionCreated,
		Requester:   "alice@corp",
		ArtifactRef: "oci://registry.internal/payment-service:1.2.3",
		Digest:      dbutils.NullString("sha256:" + strings.Repeat("ab", 32)),
		Signature:   dbutils.NullString("MEUCIQDx"),
		CreatedAt:   dbutils.NullTime(time.Now().UTC()),
	}
	_, err := fx.store.CreateDeploymentExecution(context.Background(), execution)
	require.NoError(t, err)
	return execution
}

func testJob(executionId string) *dbclient.Job {
	payload, _ := json.Marshal(JobPayload{ExecutionId: executionId})
	return &dbclient.Job{Id: 1, ExecutionId: executionId, Payload: payload, MaxRetries: 5}
}

func (fx *executorFixture) status(t *testing.T, executionId string) string {
	t.Helper()
	execution, err := fx.store.GetDeploymentExecution(context.Background(), executionId)
	require.NoError(t, err)
	return execution.Status
}

func TestHandleDirectDeployment(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b", "node-c")
	execution := fx.createExecution(t, "development")

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))

	// Every node got the new version and the registry recorded it.
	assert.Equal(t, map[string]string{"node-a": "1.2.3", "node-b": "1.2.3", "node-c": "1.2.3"}, fx.agent.deployed)
	// Each deploy carried the execution ID so agents can deduplicate retries.
	for node, id := range fx.agent.executionIds {
		assert.Equal(t, execution.ExecutionId, id, node)
	}
	node, err := fx.clusters.GetClusterNode(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Contains(t, node.Versions.String, "1.2.3")

	// Pre-deployment state was captured for rollback.
	stored, err := fx.store.GetDeploymentExecution(context.Background(), execution.ExecutionId)
	require.NoError(t, err)
	assert.Contains(t, stored.PreviousState.String, "1.2.2")

	// All stages concluded and the final snapshot was taken.
	for _, name := range []string{StageValidate, StageVerify, StagePreflight, StageDeploy, StageStabilize, StageCommit} {
		stage := fx.store.stage(execution.ExecutionId, name)
		require.NotNil(t, stage, name)
		assert.Equal(t, dbclient.StageSucceeded, stage.Status, name)
	}
	require.Len(t, fx.store.snapshots, 1)
	assert.Contains(t, fx.store.snapshots[0].Versions, "1.2.3")
}

func TestHandleNoOpDeployment(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.3", "node-a", "node-b")
	execution := fx.createExecution(t, "development")

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))
	assert.Zero(t, fx.agent.deployCalls)
}

func TestHandleForceRedeploy(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.3", "node-a", "node-b")
	execution := fx.createExecution(t, "development")
	fx.store.executions[execution.ExecutionId].ForceRedeploy = true

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))
	assert.Equal(t, 2, len(fx.agent.deployed))
}

func TestHandlePreflightFailure(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b", "node-c")
	fx.agent.unhealthy["node-a"] = true
	fx.agent.unhealthy["node-b"] = true
	execution := fx.createExecution(t, "development")

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionFailed, fx.status(t, execution.ExecutionId))
	assert.Zero(t, fx.agent.deployCalls)

	stage := fx.store.stage(execution.ExecutionId, StagePreflight)
	require.NotNil(t, stage)
	assert.Equal(t, dbclient.StageFailed, stage.Status)
}

func TestHandleDeployFailureRollsBack(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b", "node-c")
	fx.agent.deployErr["node-c"] = commonerrors.NewNodePermanent("node-c returned 400: bad artifact")
	fx.agent.deployDelay["node-c"] = 100 * time.Millisecond
	execution := fx.createExecution(t, "development")

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionRolledBack, fx.status(t, execution.ExecutionId))

	// The applied nodes were restored to the previous version, and the
	// rollback calls carried the same execution ID as the deploys.
	assert.Equal(t, map[string]string{"node-a": "1.2.2", "node-b": "1.2.2"}, fx.agent.rolledBack)
	assert.Equal(t, execution.ExecutionId, fx.agent.executionIds["node-a"])
}

func TestHandlePreflightCountsDegradedAsUnready(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b", "node-c")
	fx.agent.degraded["node-a"] = true
	fx.agent.degraded["node-b"] = true
	execution := fx.createExecution(t, "development")

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionFailed, fx.status(t, execution.ExecutionId))
	assert.Zero(t, fx.agent.deployCalls)

	// Degraded nodes were written back to the registry as degraded, not down.
	node, err := fx.clusters.GetClusterNode(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, cluster.HealthDegraded, node.Health)
}

func TestHandleRetryableErrorPropagates(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a")
	fx.agent.deployErr["node-a"] = commonerrors.NewNodeTransient("node-a unreachable")
	execution := fx.createExecution(t, "development")

	err := fx.executor.Handle(context.Background(), testJob(execution.ExecutionId))
	require.Error(t, err)
	assert.True(t, commonerrors.IsRetryable(err))
	// The execution stays in flight; the requeued job resumes it.
	assert.Equal(t, dbclient.ExecutionDeploying, fx.status(t, execution.ExecutionId))

	// The final attempt stops retrying and rolls back instead.
	job := testJob(execution.ExecutionId)
	job.RetryCount = job.MaxRetries
	require.NoError(t, fx.executor.Handle(context.Background(), job))
	assert.Equal(t, dbclient.ExecutionRolledBack, fx.status(t, execution.ExecutionId))
}

func TestHandleSkipsTerminalExecution(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	execution := fx.createExecution(t, "development")
	require.NoError(t, fx.store.FinishExecution(context.Background(),
		execution.ExecutionId, dbclient.ExecutionSucceeded, "done"))

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Zero(t, fx.agent.deployCalls)
	assert.Zero(t, fx.agent.healthCalls)
}

func TestHandleResumesFromCheckpoint(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b")
	execution := fx.createExecution(t, "development")

	// A previous attempt got through verification before the worker died.
	fx.store.executions[execution.ExecutionId].Status = dbclient.ExecutionVerifying
	for _, name := range []string{StageValidate, StageVerify, StagePreflight} {
		require.NoError(t, fx.store.UpsertDeploymentStage(context.Background(), &dbclient.DeploymentStage{
			ExecutionId: execution.ExecutionId,
			Name:        name,
			Status:      dbclient.StageSucceeded,
		}))
	}

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))
	// Preflight was not repeated: health was only sampled by stabilize.
	assert.Equal(t, 2, fx.agent.healthCalls)
	assert.Len(t, fx.agent.deployed, 2)
}

func TestHandleApprovedDeployment(t *testing.T) {
	commonconfig.SetValue("env.staging.approvers", "bob@corp")
	defer commonconfig.SetValue("env.staging.approvers", "")

	approvals := approval.NewService(newFakeApprovalStore(), nil, nil)
	fx := newExecutorFixture(t, approvals)
	fx.clusters.seed("staging", "1.2.2", "node-a", "node-b")
	execution := fx.createExecution(t, "staging")

	// The decision already landed before the gate is reached.
	req, err := approvals.Create(context.Background(), execution, []string{"bob@corp"})
	require.NoError(t, err)
	_, err = approvals.Approve(context.Background(), req.ApprovalId, "bob@corp", "lgtm")
	require.NoError(t, err)

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))
	assert.Len(t, fx.agent.deployed, 2)
}

func TestHandleApprovalDecisionWakesGate(t *testing.T) {
	commonconfig.SetValue("env.staging.approvers", "bob@corp")
	defer commonconfig.SetValue("env.staging.approvers", "")

	approvals := approval.NewService(newFakeApprovalStore(), nil, nil)
	fx := newExecutorFixture(t, approvals)
	fx.clusters.seed("staging", "1.2.2", "node-a")
	execution := fx.createExecution(t, "staging")

	done := make(chan error, 1)
	go func() {
		done <- fx.executor.Handle(context.Background(), testJob(execution.ExecutionId))
	}()

	// The gate opens the request itself; approve it once it shows up. The
	// decision must unblock the pipeline well inside the poll interval.
	require.Eventually(t, func() bool {
		req, err := approvals.GetByExecution(context.Background(), execution.ExecutionId)
		if err != nil {
			return false
		}
		_, err = approvals.Approve(context.Background(), req.ApprovalId, "bob@corp", "lgtm")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not wake on the approval decision")
	}
	assert.Equal(t, dbclient.ExecutionSucceeded, fx.status(t, execution.ExecutionId))
}

func TestHandleRejectedDeployment(t *testing.T) {
	commonconfig.SetValue("env.staging.approvers", "bob@corp")
	defer commonconfig.SetValue("env.staging.approvers", "")

	approvals := approval.NewService(newFakeApprovalStore(), nil, nil)
	fx := newExecutorFixture(t, approvals)
	fx.clusters.seed("staging", "1.2.2", "node-a", "node-b")
	execution := fx.createExecution(t, "staging")

	req, err := approvals.Create(context.Background(), execution, []string{"bob@corp"})
	require.NoError(t, err)
	_, err = approvals.Reject(context.Background(), req.ApprovalId, "bob@corp", "not this week")
	require.NoError(t, err)

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionRejectedApproval, fx.status(t, execution.ExecutionId))
	assert.Zero(t, fx.agent.deployCalls)
}

func TestHandleCancelledBetweenStages(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a")
	execution := fx.createExecution(t, "development")
	require.NoError(t, fx.store.FinishExecution(context.Background(),
		execution.ExecutionId, dbclient.ExecutionCancelled, "cancelled by alice@corp"))

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionCancelled, fx.status(t, execution.ExecutionId))
	assert.Zero(t, fx.agent.deployCalls)
}

func TestHandleCancelRequestedMidDeployRollsBack(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	fx.clusters.seed("development", "1.2.2", "node-a", "node-b")
	fx.agent.deployErr["node-b"] = commonerrors.NewNodeTransient("node-b unreachable")
	execution := fx.createExecution(t, "development")

	// First attempt applies node-a, fails transiently on node-b and leaves
	// the execution mid-deploy for the requeued job.
	err := fx.executor.Handle(context.Background(), testJob(execution.ExecutionId))
	require.Error(t, err)
	assert.Equal(t, dbclient.ExecutionDeploying, fx.status(t, execution.ExecutionId))

	// The operator gives up on the flaky node and cancels instead.
	flagged, err := fx.store.RequestExecutionCancel(context.Background(), execution.ExecutionId)
	require.NoError(t, err)
	require.True(t, flagged)

	require.NoError(t, fx.executor.Handle(context.Background(), testJob(execution.ExecutionId)))
	assert.Equal(t, dbclient.ExecutionCancelled, fx.status(t, execution.ExecutionId))
	// The applied node was restored before the execution concluded.
	assert.Equal(t, map[string]string{"node-a": "1.2.2"}, fx.agent.rolledBack)
}

func TestHandleMalformedPayload(t *testing.T) {
	fx := newExecutorFixture(t, nil)
	err := fx.executor.Handle(context.Background(), &dbclient.Job{Payload: []byte("{")})
	require.Error(t, err)
	assert.True(t, commonerrors.IsBadRequest(err))
}
