/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscore/rollout/pkg/audit"
	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/nodeclient"
)

// fakeNodeStore backs the registry for strategy tests.
type fakeNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*dbclient.ClusterNode
	pools map[string]string
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: map[string]*dbclient.ClusterNode{}, pools: map[string]string{}}
}

func (f *fakeNodeStore) UpsertClusterNode(ctx context.Context, node *dbclient.ClusterNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *node
	f.nodes[node.NodeId] = &clone
	return nil
}

func (f *fakeNodeStore) GetClusterNode(ctx context.Context, nodeId string) (*dbclient.ClusterNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeId]
	if !ok {
		return nil, commonerrors.NewNotFound("Node", nodeId)
	}
	clone := *node
	return &clone, nil
}

func (f *fakeNodeStore) ListClusterNodes(ctx context.Context, environment string) ([]*dbclient.ClusterNode, error) {
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

func (f *fakeNodeStore) UpdateNodeHealth(ctx context.Context, nodeId, health string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node, ok := f.nodes[nodeId]; ok {
		node.Health = health
	}
	return nil
}

func (f *fakeNodeStore) UpdateNodeVersions(ctx context.Context, nodeId, versions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node, ok := f.nodes[nodeId]; ok {
		node.Versions = dbutils.NullString(versions)
	}
	return nil
}

func (f *fakeNodeStore) GetActivePool(ctx context.Context, environment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[environment], nil
}

func (f *fakeNodeStore) SetActivePool(ctx context.Context, environment, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[environment] = pool
	return nil
}

func (f *fakeNodeStore) CreateEnvironmentSnapshot(ctx context.Context, snapshot *dbclient.EnvironmentSnapshot) (int64, error) {
	return 0, nil
}

func (f *fakeNodeStore) ListEnvironmentSnapshots(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*dbclient.EnvironmentSnapshot, error) {
	return nil, nil
}

func (f *fakeNodeStore) seed(environment, pool, version string, nodeIds ...string) {
	for _, id := range nodeIds {
		node := &dbclient.ClusterNode{
			NodeId:      id,
			Hostname:    id + ".internal",
			Environment: environment,
			Pool:        dbutils.NullString(pool),
			Health:      cluster.HealthHealthy,
		}
		if version != "" {
			data, _ := json.Marshal(map[string]string{"payment-service": version})
			node.Versions = dbutils.NullString(string(data))
		}
		f.nodes[id] = node
	}
}

// fakeResultStore records node results; everything else is inert.
type fakeResultStore struct {
	mu      sync.Mutex
	results []*dbclient.DeploymentNodeResult
}

func (f *fakeResultStore) CreateDeploymentNodeResult(ctx context.Context, result *dbclient.DeploymentNodeResult) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *result
	f.results = append(f.results, &clone)
	return int64(len(f.results)), nil
}

func (f *fakeResultStore) CreateDeploymentExecution(ctx context.Context, execution *dbclient.DeploymentExecution) (int64, error) {
	return 0, nil
}

func (f *fakeResultStore) CreateDeploymentExecutionTx(ctx context.Context, tx *sqlx.Tx, execution *dbclient.DeploymentExecution) (int64, error) {
	return 0, nil
}

func (f *fakeResultStore) GetDeploymentExecution(ctx context.Context, executionId string) (*dbclient.DeploymentExecution, error) {
	return nil, commonerrors.NewNotFound("DeploymentExecution", executionId)
}

func (f *fakeResultStore) ListDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*dbclient.DeploymentExecution, error) {
	return nil, nil
}

func (f *fakeResultStore) CountDeploymentExecutions(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	return 0, nil
}

func (f *fakeResultStore) UpdateExecutionStatus(ctx context.Context, executionId, fromStatus, toStatus, message string) (bool, error) {
	return true, nil
}

func (f *fakeResultStore) FinishExecution(ctx context.Context, executionId, status, message string) error {
	return nil
}

func (f *fakeResultStore) SetExecutionPreviousState(ctx context.Context, executionId, previousState string) error {
	return nil
}

func (f *fakeResultStore) SetExecutionRollbackFrom(ctx context.Context, executionId, sourceId string) error {
	return nil
}

func (f *fakeResultStore) RequestExecutionCancel(ctx context.Context, executionId string) (bool, error) {
	return false, nil
}

func (f *fakeResultStore) UpsertDeploymentStage(ctx context.Context, stage *dbclient.DeploymentStage) error {
	return nil
}

func (f *fakeResultStore) ListDeploymentStages(ctx context.Context, executionId string) ([]*dbclient.DeploymentStage, error) {
	return nil, nil
}

func (f *fakeResultStore) ListDeploymentNodeResults(ctx context.Context, executionId string) ([]*dbclient.DeploymentNodeResult, error) {
	return nil, nil
}

// fakeDeployAgent records the order of agent calls.
type fakeDeployAgent struct {
	mu           sync.Mutex
	deployOrder  []string
	restoreOrder []string
	deployed     map[string]string
	rolledBack   map[string]string
	executionIds map[string]string
	deployErr    map[string]error
	unhealthy    map[string]bool
}

func newFakeDeployAgent() *fakeDeployAgent {
	return &fakeDeployAgent{
		deployed:     map[string]string{},
		rolledBack:   map[string]string{},
		executionIds: map[string]string{},
		deployErr:    map[string]error{},
		unhealthy:    map[string]bool{},
	}
}

func (f *fakeDeployAgent) Deploy(ctx context.Context, node *cluster.Node, executionId string, artifact module.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executionIds[node.NodeId] = executionId
	if err := f.deployErr[node.NodeId]; err != nil {
		return err
	}
	f.deployOrder = append(f.deployOrder, node.NodeId)
	f.deployed[node.NodeId] = artifact.Version.String()
	return nil
}

func (f *fakeDeployAgent) Rollback(ctx context.Context, node *cluster.Node, executionId, moduleName, toVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executionIds[node.NodeId] = executionId
	f.restoreOrder = append(f.restoreOrder, node.NodeId)
	f.rolledBack[node.NodeId] = toVersion
	return nil
}

func (f *fakeDeployAgent) HealthCheck(ctx context.Context, node *cluster.Node) (*nodeclient.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[node.NodeId] {
		return &nodeclient.HealthStatus{Status: nodeclient.StatusUnhealthy}, nil
	}
	return &nodeclient.HealthStatus{Status: nodeclient.StatusHealthy}, nil
}

// capturingSink keeps the recorded events for assertions.
type capturingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *capturingSink) Record(_ context.Context, event *audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *event
	c.events = append(c.events, &clone)
}

func (c *capturingSink) typed(eventType string) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var list []*audit.Event
	for _, event := range c.events {
		if event.Type == eventType {
			list = append(list, event)
		}
	}
	return list
}

type strategyFixture struct {
	store *fakeNodeStore
	agent *fakeDeployAgent
	sink  *capturingSink
	deps  Deps
}

func newStrategyFixture(t *testing.T) *strategyFixture {
	t.Helper()
	// Collapse every observation window so tests never sleep.
	keys := map[string]interface{}{
		"strategy.rolling.stabilization_second":   0,
		"strategy.rolling.health_samples":         1,
		"strategy.rolling.sample_interval_second": 0,
		"strategy.bluegreen.smoke_second":         0,
		"strategy.bluegreen.hold_second":          0,
	}
	for key, value := range keys {
		commonconfig.SetValue(key, value)
	}
	t.Cleanup(func() {
		for key := range keys {
			commonconfig.SetValue(key, nil)
		}
	})

	store := newFakeNodeStore()
	agent := newFakeDeployAgent()
	sink := &capturingSink{}
	return &strategyFixture{
		store: store,
		agent: agent,
		sink:  sink,
		deps: Deps{
			Registry: cluster.NewRegistry(store),
			Agent:    agent,
			Store:    &fakeResultStore{},
			Sink:     sink,
		},
	}
}

func (fx *strategyFixture) request(t *testing.T, environment string) *Request {
	t.Helper()
	identity, err := module.NewIdentity("payment-service", "2.0.0")
	require.NoError(t, err)

	env := cluster.Environment(environment)
	targets, err := fx.deps.Registry.Nodes(context.Background(), env)
	require.NoError(t, err)

	previous := map[string]string{}
	for _, node := range targets {
		if version, ok := node.Versions["payment-service"]; ok {
			previous[node.NodeId] = version
		}
	}
	req := &Request{
		Execution:   &dbclient.DeploymentExecution{ExecutionId: "deploy-strategy-1", ModuleName: "payment-service"},
		Artifact:    module.Artifact{Identity: identity, Ref: "oci://registry.internal/payment-service:2.0.0"},
		Environment: env,
		Targets:     targets,
		Previous:    previous,
	}
	req.Save = func(ctx context.Context, cp Checkpoint) error { return nil }
	return req
}

// chunkOf returns the set of node IDs in one consecutive slice of the order.
func chunkOf(order []string, start, size int) map[string]bool {
	chunk := map[string]bool{}
	end := start + size
	if end > len(order) {
		end = len(order)
	}
	for _, id := range order[start:end] {
		chunk[id] = true
	}
	return chunk
}

func TestRollingBatchSequencing(t *testing.T) {
	commonconfig.SetValue("strategy.rolling.batch_size", 2)
	t.Cleanup(func() { commonconfig.SetValue("strategy.rolling.batch_size", nil) })

	fx := newStrategyFixture(t)
	fx.store.seed("staging", "", "1.0.0", "node-00", "node-01", "node-02", "node-03", "node-04", "node-05")
	req := fx.request(t, "staging")

	impl, err := New(Rolling, fx.deps)
	require.NoError(t, err)
	require.NoError(t, impl.Execute(context.Background(), req))

	// Batches complete strictly in order even though nodes inside one batch
	// run in parallel.
	require.Len(t, fx.agent.deployOrder, 6)
	assert.Equal(t, map[string]bool{"node-00": true, "node-01": true}, chunkOf(fx.agent.deployOrder, 0, 2))
	assert.Equal(t, map[string]bool{"node-02": true, "node-03": true}, chunkOf(fx.agent.deployOrder, 2, 2))
	assert.Equal(t, map[string]bool{"node-04": true, "node-05": true}, chunkOf(fx.agent.deployOrder, 4, 2))
	assert.Equal(t, 3, req.Checkpoint.Batch)
}

func TestRollingDerivesBatchSizeFromFleet(t *testing.T) {
	fx := newStrategyFixture(t)
	ids := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("node-%02d", i))
	}
	fx.store.seed("staging", "", "1.0.0", ids...)
	req := fx.request(t, "staging")

	impl, err := New(Rolling, fx.deps)
	require.NoError(t, err)
	require.NoError(t, impl.Execute(context.Background(), req))

	// Unconfigured batch size walks twelve nodes as ceil(12/5)=3 per batch,
	// so four batches in target order.
	require.Len(t, fx.agent.deployOrder, 12)
	for batch := 0; batch < 4; batch++ {
		want := map[string]bool{}
		for i := batch * 3; i < (batch+1)*3; i++ {
			want[fmt.Sprintf("node-%02d", i)] = true
		}
		assert.Equal(t, want, chunkOf(fx.agent.deployOrder, batch*3, 3), "batch %d", batch)
	}
	assert.Equal(t, 4, req.Checkpoint.Batch)
}

func TestRollingFailedBatchStopsAndRollsBackReverse(t *testing.T) {
	commonconfig.SetValue("strategy.rolling.batch_size", 2)
	t.Cleanup(func() { commonconfig.SetValue("strategy.rolling.batch_size", nil) })

	fx := newStrategyFixture(t)
	fx.store.seed("staging", "", "1.0.0", "node-00", "node-01", "node-02", "node-03", "node-04", "node-05")
	fx.agent.unhealthy["node-02"] = true
	req := fx.request(t, "staging")

	impl, err := New(Rolling, fx.deps)
	require.NoError(t, err)
	err = impl.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, commonerrors.IsPolicyViolation(err))

	// The third batch never started.
	assert.NotContains(t, fx.agent.deployed, "node-04")
	assert.NotContains(t, fx.agent.deployed, "node-05")

	// Rollback restores the applied nodes newest first.
	require.NoError(t, impl.Rollback(context.Background(), req))
	assert.Equal(t, []string{"node-03", "node-02", "node-01", "node-00"}, fx.agent.restoreOrder)
	assert.Equal(t, "1.0.0", fx.agent.rolledBack["node-02"])
}

func TestBlueGreenSwitchesToIdlePool(t *testing.T) {
	fx := newStrategyFixture(t)
	fx.store.seed("production", cluster.PoolBlue, "1.0.0", "blue-00", "blue-01")
	fx.store.seed("production", cluster.PoolGreen, "1.0.0", "green-00", "green-01")
	require.NoError(t, fx.store.SetActivePool(context.Background(), "production", cluster.PoolBlue))
	req := fx.request(t, "production")

	impl, err := New(BlueGreen, fx.deps)
	require.NoError(t, err)
	require.NoError(t, impl.Execute(context.Background(), req))

	// Only the idle pool was touched and traffic now points at it.
	assert.Equal(t, map[string]string{"green-00": "2.0.0", "green-01": "2.0.0"}, fx.agent.deployed)
	active, err := fx.store.GetActivePool(context.Background(), "production")
	require.NoError(t, err)
	assert.Equal(t, cluster.PoolGreen, active)
	assert.True(t, req.Checkpoint.Switched)

	events := fx.sink.typed(audit.PoolSwitched)
	require.Len(t, events, 1)
	assert.Equal(t, cluster.PoolGreen, events[0].Fields["pool"])
}

func TestBlueGreenSmokeFailureKeepsActivePool(t *testing.T) {
	fx := newStrategyFixture(t)
	fx.store.seed("production", cluster.PoolBlue, "1.0.0", "blue-00", "blue-01")
	fx.store.seed("production", cluster.PoolGreen, "1.0.0", "green-00", "green-01")
	require.NoError(t, fx.store.SetActivePool(context.Background(), "production", cluster.PoolBlue))
	fx.agent.unhealthy["green-01"] = true
	req := fx.request(t, "production")

	impl, err := New(BlueGreen, fx.deps)
	require.NoError(t, err)
	err = impl.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, commonerrors.IsPolicyViolation(err))

	// Traffic never moved; rollback restores the idle pool only.
	active, aErr := fx.store.GetActivePool(context.Background(), "production")
	require.NoError(t, aErr)
	assert.Equal(t, cluster.PoolBlue, active)

	require.NoError(t, impl.Rollback(context.Background(), req))
	assert.Equal(t, map[string]string{"green-00": "1.0.0", "green-01": "1.0.0"}, fx.agent.rolledBack)
	active, aErr = fx.store.GetActivePool(context.Background(), "production")
	require.NoError(t, aErr)
	assert.Equal(t, cluster.PoolBlue, active)
}

func TestBlueGreenRollbackAfterSwitchRestoresTraffic(t *testing.T) {
	fx := newStrategyFixture(t)
	fx.store.seed("production", cluster.PoolBlue, "1.0.0", "blue-00")
	fx.store.seed("production", cluster.PoolGreen, "1.0.0", "green-00")
	require.NoError(t, fx.store.SetActivePool(context.Background(), "production", cluster.PoolGreen))
	req := fx.request(t, "production")
	req.Checkpoint = Checkpoint{
		TargetPool:   cluster.PoolGreen,
		PoolDeployed: true,
		Switched:     true,
		Done:         map[string]bool{"green-00": true},
	}

	impl, err := New(BlueGreen, fx.deps)
	require.NoError(t, err)
	require.NoError(t, impl.Rollback(context.Background(), req))

	// Traffic went back to the previous pool and the touched pool was restored.
	active, err := fx.store.GetActivePool(context.Background(), "production")
	require.NoError(t, err)
	assert.Equal(t, cluster.PoolBlue, active)
	assert.Equal(t, map[string]string{"green-00": "1.0.0"}, fx.agent.rolledBack)
}

func TestDirectPartialFailureRollsBackOnlyApplied(t *testing.T) {
	fx := newStrategyFixture(t)
	fx.store.seed("development", "", "1.0.0", "node-00", "node-01", "node-02")
	fx.agent.deployErr["node-01"] = commonerrors.NewNodePermanent("node-01 returned 400: bad artifact")
	req := fx.request(t, "development")
	// node-02 has nothing deployed yet, so a rollback must leave it alone.
	delete(req.Previous, "node-02")

	impl, err := New(Direct, fx.deps)
	require.NoError(t, err)
	err = impl.Execute(context.Background(), req)
	require.Error(t, err)

	require.NoError(t, impl.Rollback(context.Background(), req))
	assert.NotContains(t, fx.agent.rolledBack, "node-01")
	assert.NotContains(t, fx.agent.rolledBack, "node-02")
	if _, applied := fx.agent.deployed["node-00"]; applied {
		assert.Equal(t, "1.0.0", fx.agent.rolledBack["node-00"])
	}
}
