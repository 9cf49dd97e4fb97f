/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package nodeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscore/rollout/pkg/cluster"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
)

func testArtifact(t *testing.T) module.Artifact {
	t.Helper()
	identity, err := module.NewIdentity("payment-service", "1.2.3")
	require.NoError(t, err)
	return module.Artifact{
		Identity:  identity,
		Ref:       "oci://registry.internal/payment-service:1.2.3",
		Digest:    "sha256:" + strings.Repeat("ab", 32),
		Signature: "MEUCIQDx",
	}
}

func newAgentServer(t *testing.T, handler http.HandlerFunc) (*httpClient, *cluster.Node) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	node := &cluster.Node{
		NodeId:   "node-a",
		Hostname: strings.TrimPrefix(server.URL, "https://"),
	}
	return &httpClient{Client: server.Client()}, node
}

func TestDeployCarriesExecutionId(t *testing.T) {
	var body map[string]interface{}
	var path string
	client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	err := client.Deploy(context.Background(), node, "deploy-1", testArtifact(t))
	require.NoError(t, err)

	assert.Equal(t, "/v1/modules/payment-service/deploy", path)
	assert.Equal(t, "deploy-1", body["executionId"])
	assert.Equal(t, "payment-service", body["moduleName"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "sha256:"+strings.Repeat("ab", 32), body["artifactDigest"])
	assert.Equal(t, "MEUCIQDx", body["signature"])
}

func TestRollbackCarriesExecutionId(t *testing.T) {
	var body map[string]interface{}
	var path string
	client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	err := client.Rollback(context.Background(), node, "deploy-1", "payment-service", "1.2.2")
	require.NoError(t, err)

	assert.Equal(t, "/v1/modules/payment-service/rollback", path)
	assert.Equal(t, map[string]interface{}{
		"executionId": "deploy-1",
		"moduleName":  "payment-service",
		"toVersion":   "1.2.2",
	}, body)
}

func TestDeployRetriesTransientFaults(t *testing.T) {
	var calls int32
	client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := client.Deploy(context.Background(), node, "deploy-1", testArtifact(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDeployPermanentFaultDoesNotRetry(t *testing.T) {
	var calls int32
	client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad artifact"}`))
	})

	err := client.Deploy(context.Background(), node, "deploy-1", testArtifact(t))
	require.Error(t, err)
	assert.True(t, commonerrors.IsNodePermanent(err))
	assert.Contains(t, err.Error(), "bad artifact")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHealthCheckStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		payload    string
		want       string
		healthy    bool
		nodeHealth string
	}{
		{
			name: "healthy", statusCode: http.StatusOK,
			payload: `{"status":"Healthy","errorRate":0.1,"latencyMs":42}`,
			want:    StatusHealthy, healthy: true, nodeHealth: cluster.HealthHealthy,
		},
		{
			name: "degraded counts against gates", statusCode: http.StatusOK,
			payload: `{"status":"Degraded","errorRate":7.5}`,
			want:    StatusDegraded, healthy: false, nodeHealth: cluster.HealthDegraded,
		},
		{
			name: "non-200 is unhealthy", statusCode: http.StatusServiceUnavailable,
			payload: ``,
			want:    StatusUnhealthy, healthy: false, nodeHealth: cluster.HealthUnhealthy,
		},
		{
			name: "missing status is unknown", statusCode: http.StatusOK,
			payload: `{"errorRate":0}`,
			want:    StatusUnknown, healthy: false, nodeHealth: cluster.HealthUnknown,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.statusCode)
				_, _ = w.Write([]byte(c.payload))
			})
			status, err := client.HealthCheck(context.Background(), node)
			require.NoError(t, err)
			assert.Equal(t, c.want, status.Status)
			assert.Equal(t, c.healthy, status.Healthy())
			assert.Equal(t, c.nodeHealth, status.NodeHealth())
		})
	}
}

func TestHealthCheckUnreachableNodeIsUnknown(t *testing.T) {
	client, node := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {})
	node.Hostname = "127.0.0.1:1"

	status, err := client.HealthCheck(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status.Status)
	assert.False(t, status.Healthy())
}
