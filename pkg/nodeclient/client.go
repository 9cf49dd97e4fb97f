/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package nodeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/opscore/rollout/pkg/cluster"
	commonconfig "github.com/opscore/rollout/pkg/config"
	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
	"github.com/opscore/rollout/pkg/trace"
)

// Interface talks to the agent running on every deployment target. Every
// mutating call carries the execution ID so the agent can deduplicate
// retried requests on (executionId, node).
type Interface interface {
	Deploy(ctx context.Context, node *cluster.Node, executionId string, artifact module.Artifact) error
	Rollback(ctx context.Context, node *cluster.Node, executionId, moduleName, toVersion string) error
	HealthCheck(ctx context.Context, node *cluster.Node) (*HealthStatus, error)
}

// Health states reported by the agent's health endpoint.
const (
	StatusHealthy   = "Healthy"
	StatusDegraded  = "Degraded"
	StatusUnhealthy = "Unhealthy"
	StatusUnknown   = "Unknown"
)

// HealthStatus is the agent's health report, sampled during stabilization
// and canary observation windows.
type HealthStatus struct {
	Status        string            `json:"status"`
	ErrorRate     float64           `json:"errorRate"`
	LatencyMs     float64           `json:"latencyMs"`
	Cpu           float64           `json:"cpu,omitempty"`
	Mem           float64           `json:"mem,omitempty"`
	LastHeartbeat string            `json:"lastHeartbeat,omitempty"`
	Versions      map[string]string `json:"versions,omitempty"`
}

// Healthy reports whether the node may count toward a health gate. Degraded
// and Unknown nodes do not.
func (s *HealthStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

// NodeHealth maps the agent's state onto the registry's health values.
func (s *HealthStatus) NodeHealth() string {
	switch s.Status {
	case StatusHealthy:
		return cluster.HealthHealthy
	case StatusDegraded:
		return cluster.HealthDegraded
	case StatusUnhealthy:
		return cluster.HealthUnhealthy
	default:
		return cluster.HealthUnknown
	}
}

type deployRequest struct {
	ExecutionId    string `json:"executionId"`
	ModuleName     string `json:"moduleName"`
	Version        string `json:"version"`
	Ref            string `json:"ref"`
	ArtifactDigest string `json:"artifactDigest"`
	Signature      string `json:"signature"`
}

type rollbackRequest struct {
	ExecutionId string `json:"executionId"`
	ModuleName  string `json:"moduleName"`
	ToVersion   string `json:"toVersion"`
}

type agentError struct {
	Message string `json:"message"`
}

type httpClient struct {
	*http.Client
}

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
	defaultMaxRetries   = 3
)

var (
	once     sync.Once
	instance *httpClient
)

// NewClient returns the shared agent client. The transport is created once
// and reused for every node.
func NewClient() Interface {
	once.Do(func() {
		instance = &httpClient{
			Client: &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{
						InsecureSkipVerify: true,
					},
					TLSHandshakeTimeout:   10 * time.Second,
					MaxIdleConns:          128,
					MaxConnsPerHost:       64,
					IdleConnTimeout:       1 * time.Minute,
					ExpectContinueTimeout: 10 * time.Second,
				},
			},
		}
	})
	return instance
}

// Deploy applies an artifact on one node. Transient faults are retried with
// exponential backoff inside the configured deploy timeout; the execution ID
// in the body lets the agent treat a retried apply as a duplicate instead of
// a second deployment. Permanent faults surface immediately.
func (c *httpClient) Deploy(ctx context.Context, node *cluster.Node, executionId string, artifact module.Artifact) error {
	body := deployRequest{
		ExecutionId:    executionId,
		ModuleName:     artifact.Name,
		Version:        artifact.Version.String(),
		Ref:            artifact.Ref,
		ArtifactDigest: artifact.Digest,
		Signature:      artifact.Signature,
	}
	url := fmt.Sprintf("https://%s/v1/modules/%s/deploy", node.Hostname, artifact.Name)
	return c.doWithRetry(ctx, node, http.MethodPost, url, body, commonconfig.GetNodeDeployTimeout())
}

// Rollback restores a previous module version on one node.
func (c *httpClient) Rollback(ctx context.Context, node *cluster.Node, executionId, moduleName, toVersion string) error {
	body := rollbackRequest{ExecutionId: executionId, ModuleName: moduleName, ToVersion: toVersion}
	url := fmt.Sprintf("https://%s/v1/modules/%s/rollback", node.Hostname, moduleName)
	return c.doWithRetry(ctx, node, http.MethodPost, url, body, commonconfig.GetNodeDeployTimeout())
}

// HealthCheck probes one node. A failed probe is reported as an Unknown
// status rather than an error so samplers can keep counting.
func (c *httpClient) HealthCheck(ctx context.Context, node *cluster.Node) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, commonconfig.GetNodeHealthTimeout())
	defer cancel()

	url := fmt.Sprintf("https://%s/health", node.Hostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	injectHeaders(ctx, req)

	rsp, err := c.Client.Do(req)
	if err != nil {
		klog.V(4).Infof("health probe of node %s failed: %v", node.NodeId, err)
		return &HealthStatus{Status: StatusUnknown}, nil
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return &HealthStatus{Status: StatusUnhealthy}, nil
	}
	var status HealthStatus
	if err = json.NewDecoder(rsp.Body).Decode(&status); err != nil {
		return &HealthStatus{Status: StatusUnknown}, nil
	}
	if status.Status == "" {
		status.Status = StatusUnknown
	}
	return &status, nil
}

func (c *httpClient) doWithRetry(ctx context.Context, node *cluster.Node, method, url string, body interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(defaultRetryInitial),
			backoff.WithMaxInterval(defaultRetryMax),
		), defaultMaxRetries), ctx)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		injectHeaders(ctx, req)

		rsp, err := c.Client.Do(req)
		if err != nil {
			// Network faults are worth another attempt.
			return commonerrors.NewNodeTransient(fmt.Sprintf("node %s unreachable: %v", node.NodeId, err))
		}
		defer rsp.Body.Close()
		if rsp.StatusCode < http.StatusMultipleChoices {
			return nil
		}
		err = classifyStatus(node.NodeId, rsp)
		if commonerrors.IsNodeTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, policy)
}

// classifyStatus maps an agent response to a transient or permanent fault.
// 5xx and 429 responses may heal on retry; other 4xx responses will not.
func classifyStatus(nodeId string, rsp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(rsp.Body, 4096))
	message := string(payload)
	var agentErr agentError
	if err := json.Unmarshal(payload, &agentErr); err == nil && agentErr.Message != "" {
		message = agentErr.Message
	}
	if rsp.StatusCode >= http.StatusInternalServerError || rsp.StatusCode == http.StatusTooManyRequests {
		return commonerrors.NewNodeTransient(fmt.Sprintf("node %s returned %d: %s", nodeId, rsp.StatusCode, message))
	}
	return commonerrors.NewNodePermanent(fmt.Sprintf("node %s returned %d: %s", nodeId, rsp.StatusCode, message))
}

// injectHeaders forwards the W3C trace context to the agent.
func injectHeaders(ctx context.Context, req *http.Request) {
	headers := map[string]string{}
	trace.InjectHeaders(ctx, headers)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
}
