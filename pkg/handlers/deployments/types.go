/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package deployments

import (
	"github.com/opscore/rollout/pkg/orchestrator"
)

// CreateDeploymentReq is the request body of POST /deployments.
type CreateDeploymentReq struct {
	ModuleName     string `json:"moduleName" binding:"required"`
	Version        string `json:"version" binding:"required"`
	Environment    string `json:"environment" binding:"required"`
	Strategy       string `json:"strategy" binding:"required"`
	ArtifactRef    string `json:"artifactRef" binding:"required"`
	Digest         string `json:"digest"`
	Signature      string `json:"signature"`
	Description    string `json:"description"`
	ForceRedeploy  bool   `json:"forceRedeploy"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// DeploymentItem is one execution in list and detail responses.
type DeploymentItem struct {
	ExecutionId     string `json:"executionId"`
	ModuleName      string `json:"moduleName"`
	Version         string `json:"version"`
	Environment     string `json:"environment"`
	Strategy        string `json:"strategy"`
	Status          string `json:"status"`
	Requester       string `json:"requester"`
	ArtifactRef     string `json:"artifactRef"`
	Description     string `json:"description,omitempty"`
	Message         string `json:"message,omitempty"`
	TraceId         string `json:"traceId,omitempty"`
	RollbackFromId  string `json:"rollbackFromId,omitempty"`
	CancelRequested bool   `json:"cancelRequested,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	StartedAt       string `json:"startedAt,omitempty"`
	EndedAt         string `json:"endedAt,omitempty"`
}

// StageItem is one pipeline stage in the detail response.
type StageItem struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
	EndedAt   string `json:"endedAt,omitempty"`
}

// NodeResultItem is one per-node apply outcome in the detail response.
type NodeResultItem struct {
	NodeId      string `json:"nodeId"`
	FromVersion string `json:"fromVersion,omitempty"`
	ToVersion   string `json:"toVersion"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"durationMs"`
	RolledBack  bool   `json:"rolledBack"`
	Error       string `json:"error,omitempty"`
}

// ApprovalItem is the approval state of a gated execution.
type ApprovalItem struct {
	ApprovalId     string   `json:"approvalId"`
	ExecutionId    string   `json:"executionId"`
	Status         string   `json:"status"`
	Requester      string   `json:"requester"`
	ApproverEmails []string `json:"approverEmails"`
	RespondedBy    string   `json:"respondedBy,omitempty"`
	ResponseReason string   `json:"responseReason,omitempty"`
	ExpiresAt      string   `json:"expiresAt,omitempty"`
	RespondedAt    string   `json:"respondedAt,omitempty"`
}

// CreateDeploymentResp returns the created execution.
type CreateDeploymentResp struct {
	DeploymentItem
}

// ListDeploymentsResp is a page of executions.
type ListDeploymentsResp struct {
	TotalCount int               `json:"totalCount"`
	Items      []*DeploymentItem `json:"items"`
}

// GetDeploymentResp is the detail view of one execution.
type GetDeploymentResp struct {
	DeploymentItem
	Stages      []*StageItem      `json:"stages"`
	NodeResults []*NodeResultItem `json:"nodeResults"`
	Approval    *ApprovalItem     `json:"approval,omitempty"`
}

// DecisionReq is the body of approve and reject calls.
type DecisionReq struct {
	Reason string `json:"reason"`
}

// CancelReq is the body of a cancel call.
type CancelReq struct {
	Reason string `json:"reason"`
}

// DeadLetterItem is one dead-lettered bus message.
type DeadLetterItem struct {
	MessageId        string `json:"messageId"`
	Topic            string `json:"topic"`
	Subscription     string `json:"subscription"`
	Payload          string `json:"payload"`
	DeliveryAttempts int    `json:"deliveryAttempts"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

// ListDeadLettersResp is a page of dead-lettered messages.
type ListDeadLettersResp struct {
	Items []*DeadLetterItem `json:"items"`
}

// NodeItem is one registered cluster node.
type NodeItem struct {
	NodeId      string            `json:"nodeId"`
	Hostname    string            `json:"hostname"`
	Environment string            `json:"environment"`
	Pool        string            `json:"pool,omitempty"`
	Health      string            `json:"health"`
	Versions    map[string]string `json:"versions,omitempty"`
}

// ListNodesResp lists the nodes of one environment.
type ListNodesResp struct {
	ActivePool string      `json:"activePool,omitempty"`
	Items      []*NodeItem `json:"items"`
}

func (r *CreateDeploymentReq) toServiceRequest(requester string) *orchestrator.CreateDeploymentRequest {
	return &orchestrator.CreateDeploymentRequest{
		ModuleName:     r.ModuleName,
		Version:        r.Version,
		Environment:    r.Environment,
		Strategy:       r.Strategy,
		ArtifactRef:    r.ArtifactRef,
		Digest:         r.Digest,
		Signature:      r.Signature,
		Description:    r.Description,
		Requester:      requester,
		ForceRedeploy:  r.ForceRedeploy,
		IdempotencyKey: r.IdempotencyKey,
	}
}
