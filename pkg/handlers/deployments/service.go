/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package deployments

import (
	"encoding/json"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	dbutils "github.com/opscore/rollout/pkg/database/utils"
)

// cvtExecutionToItem converts a database execution row to its API shape.
func cvtExecutionToItem(execution *dbclient.DeploymentExecution) *DeploymentItem {
	return &DeploymentItem{
		ExecutionId:     execution.ExecutionId,
		ModuleName:      execution.ModuleName,
		Version:         execution.Version,
		Environment:     execution.Environment,
		Strategy:        execution.Strategy,
		Status:          execution.Status,
		Requester:       execution.Requester,
		ArtifactRef:     execution.ArtifactRef,
		Description:     dbutils.ParseNullString(execution.Description),
		Message:         dbutils.ParseNullString(execution.Message),
		TraceId:         dbutils.ParseNullString(execution.TraceId),
		RollbackFromId:  dbutils.ParseNullString(execution.RollbackFromId),
		CancelRequested: execution.CancelRequested,
		CreatedAt:       dbutils.ParseNullTimeToString(execution.CreatedAt),
		StartedAt:       dbutils.ParseNullTimeToString(execution.StartedAt),
		EndedAt:         dbutils.ParseNullTimeToString(execution.EndedAt),
	}
}

func cvtStageToItem(stage *dbclient.DeploymentStage) *StageItem {
	return &StageItem{
		Name:      stage.Name,
		Status:    stage.Status,
		Message:   dbutils.ParseNullString(stage.Message),
		StartedAt: dbutils.ParseNullTimeToString(stage.StartedAt),
		EndedAt:   dbutils.ParseNullTimeToString(stage.EndedAt),
	}
}

func cvtNodeResultToItem(result *dbclient.DeploymentNodeResult) *NodeResultItem {
	return &NodeResultItem{
		NodeId:      result.NodeId,
		FromVersion: dbutils.ParseNullString(result.FromVersion),
		ToVersion:   result.ToVersion,
		Status:      result.Status,
		DurationMs:  result.DurationMs,
		RolledBack:  result.RolledBack,
		Error:       dbutils.ParseNullString(result.Error),
	}
}

func cvtApprovalToItem(req *dbclient.ApprovalRequest) *ApprovalItem {
	return &ApprovalItem{
		ApprovalId:     req.ApprovalId,
		ExecutionId:    req.ExecutionId,
		Status:         req.Status,
		Requester:      req.Requester,
		ApproverEmails: req.ApproverEmails,
		RespondedBy:    dbutils.ParseNullString(req.RespondedBy),
		ResponseReason: dbutils.ParseNullString(req.ResponseReason),
		ExpiresAt:      dbutils.ParseNullTimeToString(req.TimeoutAt),
		RespondedAt:    dbutils.ParseNullTimeToString(req.RespondedAt),
	}
}

func cvtMessageToDeadLetterItem(message *dbclient.Message) *DeadLetterItem {
	return &DeadLetterItem{
		MessageId:        message.MessageId,
		Topic:            message.Topic,
		Subscription:     message.Subscription,
		Payload:          string(message.Payload),
		DeliveryAttempts: message.DeliveryAttempts,
		ErrorMessage:     dbutils.ParseNullString(message.ErrorMessage),
		CreatedAt:        dbutils.ParseNullTimeToString(message.CreatedAt),
	}
}

func cvtNodeToItem(node *dbclient.ClusterNode) *NodeItem {
	item := &NodeItem{
		NodeId:      node.NodeId,
		Hostname:    node.Hostname,
		Environment: node.Environment,
		Pool:        dbutils.ParseNullString(node.Pool),
		Health:      node.Health,
	}
	if raw := dbutils.ParseNullString(node.Versions); raw != "" {
		versions := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &versions); err == nil {
			item.Versions = versions
		}
	}
	return item
}
