/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"
)

const (
	DESC = "desc"
	ASC  = "asc"

	CreatedTime = "created_at"
)

// Execution statuses. An execution moves Created -> Validating -> Verifying
// -> [AwaitingApproval ->] Deploying -> Stabilizing -> Succeeded, or into one
// of the failure/rollback branches.
const (
	ExecutionCreated              = "Created"
	ExecutionValidating           = "Validating"
	ExecutionVerifying            = "Verifying"
	ExecutionAwaitingApproval     = "AwaitingApproval"
	ExecutionDeploying            = "Deploying"
	ExecutionStabilizing          = "Stabilizing"
	ExecutionSucceeded            = "Succeeded"
	ExecutionFailed               = "Failed"
	ExecutionRollingBack          = "RollingBack"
	ExecutionRolledBack           = "RolledBack"
	ExecutionRolledBackWithErrors = "RolledBackWithErrors"
	ExecutionRejectedApproval     = "RejectedApproval"
	ExecutionExpired              = "Expired"
	ExecutionCancelled            = "Cancelled"
)

// Stage statuses.
const (
	StagePending   = "Pending"
	StageRunning   = "Running"
	StageSucceeded = "Succeeded"
	StageFailed    = "Failed"
	StageSkipped   = "Skipped"
)

// Job statuses.
const (
	JobPending   = "Pending"
	JobRunning   = "Running"
	JobSucceeded = "Succeeded"
	JobFailed    = "Failed"
	JobCancelled = "Cancelled"
)

// Message statuses.
const (
	MessagePending      = "Pending"
	MessageProcessing   = "Processing"
	MessageAcknowledged = "Acknowledged"
	MessageFailed       = "Failed"
	MessageDeadLetter   = "DeadLetter"
)

// Approval statuses.
const (
	ApprovalPending  = "Pending"
	ApprovalApproved = "Approved"
	ApprovalRejected = "Rejected"
	ApprovalExpired  = "Expired"
)

// IsExecutionTerminal reports whether the status admits no further transition.
func IsExecutionTerminal(status string) bool {
	switch status {
	case ExecutionSucceeded, ExecutionFailed, ExecutionRolledBack, ExecutionRolledBackWithErrors,
		ExecutionRejectedApproval, ExecutionExpired, ExecutionCancelled:
		return true
	}
	return false
}

type DeploymentExecution struct {
	Id             int64          `db:"id"`
	ExecutionId    string         `db:"execution_id"`
	ModuleName     string         `db:"module_name"`
	Version        string         `db:"version"`
	Environment    string         `db:"environment"`
	Strategy       string         `db:"strategy"`
	Status         string         `db:"status"`
	Requester      string         `db:"requester"`
	ForceRedeploy  bool           `db:"force_redeploy"`
	ArtifactRef    string         `db:"artifact_ref"`
	Digest         sql.NullString `db:"digest"`
	Signature      sql.NullString `db:"signature"`
	Description    sql.NullString `db:"description"`
	Message        sql.NullString `db:"message"`
	PreviousState  sql.NullString `db:"previous_state"` // JSON node_id -> version before this execution
	Metadata       sql.NullString `db:"metadata"`       // JSON string
	TraceId        sql.NullString `db:"trace_id"`
	RollbackFromId sql.NullString `db:"rollback_from_id"`
	// CancelRequested asks the pipeline to stop at its next cancellation
	// point; mid-deploy this rolls the applied nodes back first.
	CancelRequested bool        `db:"cancel_requested"`
	CreatedAt       pq.NullTime `db:"created_at"`
	StartedAt       pq.NullTime `db:"started_at"`
	EndedAt         pq.NullTime `db:"ended_at"`
}

// GetDeploymentExecutionFieldTags returns the DeploymentExecutionFieldTags value.
func GetDeploymentExecutionFieldTags() map[string]string {
	e := DeploymentExecution{}
	return getFieldTags(e)
}

type DeploymentStage struct {
	Id          int64          `db:"id"`
	ExecutionId string         `db:"execution_id"`
	Name        string         `db:"name"`
	Status      string         `db:"status"`
	Message     sql.NullString `db:"message"`
	Checkpoint  sql.NullString `db:"checkpoint"` // JSON string, stage resume point
	StartedAt   pq.NullTime    `db:"started_at"`
	EndedAt     pq.NullTime    `db:"ended_at"`
}

// GetDeploymentStageFieldTags returns the DeploymentStageFieldTags value.
func GetDeploymentStageFieldTags() map[string]string {
	s := DeploymentStage{}
	return getFieldTags(s)
}

type DeploymentNodeResult struct {
	Id          int64          `db:"id"`
	ExecutionId string         `db:"execution_id"`
	NodeId      string         `db:"node_id"`
	FromVersion sql.NullString `db:"from_version"`
	ToVersion   string         `db:"to_version"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	DurationMs  int64          `db:"duration_ms"`
	RolledBack  bool           `db:"rolled_back"`
	Error       sql.NullString `db:"error"`
	CreatedAt   pq.NullTime    `db:"created_at"`
}

// GetDeploymentNodeResultFieldTags returns the DeploymentNodeResultFieldTags value.
func GetDeploymentNodeResultFieldTags() map[string]string {
	r := DeploymentNodeResult{}
	return getFieldTags(r)
}

type Job struct {
	Id                 int64          `db:"id"`
	ExecutionId        string         `db:"execution_id"`
	Status             string         `db:"status"`
	Payload            []byte         `db:"payload"`
	Priority           int            `db:"priority"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	NextRetryAt        pq.NullTime    `db:"next_retry_at"`
	LockedUntil        pq.NullTime    `db:"locked_until"`
	ProcessingInstance sql.NullString `db:"processing_instance"`
	ErrorMessage       sql.NullString `db:"error_message"`
	CreatedAt          pq.NullTime    `db:"created_at"`
	StartedAt          pq.NullTime    `db:"started_at"`
	EndedAt            pq.NullTime    `db:"ended_at"`
}

// GetJobFieldTags returns the JobFieldTags value.
func GetJobFieldTags() map[string]string {
	j := Job{}
	return getFieldTags(j)
}

type Message struct {
	Id                 int64          `db:"id"`
	MessageId          string         `db:"message_id"`
	Topic              string         `db:"topic"`
	Subscription       string         `db:"subscription"`
	Payload            []byte         `db:"payload"`
	Headers            sql.NullString `db:"headers"` // JSON string
	Priority           int            `db:"priority"`
	SchemaVersion      int            `db:"schema_version"`
	Status             string         `db:"status"`
	DeliveryAttempts   int            `db:"delivery_attempts"`
	LockedUntil        pq.NullTime    `db:"locked_until"`
	ProcessingInstance sql.NullString `db:"processing_instance"`
	ErrorMessage       sql.NullString `db:"error_message"`
	CreatedAt          pq.NullTime    `db:"created_at"`
	AcknowledgedAt     pq.NullTime    `db:"acknowledged_at"`
}

// GetMessageFieldTags returns the MessageFieldTags value.
func GetMessageFieldTags() map[string]string {
	m := Message{}
	return getFieldTags(m)
}

type BusTopic struct {
	Id              int64       `db:"id"`
	Name            string      `db:"name"`
	Type            string      `db:"type"` // queue or pubsub
	RoutingStrategy string      `db:"routing_strategy"`
	CreatedAt       pq.NullTime `db:"created_at"`
}

// GetBusTopicFieldTags returns the BusTopicFieldTags value.
func GetBusTopicFieldTags() map[string]string {
	t := BusTopic{}
	return getFieldTags(t)
}

type BusSubscription struct {
	Id        int64          `db:"id"`
	Topic     string         `db:"topic"`
	Name      string         `db:"name"`
	Active    bool           `db:"active"`
	Filter    sql.NullString `db:"filter"` // JSON header predicate, content_based routing only
	CreatedAt pq.NullTime    `db:"created_at"`
}

// GetBusSubscriptionFieldTags returns the BusSubscriptionFieldTags value.
func GetBusSubscriptionFieldTags() map[string]string {
	s := BusSubscription{}
	return getFieldTags(s)
}

type BusSchema struct {
	Id            int64       `db:"id"`
	Topic         string      `db:"topic"`
	Version       int         `db:"version"`
	Definition    []byte      `db:"definition"`
	Compatibility string      `db:"compatibility"`
	CreatedAt     pq.NullTime `db:"created_at"`
}

// GetBusSchemaFieldTags returns the BusSchemaFieldTags value.
func GetBusSchemaFieldTags() map[string]string {
	s := BusSchema{}
	return getFieldTags(s)
}

type ApprovalRequest struct {
	Id             int64          `db:"id"`
	ApprovalId     string         `db:"approval_id"`
	ExecutionId    string         `db:"execution_id"`
	ModuleName     string         `db:"module_name"`
	Version        string         `db:"version"`
	Environment    string         `db:"environment"`
	Requester      string         `db:"requester"`
	ApproverEmails pq.StringArray `db:"approver_emails"`
	Status         string         `db:"status"`
	RequestedAt    pq.NullTime    `db:"requested_at"`
	TimeoutAt      pq.NullTime    `db:"timeout_at"`
	RespondedAt    pq.NullTime    `db:"responded_at"`
	RespondedBy    sql.NullString `db:"responded_by"`
	ResponseReason sql.NullString `db:"response_reason"`
}

// GetApprovalRequestFieldTags returns the ApprovalRequestFieldTags value.
func GetApprovalRequestFieldTags() map[string]string {
	a := ApprovalRequest{}
	return getFieldTags(a)
}

type IdempotencyRecord struct {
	Id        int64       `db:"id"`
	Key       string      `db:"key"`
	ValueRef  string      `db:"value_ref"`
	CreatedAt pq.NullTime `db:"created_at"`
	ExpiresAt pq.NullTime `db:"expires_at"`
}

// GetIdempotencyRecordFieldTags returns the IdempotencyRecordFieldTags value.
func GetIdempotencyRecordFieldTags() map[string]string {
	r := IdempotencyRecord{}
	return getFieldTags(r)
}

type DeploymentLock struct {
	Id         int64       `db:"id"`
	Name       string      `db:"name"`
	Owner      string      `db:"owner"`
	Fence      int64       `db:"fence"`
	AcquiredAt pq.NullTime `db:"acquired_at"`
	ExpiresAt  pq.NullTime `db:"expires_at"`
}

// GetDeploymentLockFieldTags returns the DeploymentLockFieldTags value.
func GetDeploymentLockFieldTags() map[string]string {
	l := DeploymentLock{}
	return getFieldTags(l)
}

type ClusterNode struct {
	Id            int64          `db:"id"`
	NodeId        string         `db:"node_id"`
	Hostname      string         `db:"hostname"`
	Environment   string         `db:"environment"`
	Pool          sql.NullString `db:"pool"` // blue/green pool membership, empty elsewhere
	Versions      sql.NullString `db:"versions"` // JSON module_name -> version
	Health        string         `db:"health"`
	LastHeartbeat pq.NullTime    `db:"last_heartbeat"`
}

// GetClusterNodeFieldTags returns the ClusterNodeFieldTags value.
func GetClusterNodeFieldTags() map[string]string {
	n := ClusterNode{}
	return getFieldTags(n)
}

type EnvironmentPool struct {
	Id          int64       `db:"id"`
	Environment string      `db:"environment"`
	ActivePool  string      `db:"active_pool"`
	UpdatedAt   pq.NullTime `db:"updated_at"`
}

// GetEnvironmentPoolFieldTags returns the EnvironmentPoolFieldTags value.
func GetEnvironmentPoolFieldTags() map[string]string {
	p := EnvironmentPool{}
	return getFieldTags(p)
}

type EnvironmentSnapshot struct {
	Id          int64       `db:"id"`
	ExecutionId string      `db:"execution_id"`
	Environment string      `db:"environment"`
	ModuleName  string      `db:"module_name"`
	Versions    string      `db:"versions"` // JSON node_id -> version
	CreatedAt   pq.NullTime `db:"created_at"`
}

// GetEnvironmentSnapshotFieldTags returns the EnvironmentSnapshotFieldTags value.
func GetEnvironmentSnapshotFieldTags() map[string]string {
	s := EnvironmentSnapshot{}
	return getFieldTags(s)
}

// getFieldTags retrieves FieldTags for internal use.
func getFieldTags(obj interface{}) map[string]string {
	result := make(map[string]string)
	t := reflect.TypeOf(obj)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		result[strings.ToLower(field.Name)] = field.Tag.Get("db")
	}
	return result
}

// generateCommand generates SQL command string using reflection
// Iterates through struct fields and builds column and value lists
// Skips fields with specified ignoreTag
// Returns formatted SQL command with columns and values
func generateCommand(obj interface{}, format, ignoreTag string) string {
	t := reflect.TypeOf(obj)
	columns := make([]string, 0, t.NumField())
	values := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == ignoreTag {
			continue
		}
		columns = append(columns, tag)
		values = append(values, fmt.Sprintf(":%s", tag))
	}
	cmd := fmt.Sprintf(format, strings.Join(columns, ", "), strings.Join(values, ", "))
	return cmd
}

// GetFieldTag returns the FieldTag value.
func GetFieldTag(tags map[string]string, name string) string {
	name = strings.ToLower(name)
	return tags[name]
}
