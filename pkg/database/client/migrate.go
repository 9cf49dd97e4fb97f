/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"

	"k8s.io/klog/v2"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + TDeploymentExecution + ` (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL UNIQUE,
		module_name TEXT NOT NULL,
		version TEXT NOT NULL,
		environment TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		requester TEXT NOT NULL,
		force_redeploy BOOLEAN NOT NULL DEFAULT FALSE,
		artifact_ref TEXT NOT NULL,
		digest TEXT,
		signature TEXT,
		description TEXT,
		message TEXT,
		previous_state TEXT,
		metadata TEXT,
		trace_id TEXT,
		rollback_from_id TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_module_env ON ` + TDeploymentExecution + ` (module_name, environment)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON ` + TDeploymentExecution + ` (status)`,

	`CREATE TABLE IF NOT EXISTS ` + TDeploymentStage + ` (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES ` + TDeploymentExecution + ` (execution_id),
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		checkpoint TEXT,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		UNIQUE (execution_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TDeploymentNodeResult + ` (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES ` + TDeploymentExecution + ` (execution_id),
		node_id TEXT NOT NULL,
		from_version TEXT,
		to_version TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT,
		created_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_results_execution ON ` + TDeploymentNodeResult + ` (execution_id)`,

	`CREATE TABLE IF NOT EXISTS ` + TJob + ` (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		payload BYTEA NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		next_retry_at TIMESTAMPTZ,
		locked_until TIMESTAMPTZ,
		processing_instance TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON ` + TJob + ` (status, next_retry_at, priority)`,

	`CREATE TABLE IF NOT EXISTS ` + TBusTopic + ` (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		routing_strategy TEXT NOT NULL,
		created_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TBusSubscription + ` (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL REFERENCES ` + TBusTopic + ` (name),
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		filter TEXT,
		created_at TIMESTAMPTZ,
		UNIQUE (topic, name)
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TBusSchema + ` (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL REFERENCES ` + TBusTopic + ` (name),
		version INTEGER NOT NULL,
		definition BYTEA NOT NULL,
		compatibility TEXT NOT NULL,
		created_at TIMESTAMPTZ,
		UNIQUE (topic, version)
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TMessage + ` (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BYTEA NOT NULL,
		headers TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		schema_version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		processing_instance TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ,
		acknowledged_at TIMESTAMPTZ,
		UNIQUE (message_id, subscription)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_claim ON ` + TMessage + ` (topic, subscription, status, priority)`,

	`CREATE TABLE IF NOT EXISTS ` + TApprovalRequest + ` (
		id BIGSERIAL PRIMARY KEY,
		approval_id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL UNIQUE REFERENCES ` + TDeploymentExecution + ` (execution_id),
		module_name TEXT NOT NULL,
		version TEXT NOT NULL,
		environment TEXT NOT NULL,
		requester TEXT NOT NULL,
		approver_emails TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		requested_at TIMESTAMPTZ,
		timeout_at TIMESTAMPTZ,
		responded_at TIMESTAMPTZ,
		responded_by TEXT,
		response_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON ` + TApprovalRequest + ` (status, timeout_at)`,

	`CREATE TABLE IF NOT EXISTS ` + TIdempotencyRecord + ` (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		value_ref TEXT NOT NULL,
		created_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TDeploymentLock + ` (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		fence BIGINT NOT NULL DEFAULT 1,
		acquired_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TClusterNode + ` (
		id BIGSERIAL PRIMARY KEY,
		node_id TEXT NOT NULL UNIQUE,
		hostname TEXT NOT NULL,
		environment TEXT NOT NULL,
		pool TEXT,
		versions TEXT,
		health TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_environment ON ` + TClusterNode + ` (environment)`,

	`CREATE TABLE IF NOT EXISTS ` + TEnvironmentPool + ` (
		id BIGSERIAL PRIMARY KEY,
		environment TEXT NOT NULL UNIQUE,
		active_pool TEXT NOT NULL,
		updated_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS ` + TEnvironmentSnapshot + ` (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		environment TEXT NOT NULL,
		module_name TEXT NOT NULL,
		versions TEXT NOT NULL,
		created_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_module_env ON ` + TEnvironmentSnapshot + ` (module_name, environment)`,
}

// Migrate creates the relational schema when it does not exist yet.
// Statements are idempotent so repeated startups are safe.
func (c *Client) Migrate(ctx context.Context) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			klog.ErrorS(err, "failed to apply schema statement")
			return err
		}
	}
	klog.Infof("database schema is up to date, %d statements applied", len(schemaStatements))
	return nil
}
