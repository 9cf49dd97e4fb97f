/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	// server
	serverPrefix = "server."
	serverPort   = serverPrefix + "port"

	// db
	dbPrefix               = "db."
	dbSecretPath           = dbPrefix + "secret_path"
	dbSslMode              = dbPrefix + "ssl_mode"
	dbMaxOpenConns         = dbPrefix + "max_open_conns"
	dbMaxIdleConns         = dbPrefix + "max_idle_conns"
	dbMaxLifetime          = dbPrefix + "max_life_time_second"
	dbMaxIdleTimeSecond    = dbPrefix + "max_idle_time_second"
	dbConnectTimeoutSecond = dbPrefix + "connect_timeout_second"
	dbRequestTimeoutSecond = dbPrefix + "request_timeout_second"

	// tracing
	tracingPrefix        = "tracing."
	tracingEnable        = tracingPrefix + "enable"
	tracingMode          = tracingPrefix + "mode"
	tracingSamplingRatio = tracingPrefix + "sampling_ratio"
	tracingOtlpEndpoint  = tracingPrefix + "otlp_endpoint"

	// notification
	notificationPrefix     = "notification."
	notificationEnable     = notificationPrefix + "enable"
	notificationSecretPath = notificationPrefix + "secret_path"

	// cluster
	clusterPrefix     = "cluster."
	clusterConfigPath = clusterPrefix + "config_path"

	// strategy
	strategyPrefix            = "strategy."
	strategyDefaultPrefix     = strategyPrefix + "default."
	directPrefix              = strategyPrefix + "direct."
	directConcurrency         = directPrefix + "concurrency"
	rollingPrefix             = strategyPrefix + "rolling."
	rollingBatchSize          = rollingPrefix + "batch_size"
	rollingStabilizationSec   = rollingPrefix + "stabilization_second"
	rollingHealthSamples      = rollingPrefix + "health_samples"
	rollingSampleIntervalSec  = rollingPrefix + "sample_interval_second"
	rollingHealthyThreshold   = rollingPrefix + "healthy_threshold"
	canaryPrefix              = strategyPrefix + "canary."
	canarySteps               = canaryPrefix + "steps"
	canaryObservationSec      = canaryPrefix + "observation_second"
	canaryErrorBudget         = canaryPrefix + "error_budget"
	canaryLatencyBudgetMs     = canaryPrefix + "latency_budget_ms"
	blueGreenPrefix           = strategyPrefix + "bluegreen."
	blueGreenHoldSec          = blueGreenPrefix + "hold_second"
	blueGreenSmokeSec         = blueGreenPrefix + "smoke_second"

	// approval
	approvalPrefix           = "approval."
	approvalTtlHourPrefix    = approvalPrefix + "ttl_hour."
	approvalSweepIntervalSec = approvalPrefix + "sweep_interval_second"
	approvalAllowSelf        = approvalPrefix + "allow_self"

	// pipeline
	pipelinePrefix              = "pipeline."
	pipelineMinHealthyRatio     = pipelinePrefix + "preflight_min_healthy_ratio"
	pipelineExecDeadlineHour    = pipelinePrefix + "execution_deadline_hour"
	pipelineStabilizationSecond = pipelinePrefix + "stabilization_second"

	// job
	jobPrefix          = "job."
	jobMaxRetries      = jobPrefix + "max_retries"
	jobLeaseSecond     = jobPrefix + "lease_second"
	jobPollIntervalSec = jobPrefix + "poll_interval_second"
	jobWorkerCount     = jobPrefix + "worker_count"

	// lock
	lockPrefix           = "lock."
	lockTtlSecond        = lockPrefix + "ttl_second"
	lockRenewIntervalSec = lockPrefix + "renew_interval_second"
	lockWaitTimeoutSec   = lockPrefix + "wait_timeout_second"

	// bus
	busPrefix              = "bus."
	busMaxDeliveryAttempts = busPrefix + "max_delivery_attempts"
	busLeaseSecond         = busPrefix + "lease_second"
	busPollIntervalSec     = busPrefix + "poll_interval_second"

	// node
	nodePrefix              = "node."
	nodeDeployTimeoutSecond = nodePrefix + "deploy_timeout_second"
	nodeHealthTimeoutSecond = nodePrefix + "health_timeout_second"

	// env policy
	envPrefix = "env."

	// idempotency
	idempotencyPrefix    = "idempotency."
	idempotencyTtlSecond = idempotencyPrefix + "ttl_second"

	// retention
	retentionPrefix        = "retention."
	retentionExecutionDays = retentionPrefix + "execution_days"
)
