/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SetValue sets a configuration value for the specified key.
func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

func getFloat(key string, defaultValue float64) float64 {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetFloat64(key)
}

func getStrings(key string) []string {
	val := viper.GetString(key)
	return removeBlank(strings.Split(val, ","))
}

func removeBlank(slice []string) []string {
	var result []string
	for _, val := range slice {
		if trim := strings.TrimSpace(val); trim != "" {
			result = append(result, trim)
		}
	}
	return result
}

func getFromFile(configPath, item string) string {
	path := getString(configPath, "")
	data, err := os.ReadFile(filepath.Join(path, item))
	if err != nil {
		return ""
	}
	key := string(data)
	return strings.TrimRight(key, "\r\n")
}

// GetServerPort returns the API server port.
func GetServerPort() int {
	return getInt(serverPort, 8080)
}

// GetDBHost returns the database host address.
func GetDBHost() string {
	return getFromFile(dbSecretPath, "host")
}

// GetDBPort returns the database port number.
func GetDBPort() int {
	data := getFromFile(dbSecretPath, "port")
	n, err := strconv.Atoi(data)
	if err != nil {
		return 0
	}
	return n
}

// GetDBName returns the database name.
func GetDBName() string {
	return getFromFile(dbSecretPath, "dbname")
}

// GetDBUser returns the database username.
func GetDBUser() string {
	return getFromFile(dbSecretPath, "user")
}

// GetDBPassword returns the database password.
func GetDBPassword() string {
	return getFromFile(dbSecretPath, "password")
}

// GetDBSslMode returns the database SSL mode.
func GetDBSslMode() string {
	return getString(dbSslMode, "require")
}

// GetDBMaxOpenConns returns the maximum number of open database connections.
func GetDBMaxOpenConns() int {
	return getInt(dbMaxOpenConns, 100)
}

// GetDBMaxIdleConns returns the maximum number of idle database connections.
func GetDBMaxIdleConns() int {
	return getInt(dbMaxIdleConns, 10)
}

// GetDBMaxLifetimeSecond returns the maximum lifetime of database connections in seconds.
func GetDBMaxLifetimeSecond() int {
	return getInt(dbMaxLifetime, 600)
}

// GetDBMaxIdleTimeSecond returns the maximum idle time of database connections in seconds.
func GetDBMaxIdleTimeSecond() int {
	return getInt(dbMaxIdleTimeSecond, 60)
}

// GetDBConnectTimeoutSecond returns the database connection timeout in seconds.
func GetDBConnectTimeoutSecond() int {
	return getInt(dbConnectTimeoutSecond, 10)
}

// GetDBRequestTimeoutSecond returns the database request timeout in seconds.
func GetDBRequestTimeoutSecond() int {
	return getInt(dbRequestTimeoutSecond, 20)
}

// IsTracingEnable returns whether OpenTelemetry tracing is enabled.
func IsTracingEnable() bool {
	return getBool(tracingEnable, false)
}

// GetTracingMode returns the tracing mode: "all" or "error_only".
func GetTracingMode() string {
	return getString(tracingMode, "error_only")
}

// GetTracingSamplingRatio returns the sampling ratio for trace export (0.0 to 1.0).
func GetTracingSamplingRatio() float64 {
	return getFloat(tracingSamplingRatio, 1.0)
}

// GetTracingOtlpEndpoint returns the OTLP exporter endpoint URL.
func GetTracingOtlpEndpoint() string {
	return getString(tracingOtlpEndpoint, "")
}

// IsNotificationEnable returns whether notifications are enabled.
func IsNotificationEnable() bool {
	return getBool(notificationEnable, true)
}

// GetNotificationConfig returns the notification configuration content.
func GetNotificationConfig() string {
	return getFromFile(notificationSecretPath, "config")
}

// GetClusterConfigPath returns the path to the declarative cluster topology file.
func GetClusterConfigPath() string {
	return getString(clusterConfigPath, "")
}

// GetDefaultStrategy returns the default rollout strategy for an environment.
func GetDefaultStrategy(env string) string {
	return getString(strategyDefaultPrefix+strings.ToLower(env), "")
}

// GetDirectConcurrency returns the maximum parallel node applies for the direct strategy.
func GetDirectConcurrency() int {
	return getInt(directConcurrency, 10)
}

// GetRollingBatchSize returns the configured rolling batch size.
// Zero means derive the batch size from the cluster size (ceil(n/5)).
func GetRollingBatchSize() int {
	return getInt(rollingBatchSize, 0)
}

// GetRollingStabilizationSecond returns the wait before sampling batch health.
func GetRollingStabilizationSecond() int {
	return getInt(rollingStabilizationSec, 30)
}

// GetRollingHealthSamples returns the number of health samples per stabilization window.
func GetRollingHealthSamples() int {
	return getInt(rollingHealthSamples, 3)
}

// GetRollingSampleIntervalSecond returns the interval between health samples.
func GetRollingSampleIntervalSecond() int {
	return getInt(rollingSampleIntervalSec, 10)
}

// GetRollingHealthyThreshold returns the minimal healthy fraction per batch (0.0 to 1.0).
func GetRollingHealthyThreshold() float64 {
	return getFloat(rollingHealthyThreshold, 1.0)
}

// GetCanarySteps returns the canary percentage ladder.
func GetCanarySteps() []int {
	values := getStrings(canarySteps)
	if len(values) == 0 {
		return []int{10, 30, 50, 100}
	}
	steps := make([]int, 0, len(values))
	for _, val := range values {
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 || n > 100 {
			return []int{10, 30, 50, 100}
		}
		steps = append(steps, n)
	}
	return steps
}

// GetCanaryObservationSecond returns the per-step observation window.
func GetCanaryObservationSecond() int {
	return getInt(canaryObservationSec, 120)
}

// GetCanaryErrorBudget returns the maximum error rate per canary step (percent).
func GetCanaryErrorBudget() float64 {
	return getFloat(canaryErrorBudget, 1.0)
}

// GetCanaryLatencyBudgetMs returns the p95 latency budget per canary step.
// Zero disables the latency gate.
func GetCanaryLatencyBudgetMs() float64 {
	return getFloat(canaryLatencyBudgetMs, 0)
}

// GetBlueGreenHoldSecond returns the post-switch rollback reservoir duration.
func GetBlueGreenHoldSecond() int {
	return getInt(blueGreenHoldSec, 600)
}

// GetBlueGreenSmokeSecond returns the smoke window against the inactive pool.
func GetBlueGreenSmokeSecond() int {
	return getInt(blueGreenSmokeSec, 60)
}

// GetApprovalTtl returns the approval timeout for an environment.
func GetApprovalTtl(env string) time.Duration {
	defaultHours := 24
	if strings.EqualFold(env, "production") {
		defaultHours = 48
	}
	hours := getInt(approvalTtlHourPrefix+strings.ToLower(env), defaultHours)
	return time.Duration(hours) * time.Hour
}

// GetApprovalSweepInterval returns the interval of the approval expiry sweeper.
func GetApprovalSweepInterval() time.Duration {
	return time.Duration(getInt(approvalSweepIntervalSec, 300)) * time.Second
}

// IsSelfApprovalAllowed returns whether a requester may approve their own deployment.
func IsSelfApprovalAllowed() bool {
	return getBool(approvalAllowSelf, false)
}

// GetPreflightMinHealthyRatio returns the minimal healthy node ratio to start a deployment.
func GetPreflightMinHealthyRatio() float64 {
	return getFloat(pipelineMinHealthyRatio, 0.8)
}

// GetExecutionDeadline returns the overall execution deadline.
func GetExecutionDeadline() time.Duration {
	return time.Duration(getInt(pipelineExecDeadlineHour, 4)) * time.Hour
}

// GetJobMaxRetries returns the default retry budget of a job.
func GetJobMaxRetries() int {
	return getInt(jobMaxRetries, 5)
}

// GetJobLeaseSecond returns the duration of a job claim lease.
func GetJobLeaseSecond() int {
	return getInt(jobLeaseSecond, 300)
}

// GetJobPollInterval returns the bounded polling interval of job workers.
func GetJobPollInterval() time.Duration {
	return time.Duration(getInt(jobPollIntervalSec, 30)) * time.Second
}

// GetJobWorkerCount returns the number of concurrent job workers per instance.
func GetJobWorkerCount() int {
	return getInt(jobWorkerCount, 4)
}

// GetLockTtl returns the TTL of the deployment lock.
func GetLockTtl() time.Duration {
	return time.Duration(getInt(lockTtlSecond, 60)) * time.Second
}

// GetLockRenewInterval returns how often held locks are renewed.
func GetLockRenewInterval() time.Duration {
	return time.Duration(getInt(lockRenewIntervalSec, 20)) * time.Second
}

// GetLockWaitTimeout returns how long the facade waits for the deploy lock.
func GetLockWaitTimeout() time.Duration {
	return time.Duration(getInt(lockWaitTimeoutSec, 2)) * time.Second
}

// GetBusMaxDeliveryAttempts returns the delivery budget before dead-lettering.
func GetBusMaxDeliveryAttempts() int {
	return getInt(busMaxDeliveryAttempts, 5)
}

// GetBusLeaseSecond returns the duration of a message claim lease.
func GetBusLeaseSecond() int {
	return getInt(busLeaseSecond, 60)
}

// GetBusPollInterval returns the bounded polling interval of bus consumers.
func GetBusPollInterval() time.Duration {
	return time.Duration(getInt(busPollIntervalSec, 30)) * time.Second
}

// GetNodeDeployTimeout returns the per-call timeout of node apply operations.
func GetNodeDeployTimeout() time.Duration {
	return time.Duration(getInt(nodeDeployTimeoutSecond, 60)) * time.Second
}

// GetNodeHealthTimeout returns the per-call timeout of node health checks.
func GetNodeHealthTimeout() time.Duration {
	return time.Duration(getInt(nodeHealthTimeoutSecond, 10)) * time.Second
}

// IsApprovalRequired returns whether deployments to the environment need approval.
func IsApprovalRequired(env string) bool {
	key := fmt.Sprintf("%s%s.requires_approval", envPrefix, strings.ToLower(env))
	defaultValue := strings.EqualFold(env, "staging") || strings.EqualFold(env, "production")
	return getBool(key, defaultValue)
}

// GetApprovers returns the approver addresses configured for the environment.
func GetApprovers(env string) []string {
	key := fmt.Sprintf("%s%s.approvers", envPrefix, strings.ToLower(env))
	return getStrings(key)
}

// GetMaxConcurrentDeployments returns the per-environment concurrency cap.
func GetMaxConcurrentDeployments(env string) int {
	key := fmt.Sprintf("%s%s.max_concurrent", envPrefix, strings.ToLower(env))
	return getInt(key, 1)
}

// GetAllowedStrategies returns the strategies permitted in the environment.
// An empty list means all strategies are allowed.
func GetAllowedStrategies(env string) []string {
	key := fmt.Sprintf("%s%s.allowed_strategies", envPrefix, strings.ToLower(env))
	return getStrings(key)
}

// GetIdempotencyTtl returns how long processed request keys are remembered.
func GetIdempotencyTtl() time.Duration {
	return time.Duration(getInt(idempotencyTtlSecond, 86400)) * time.Second
}

// GetRetentionExecutionDays returns how long terminal executions are retained.
func GetRetentionExecutionDays() int {
	return getInt(retentionExecutionDays, 90)
}
