/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package pipeline

import (
	"fmt"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Stage names, in pipeline order. The approval stage only runs in gated
// environments.
const (
	StageValidate  = "Validate"
	StageVerify    = "Verify"
	StagePreflight = "PreflightHealth"
	StageApprove   = "Approve"
	StageDeploy    = "Deploy"
	StageStabilize = "Stabilize"
	StageCommit    = "Commit"
)

// transitions lists every legal status edge of a deployment execution.
var transitions = map[string][]string{
	dbclient.ExecutionCreated: {
		dbclient.ExecutionValidating,
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionValidating: {
		dbclient.ExecutionVerifying,
		dbclient.ExecutionFailed,
		dbclient.ExecutionSucceeded, // no-op deployment, version already everywhere
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionVerifying: {
		dbclient.ExecutionAwaitingApproval,
		dbclient.ExecutionDeploying,
		dbclient.ExecutionFailed,
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionAwaitingApproval: {
		dbclient.ExecutionDeploying,
		dbclient.ExecutionRejectedApproval,
		dbclient.ExecutionExpired,
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionDeploying: {
		dbclient.ExecutionStabilizing,
		dbclient.ExecutionRollingBack,
		dbclient.ExecutionFailed,
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionStabilizing: {
		dbclient.ExecutionSucceeded,
		dbclient.ExecutionRollingBack,
		dbclient.ExecutionFailed,
		dbclient.ExecutionCancelled,
	},
	dbclient.ExecutionRollingBack: {
		dbclient.ExecutionRolledBack,
		dbclient.ExecutionRolledBackWithErrors,
		dbclient.ExecutionCancelled,
	},
}

// CanTransition reports whether from may move to to in one step.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a conflict error for illegal edges.
func ValidateTransition(from, to string) error {
	if dbclient.IsExecutionTerminal(from) {
		return commonerrors.NewExecutionTerminal(fmt.Sprintf(
			"execution is already %s", from))
	}
	if !CanTransition(from, to) {
		return commonerrors.NewConflict(fmt.Sprintf(
			"illegal status transition %s -> %s", from, to))
	}
	return nil
}

// StatusForStage maps a pipeline stage to the execution status it runs under.
func StatusForStage(stage string) string {
	switch stage {
	case StageValidate:
		return dbclient.ExecutionValidating
	case StageVerify, StagePreflight:
		return dbclient.ExecutionVerifying
	case StageApprove:
		return dbclient.ExecutionAwaitingApproval
	case StageDeploy:
		return dbclient.ExecutionDeploying
	case StageStabilize, StageCommit:
		return dbclient.ExecutionStabilizing
	}
	return ""
}
