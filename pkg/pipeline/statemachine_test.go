/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbclient "github.com/opscore/rollout/pkg/database/client"
	commonerrors "github.com/opscore/rollout/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    string
		to      string
		allowed bool
	}{
		{dbclient.ExecutionCreated, dbclient.ExecutionValidating, true},
		{dbclient.ExecutionCreated, dbclient.ExecutionCancelled, true},
		{dbclient.ExecutionCreated, dbclient.ExecutionDeploying, false},
		{dbclient.ExecutionValidating, dbclient.ExecutionSucceeded, true},
		{dbclient.ExecutionVerifying, dbclient.ExecutionAwaitingApproval, true},
		{dbclient.ExecutionVerifying, dbclient.ExecutionDeploying, true},
		{dbclient.ExecutionAwaitingApproval, dbclient.ExecutionRejectedApproval, true},
		{dbclient.ExecutionAwaitingApproval, dbclient.ExecutionExpired, true},
		{dbclient.ExecutionDeploying, dbclient.ExecutionCancelled, true},
		{dbclient.ExecutionDeploying, dbclient.ExecutionRollingBack, true},
		{dbclient.ExecutionStabilizing, dbclient.ExecutionSucceeded, true},
		{dbclient.ExecutionRollingBack, dbclient.ExecutionRolledBack, true},
		{dbclient.ExecutionRollingBack, dbclient.ExecutionRolledBackWithErrors, true},
		{dbclient.ExecutionRollingBack, dbclient.ExecutionFailed, false},
		{dbclient.ExecutionSucceeded, dbclient.ExecutionValidating, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.allowed, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestValidateTransitionTerminal(t *testing.T) {
	err := ValidateTransition(dbclient.ExecutionSucceeded, dbclient.ExecutionValidating)
	require.Error(t, err)
	assert.True(t, commonerrors.IsExecutionTerminal(err))
}

func TestValidateTransitionIllegal(t *testing.T) {
	err := ValidateTransition(dbclient.ExecutionCreated, dbclient.ExecutionDeploying)
	require.Error(t, err)
	assert.True(t, commonerrors.IsConflict(err))
}

func TestValidateTransitionLegal(t *testing.T) {
	assert.NoError(t, ValidateTransition(dbclient.ExecutionCreated, dbclient.ExecutionValidating))
}

func TestStatusForStage(t *testing.T) {
	assert.Equal(t, dbclient.ExecutionValidating, StatusForStage(StageValidate))
	assert.Equal(t, dbclient.ExecutionVerifying, StatusForStage(StageVerify))
	assert.Equal(t, dbclient.ExecutionVerifying, StatusForStage(StagePreflight))
	assert.Equal(t, dbclient.ExecutionAwaitingApproval, StatusForStage(StageApprove))
	assert.Equal(t, dbclient.ExecutionDeploying, StatusForStage(StageDeploy))
	assert.Equal(t, dbclient.ExecutionStabilizing, StatusForStage(StageStabilize))
	assert.Equal(t, dbclient.ExecutionStabilizing, StatusForStage(StageCommit))
	assert.Equal(t, "", StatusForStage("Unknown"))
}
