/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package cluster

import (
	"fmt"
	"strings"

	commonerrors "github.com/opscore/rollout/pkg/errors"
)

// Environment is a deployment target tier. Promotion moves through the
// tiers in order; production sits at the top.
type Environment string

const (
	Development Environment = "development"
	QA          Environment = "qa"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Pool names for blue/green environments.
const (
	PoolBlue  = "blue"
	PoolGreen = "green"
)

// Node health states as reported by the health endpoint.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

var environmentOrder = map[Environment]int{
	Development: 0,
	QA:          1,
	Staging:     2,
	Production:  3,
}

// ParseEnvironment parses an environment name case-insensitively.
func ParseEnvironment(name string) (Environment, error) {
	env := Environment(strings.ToLower(name))
	if _, ok := environmentOrder[env]; !ok {
		return "", commonerrors.NewBadRequest(fmt.Sprintf("unknown environment %q", name))
	}
	return env, nil
}

// Environments lists all tiers in promotion order.
func Environments() []Environment {
	return []Environment{Development, QA, Staging, Production}
}

// Rank returns the promotion order of the environment, development first.
func (e Environment) Rank() int {
	return environmentOrder[e]
}

func (e Environment) String() string {
	return string(e)
}

// OtherPool returns the counterpart of a blue/green pool name.
func OtherPool(pool string) string {
	if pool == PoolBlue {
		return PoolGreen
	}
	return PoolBlue
}
