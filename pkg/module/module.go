/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package module

import (
	"fmt"
	"regexp"

	"github.com/blang/semver/v4"

	commonerrors "github.com/opscore/rollout/pkg/errors"
)

const (
	MinNameLength = 3
	MaxNameLength = 64
)

var (
	// Lowercase alphanumeric with hyphens, not starting or ending with a hyphen.
	nameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// Identity names a deployable module at an exact version.
type Identity struct {
	Name    string
	Version semver.Version
}

// Artifact is the deployable payload of a module version. Digest and
// signature are verified before any node touches the artifact.
type Artifact struct {
	Identity
	Ref       string
	Digest    string
	Signature string
}

// ValidateName checks a module name against the naming convention:
// lowercase, 3-64 characters, alphanumeric with hyphens, not starting
// or ending with a hyphen.
func ValidateName(name string) error {
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return commonerrors.NewBadRequest(fmt.Sprintf(
			"module name %q must be between %d and %d characters", name, MinNameLength, MaxNameLength))
	}
	if !nameRegex.MatchString(name) {
		return commonerrors.NewBadRequest(fmt.Sprintf(
			"module name %q must be lowercase alphanumeric with hyphens and must not start or end with a hyphen", name))
	}
	return nil
}

// ParseVersion parses a strict semantic version (MAJOR.MINOR.PATCH with
// optional pre-release suffix).
func ParseVersion(version string) (semver.Version, error) {
	v, err := semver.Parse(version)
	if err != nil {
		return semver.Version{}, commonerrors.NewBadRequest(fmt.Sprintf("invalid version %q: %v", version, err))
	}
	return v, nil
}

// NewIdentity validates and builds a module identity.
func NewIdentity(name, version string) (Identity, error) {
	if err := ValidateName(name); err != nil {
		return Identity{}, err
	}
	v, err := ParseVersion(version)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Version: v}, nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Version.String())
}
