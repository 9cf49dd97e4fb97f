/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	commonerrors "github.com/opscore/rollout/pkg/errors"
	"github.com/opscore/rollout/pkg/module"
)

// Verifier checks the integrity of a deployable artifact before any node
// touches it. Implementations performing real signature cryptography live
// outside the orchestration core; the pipeline only depends on this contract.
type Verifier interface {
	Verify(ctx context.Context, artifact module.Artifact) error
}

const sha256HexLength = 64

// DigestVerifier validates the shape of the artifact reference: a sha256
// content digest and a non-empty detached signature. Cryptographic signature
// validation is delegated to the configured external verifier service.
type DigestVerifier struct{}

func NewDigestVerifier() *DigestVerifier {
	return &DigestVerifier{}
}

func (v *DigestVerifier) Verify(_ context.Context, artifact module.Artifact) error {
	digest := strings.TrimPrefix(artifact.Digest, "sha256:")
	if len(digest) != sha256HexLength {
		return commonerrors.NewVerificationFailed(fmt.Sprintf(
			"artifact %s carries a malformed digest", artifact.Identity))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return commonerrors.NewVerificationFailed(fmt.Sprintf(
			"artifact %s digest is not hex encoded: %v", artifact.Identity, err))
	}
	if artifact.Signature == "" {
		return commonerrors.NewVerificationFailed(fmt.Sprintf(
			"artifact %s has no detached signature", artifact.Identity))
	}
	return nil
}
