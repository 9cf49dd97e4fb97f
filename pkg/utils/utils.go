/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package utils

import (
	"encoding/json"
	"fmt"

	utilrand "k8s.io/apimachinery/pkg/util/rand"
)

const (
	randomLength           = 5
	MaxNameLength          = 63
	MaxGeneratedNameLength = MaxNameLength - randomLength - 1
)

// GenerateName generates a unique name by appending a random string to the base name.
func GenerateName(base string) string {
	if base == "" {
		return ""
	}
	if len(base) > MaxGeneratedNameLength {
		base = base[0:MaxGeneratedNameLength]
	}
	return fmt.Sprintf("%s-%s", base, utilrand.String(randomLength))
}

// MarshalSilently marshals v to JSON and swallows errors, returning nil instead.
func MarshalSilently(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
