/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package utils

import (
	"time"
)

const (
	TimeRFC3339Short = "2006-01-02T15:04:05"
)

// FormatRFC3339 formats a time as a short RFC3339 string, empty for zero times.
func FormatRFC3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeRFC3339Short)
}

// CeilDiv returns ceil(a / b) for positive integers.
func CeilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
