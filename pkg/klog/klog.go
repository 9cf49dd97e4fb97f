/*
 * Copyright (C) 2025-2026, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package klog

import (
	"flag"
	"fmt"
	"strconv"

	"k8s.io/klog/v2"
)

// Init configures klog for the orchestrator. Without a file path everything
// goes to stderr only; with one, logs go to both the file and stderr and the
// file rotates at logFileSize megabytes.
func Init(logfilePath string, logFileSize int) error {
	klog.InitFlags(nil)
	settings := map[string]string{
		"skip_log_headers": "true",
	}
	if logfilePath == "" {
		settings["logtostderr"] = "true"
	} else {
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "true"
		settings["log_file"] = logfilePath
		if logFileSize > 0 {
			settings["log_file_max_size"] = strconv.Itoa(logFileSize)
		}
	}
	for name, value := range settings {
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("failed to set log flag %s: %v", name, err)
		}
	}
	flag.Parse()
	return nil
}
