// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package agentid

import (
	"fmt"
	"os"
	"runtime"
)

// Probe collects MachineInfo from the hostname and GOARCH. The
// processor description is not available off Linux.
func Probe() (MachineInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return MachineInfo{}, fmt.Errorf("hostname: %w", err)
	}
	return MachineInfo{Hostname: hostname, Architecture: runtime.GOARCH}, nil
}
