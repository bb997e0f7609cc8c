// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentid

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Probe collects MachineInfo for the running host: nodename and
// machine from uname(2), processor from /proc/cpuinfo.
func Probe() (MachineInfo, error) {
	return probeFrom("/proc")
}

func probeFrom(procRoot string) (MachineInfo, error) {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		return MachineInfo{}, fmt.Errorf("uname: %w", err)
	}
	return MachineInfo{
		Hostname:     unix.ByteSliceToString(name.Nodename[:]),
		Architecture: unix.ByteSliceToString(name.Machine[:]),
		Processor:    readCPUModel(filepath.Join(procRoot, "cpuinfo")),
	}, nil
}

// readCPUModel returns the first "model name" value, or "" when the
// file is missing or has none (as on most ARM kernels).
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}
