// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package agent

import "os/exec"

// killProcessGroupOnCancel keeps exec's default of killing only the
// shell process.
func killProcessGroupOnCancel(cmd *exec.Cmd) {}
