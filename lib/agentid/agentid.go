// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentid

import (
	"encoding/hex"
	"os"

	"github.com/zeebo/blake3"
)

// Prefix starts every derived identifier.
const Prefix = "PC-"

// digestBytes is how much of the digest the identifier keeps.
const digestBytes = 16

// MachineInfo is the input to Derive.
type MachineInfo struct {
	Hostname     string
	Architecture string
	Processor    string
}

// Derive returns the identifier for info. Fields are concatenated
// without separators.
func Derive(info MachineInfo) string {
	hasher := blake3.New()
	hasher.Write([]byte(info.Hostname))
	hasher.Write([]byte(info.Architecture))
	hasher.Write([]byte(info.Processor))
	digest := hasher.Sum(nil)
	return Prefix + hex.EncodeToString(digest[:digestBytes])
}

// CurrentUser returns the login name from USER, then USERNAME, or
// "unknown".
func CurrentUser() string {
	for _, name := range []string{"USER", "USERNAME"} {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return "unknown"
}
