// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentid

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestDeriveIsStable(t *testing.T) {
	info := MachineInfo{Hostname: "workstation1", Architecture: "x86_64", Processor: "AMD EPYC 7763 64-Core Processor"}
	first := Derive(info)
	if first != Derive(info) {
		t.Fatal("Derive is not deterministic")
	}
	if !strings.HasPrefix(first, Prefix) {
		t.Fatalf("identifier %q lacks %q prefix", first, Prefix)
	}
	digest := strings.TrimPrefix(first, Prefix)
	if len(digest) != 32 {
		t.Errorf("digest length = %d, want 32 hex characters", len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		t.Errorf("digest %q is not hex: %v", digest, err)
	}
}

func TestDeriveDistinguishesMachines(t *testing.T) {
	base := MachineInfo{Hostname: "a", Architecture: "x86_64", Processor: "cpu"}
	variants := []MachineInfo{
		{Hostname: "b", Architecture: "x86_64", Processor: "cpu"},
		{Hostname: "a", Architecture: "aarch64", Processor: "cpu"},
		{Hostname: "a", Architecture: "x86_64", Processor: "other"},
	}
	for _, variant := range variants {
		if Derive(variant) == Derive(base) {
			t.Errorf("Derive(%+v) collides with Derive(%+v)", variant, base)
		}
	}
}

func TestCurrentUser(t *testing.T) {
	t.Setenv("USER", "alice")
	t.Setenv("USERNAME", "ALICE")
	if got := CurrentUser(); got != "alice" {
		t.Errorf("CurrentUser() = %q, want alice", got)
	}

	t.Setenv("USER", "")
	if got := CurrentUser(); got != "ALICE" {
		t.Errorf("CurrentUser() = %q, want USERNAME fallback", got)
	}

	t.Setenv("USERNAME", "")
	if got := CurrentUser(); got != "unknown" {
		t.Errorf("CurrentUser() = %q, want unknown", got)
	}
}
