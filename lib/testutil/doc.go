// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern for bounded channel waits, so a broken relay or a stuck
// accept loop fails the test instead of hanging it.
//
// Both helpers call t.Fatalf on failure.
package testutil
