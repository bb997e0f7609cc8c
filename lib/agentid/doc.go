// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentid derives the stable identifier an agent registers
// under.
//
// The identifier is "PC-" followed by the hex encoding of the first 16
// bytes of a BLAKE3 digest over the machine's hostname, architecture
// and processor description. The same machine produces the same
// identifier across restarts, so a reconnecting agent replaces its own
// stale registration instead of appearing twice.
//
// The identifier is not a credential. Any client can register under
// any identifier; the broker does not authenticate agents.
package agentid
