// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay splices a controller connection and an agent
// connection into one bidirectional byte pipe.
//
// A [Session] owns the controller endpoint and borrows the agent
// endpoint from the broker. Run copies bytes in both directions with
// [netutil.Pump] until either direction stops, then tears down:
//
//   - The controller connection is always closed.
//   - If the agent side failed (its read ended or a write to it
//     failed), the agent connection is closed too.
//   - Otherwise the agent read is interrupted with an expired read
//     deadline, the copy loop is awaited, and the deadline is cleared,
//     leaving the agent connection usable for the next session.
//
// The [Config.OnClosing] hook runs after teardown and before the
// session reports [Closed]; the broker uses it to release the agent's
// busy marker and return or evict the link.
//
// Payload bytes are never parsed. Ordering within one direction is
// preserved; there is no ordering between directions.
package relay
