// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides connection I/O helpers shared by the broker,
// the relay, and the agent.
//
// [Pump] copies one direction of a spliced connection and reports
// whether it stopped because the source or the destination failed. The
// relay needs that distinction to decide which transport is broken.
//
// Connection error helpers ([IsExpectedCloseError], [IsTimeout])
// classify errors that occur during normal teardown or during a
// deliberate read-deadline interruption.
package netutil
