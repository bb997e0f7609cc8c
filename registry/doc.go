// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the agents currently connected to a broker.
//
// A [Registry] maps agent identifiers to [Agent] handles. At most one
// handle exists per identifier: registering an identifier that is
// already present replaces the old handle and closes its transport, so
// an agent that reconnects after a network blip takes over from its
// own stale connection.
//
// Handles carry a busy marker set by [Registry.Acquire] and cleared by
// [Registry.Release]. The broker uses it to allow one relay session per
// agent. Liveness is tracked with [Registry.Touch] and enforced by
// [Registry.EvictIdle], which never evicts an agent in a session.
//
// Every method is safe for concurrent use. The registry's mutex guards
// only map and field updates; transports are closed after it is
// released.
package registry
