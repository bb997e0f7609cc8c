// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that read the time or wait on it (registry liveness
// stamps, broker keepalive and idle eviction, agent reconnect backoff)
// take a Clock field. Production code leaves it nil or sets Real();
// tests use Fake, which moves only when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	broker := &broker.Broker{Clock: fake, ...}
//	fake.WaitForTimers(1)         // keepalive ticker registered
//	fake.Advance(30 * time.Second) // one keepalive round
//
// WaitForTimers closes the race between a goroutine registering its
// timer and the test advancing past it.
package clock
