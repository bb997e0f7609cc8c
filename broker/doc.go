// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the rendezvous server that agents and
// controllers both dial.
//
// Every connection starts in the line protocol (see lib/frame). A
// connection whose first meaningful frame is REGISTER becomes an agent
// link: it is stored in the [registry.Registry] and a worker goroutine
// reads it, answering PING and HEARTBEAT and recording liveness. A
// connection that sends GET_PCS, PING or a failed CONNECT stays in the
// line protocol. A successful CONNECT turns the connection into the
// controller end of a [relay.Session]; from then on the broker copies
// bytes without parsing them.
//
// An agent link serves one session at a time. To start a session the
// broker interrupts the link worker's blocking read with an expired
// deadline, and the worker hands over its frame reader's raw stream,
// including any buffered bytes. When the session ends because the
// controller left, the worker takes the link back and the agent is
// available again. When the agent's side fails, the link is closed and
// removed from the registry.
//
// A keepalive loop PINGs idle agents every PingInterval and evicts
// agents not heard from within IdleTimeout. Agents in a session are
// neither pinged nor evicted.
//
// Metrics are exported through Prometheus collectors created by
// [NewMetrics]; [MetricsHandler] serves them with a /healthz probe.
package broker
