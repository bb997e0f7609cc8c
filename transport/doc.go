// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the stream connections agents and
// controllers use to reach the broker.
//
// [Listener] accepts inbound connections (Accept, Address, Close) and
// [Dialer] opens outbound ones (DialContext). The broker consumes a
// Listener; the agent runtime and the controller client consume a
// Dialer. Connections are plain net.Conn values: the broker relies on
// read deadlines to interrupt an agent link's idle reader, so any
// implementation must honor SetReadDeadline.
//
// [TCPListener] and [TCPDialer] are the production implementation.
// Both enable TCP keepalive so a peer that vanishes without a FIN is
// eventually noticed even while a relay session is idle. Traffic is
// neither authenticated nor encrypted.
package transport
