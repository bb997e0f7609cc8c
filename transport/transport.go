// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listener accepts inbound connections for the broker.
type Listener interface {
	// Accept blocks until the next connection arrives. After Close it
	// returns an error wrapping net.ErrClosed.
	Accept() (net.Conn, error)

	// Address returns the address peers dial, in "host:port" form for
	// TCP.
	Address() string

	// Close stops accepting. Connections already returned by Accept
	// are not affected.
	Close() error
}

// Dialer opens connections to the broker.
type Dialer interface {
	// DialContext connects to address. The address format matches
	// what the broker's Listener.Address() returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
