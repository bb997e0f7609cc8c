// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// DefaultKeepAlive is the TCP keepalive period for accepted and dialed
// connections.
const DefaultKeepAlive = 30 * time.Second

// TCPListener accepts inbound TCP connections.
type TCPListener struct {
	listener  *net.TCPListener
	keepAlive time.Duration
}

// NewTCPListener listens on address (e.g., ":2810" or
// "127.0.0.1:0"). keepAlive <= 0 selects DefaultKeepAlive.
func NewTCPListener(address string, keepAlive time.Duration) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &TCPListener{listener: listener.(*net.TCPListener), keepAlive: keepAlive}, nil
}

// Accept returns the next connection with keepalive enabled.
func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     l.keepAlive,
		Interval: l.keepAlive,
		Count:    -1,
	})
	return conn, nil
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP connections to the broker.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration

	// KeepAlive is the TCP keepalive period. Zero selects
	// DefaultKeepAlive.
	KeepAlive time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return conn, nil
}
