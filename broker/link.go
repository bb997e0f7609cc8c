// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/frame"
)

// pingWriteTimeout bounds a keepalive write so a wedged agent cannot
// stall the sweep.
const pingWriteTimeout = 5 * time.Second

var (
	errLinkLent       = errors.New("agent link is lent to a session")
	errLinkGone       = errors.New("agent link closed")
	errLinkBusy       = errors.New("agent link already has a pending borrower")
	errHandoffTimeout = errors.New("agent link handoff timed out")
)

// link is the broker's side of one registered agent connection. While
// idle, the link's worker goroutine is the only reader of conn. A
// session borrows the connection by posting a lendRequest and
// interrupting the worker's read with an expired deadline; the worker
// detaches its frame reader, hands the raw stream over, and parks until
// the session gives it back.
//
// link implements registry.Transport, so the registry can close the
// connection on replacement or eviction.
type link struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	// writeMu serializes broker-originated writes (PONG, PING, ERROR)
	// and guards lent. Nothing the broker writes itself may reach the
	// connection while a session owns it.
	writeMu sync.Mutex
	lent    bool

	lend chan lendRequest
	done chan struct{}
}

type lendRequest struct {
	reply   chan lease
	abandon chan struct{}
}

// lease is a borrowed agent stream. The borrower sends exactly one
// value on returned: true if the connection is still usable, false if
// the session closed it.
type lease struct {
	reader   io.Reader
	returned chan bool
}

func newLink(conn net.Conn, reader *frame.Reader) *link {
	return &link{
		conn:   conn,
		reader: reader,
		writer: frame.NewWriter(conn),
		lend:   make(chan lendRequest, 1),
		done:   make(chan struct{}),
	}
}

// Close closes the agent connection, which ends the worker.
func (l *link) Close() error {
	return l.conn.Close()
}

// send writes a broker-originated frame unless the link is lent.
func (l *link) send(verb string, fields ...string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.lent {
		return errLinkLent
	}
	return l.writer.WriteFrame(verb, fields...)
}

// ping writes a keepalive PING with a bounded write deadline.
func (l *link) ping() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.lent {
		return errLinkLent
	}
	l.conn.SetWriteDeadline(time.Now().Add(pingWriteTimeout))
	err := l.writer.WriteFrame(frame.VerbPing)
	l.conn.SetWriteDeadline(time.Time{})
	return err
}

func (l *link) setLent(lent bool) {
	l.writeMu.Lock()
	l.lent = lent
	l.writeMu.Unlock()
}

// borrow asks the worker for the agent stream and waits up to timeout
// for it. The caller must hold the registry busy marker so at most one
// borrower is pending.
func (l *link) borrow(timeout time.Duration, clk clock.Clock) (lease, error) {
	request := lendRequest{
		reply:   make(chan lease),
		abandon: make(chan struct{}),
	}
	select {
	case l.lend <- request:
	default:
		return lease{}, errLinkBusy
	}
	// Wake the worker out of its blocking read. A closed connection
	// reports an error here, which the done case below picks up.
	l.conn.SetReadDeadline(time.Unix(1, 0))

	select {
	case granted := <-request.reply:
		return granted, nil
	case <-l.done:
		return lease{}, errLinkGone
	case <-clk.After(timeout):
		close(request.abandon)
		// Drop the request if the worker never picked it up, so the
		// next borrower can post.
		select {
		case <-l.lend:
		default:
		}
		return lease{}, errHandoffTimeout
	}
}

// serveLend hands the stream to a pending borrower, if any, and blocks
// until it is returned. It reports false when the borrower closed the
// connection.
func (l *link) serveLend() bool {
	var request lendRequest
	select {
	case request = <-l.lend:
	default:
		return true
	}

	raw, err := l.reader.Detach()
	if err != nil {
		// Only possible mid-payload; the borrower gives up after the
		// handoff timeout.
		return true
	}
	l.setLent(true)

	returned := make(chan bool, 1)
	select {
	case request.reply <- lease{reader: raw, returned: returned}:
	case <-request.abandon:
		l.reader.Attach()
		l.setLent(false)
		return true
	}

	healthy := <-returned
	l.reader.Attach()
	if !healthy {
		return false
	}
	l.setLent(false)
	return true
}
