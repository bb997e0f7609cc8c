// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/frame"
	"github.com/bureau-foundation/rendezvous/lib/netutil"
	"github.com/bureau-foundation/rendezvous/transport"
)

var (
	// ErrAgentNotFound is returned by Connect for PC_NOT_FOUND.
	ErrAgentNotFound = errors.New("controller: agent not found")

	// ErrAgentBusy is returned by Connect for PC_BUSY.
	ErrAgentBusy = errors.New("controller: agent busy")

	// ErrNotConnected is returned by agent requests issued before a
	// successful Connect.
	ErrNotConnected = errors.New("controller: not connected to an agent")

	// ErrAlreadyConnected is returned by broker requests issued after
	// Connect, when the broker no longer reads the stream.
	ErrAlreadyConnected = errors.New("controller: already connected to an agent")
)

// RemoteError is an error reply from the broker or agent: CMD_ERROR,
// FILE_ERROR, ERROR or UNKNOWN_COMMAND.
type RemoteError struct {
	Verb    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Verb
	}
	return e.Verb + ": " + e.Message
}

// Client is one controller connection.
type Client struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	agentID string
}

// Dial connects to the broker at address.
func Dial(ctx context.Context, dialer transport.Dialer, address string) (*Client, error) {
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: 10 * time.Second}
	}
	conn, err := dialer.DialContext(ctx, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, 0), nil
}

// NewClient wraps an established broker connection. maxFrameSize <= 0
// selects the frame package default.
func NewClient(conn net.Conn, maxFrameSize int) *Client {
	return &Client{
		conn:   conn,
		reader: frame.NewReader(conn, maxFrameSize),
		writer: frame.NewWriter(conn),
	}
}

// AgentID returns the agent the client is connected to, or "".
func (c *Client) AgentID() string { return c.agentID }

// Close closes the connection, ending any relay session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListAgents asks the broker for the registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]frame.AgentInfo, error) {
	if c.agentID != "" {
		return nil, ErrAlreadyConnected
	}
	reply, err := c.roundTrip(ctx, frame.New(frame.VerbGetPCs))
	if err != nil {
		return nil, err
	}
	if reply.Verb != frame.VerbPCList {
		return nil, unexpected(reply)
	}
	return frame.ParseAgentList(reply)
}

// Connect asks the broker to splice this connection to agent id.
// PC_NOT_FOUND and PC_BUSY leave the connection usable for another
// attempt.
func (c *Client) Connect(ctx context.Context, id string) error {
	if c.agentID != "" {
		return ErrAlreadyConnected
	}
	reply, err := c.roundTrip(ctx, frame.New(frame.VerbConnect, id))
	if err != nil {
		return err
	}
	switch reply.Verb {
	case frame.VerbConnected:
		c.agentID = id
		return nil
	case frame.VerbPCNotFound:
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	case frame.VerbPCBusy:
		return fmt.Errorf("%w: %s", ErrAgentBusy, id)
	default:
		return unexpected(reply)
	}
}

// Exec runs text on the connected agent and returns its combined
// output. A CMD_ERROR reply is returned as *RemoteError.
func (c *Client) Exec(ctx context.Context, text string) (string, error) {
	if c.agentID == "" {
		return "", ErrNotConnected
	}
	reply, err := c.roundTrip(ctx, frame.New(frame.VerbCommand, text))
	if err != nil {
		return "", err
	}
	if reply.Verb != frame.VerbCommandResult {
		return "", unexpected(reply)
	}
	return reply.Field(0), nil
}

// FetchFile downloads path from the connected agent and returns the
// announced name and content. A FILE_ERROR reply is returned as
// *RemoteError.
func (c *Client) FetchFile(ctx context.Context, path string) (string, []byte, error) {
	if c.agentID == "" {
		return "", nil, ErrNotConnected
	}
	var data []byte
	reply, err := c.exchange(ctx, frame.New(frame.VerbFileRequest, path), func(reply frame.Frame) error {
		if reply.Verb != frame.VerbFileInfo {
			return nil
		}
		payload, err := c.reader.ReadPayload()
		data = payload
		return err
	})
	if err != nil {
		return "", nil, err
	}
	if reply.Verb != frame.VerbFileInfo {
		return "", nil, unexpected(reply)
	}
	return reply.Field(0), data, nil
}

// Ping checks that the agent (or, before Connect, the broker) answers.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.exchange(ctx, frame.New(frame.VerbPing), nil)
	if err != nil {
		return err
	}
	if reply.Verb != frame.VerbPong {
		return unexpected(reply)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, request frame.Frame) (frame.Frame, error) {
	return c.exchange(ctx, request, nil)
}

// exchange writes request and reads its reply, skipping keepalive
// PONGs that were in flight on the agent stream when the session
// started. onReply runs before the deadline is cleared so payload
// reads are bounded by ctx too.
func (c *Client) exchange(ctx context.Context, request frame.Frame, onReply func(frame.Frame) error) (frame.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.writer.Write(request); err != nil {
		return frame.Frame{}, c.contextError(ctx, err)
	}
	for {
		reply, err := c.reader.ReadFrame()
		if err != nil {
			return frame.Frame{}, c.contextError(ctx, fmt.Errorf("reading %s reply: %w", request.Verb, err))
		}
		if reply.Verb == frame.VerbPong && request.Verb != frame.VerbPing {
			continue
		}
		if onReply != nil {
			if err := onReply(reply); err != nil {
				return frame.Frame{}, c.contextError(ctx, err)
			}
		}
		return reply, nil
	}
}

// contextError reports ctx's error for failures caused by the
// deadlines exchange derives from ctx. The connection deadline and the
// context's timer expire independently, so a timeout may be observed
// just before ctx is marked done.
func (c *Client) contextError(ctx context.Context, err error) error {
	if netutil.IsTimeout(err) && ctx.Done() != nil {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// unexpected converts an error reply to *RemoteError and anything else
// to a protocol error.
func unexpected(reply frame.Frame) error {
	switch reply.Verb {
	case frame.VerbCommandError, frame.VerbFileError, frame.VerbError, frame.VerbUnknownCommand:
		return &RemoteError{Verb: reply.Verb, Message: reply.Field(0)}
	default:
		return &frame.ProtocolError{Verb: reply.Verb, Reason: "unexpected reply"}
	}
}
