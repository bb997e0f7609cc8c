// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/frame"
	"github.com/bureau-foundation/rendezvous/lib/netutil"
	"github.com/bureau-foundation/rendezvous/transport"
)

// DefaultRegistrationTimeout bounds the wait for the broker's reply to
// REGISTER.
const DefaultRegistrationTimeout = 10 * time.Second

// ErrRegistrationRejected is returned by Run when the broker answers
// REGISTRATION_FAILED. Reconnecting would be rejected the same way.
var ErrRegistrationRejected = errors.New("agent: broker rejected registration")

// Agent is a long-running connection from one machine to the broker.
type Agent struct {
	// ID, User and Host are sent in REGISTER.
	ID   string
	User string
	Host string

	// BrokerAddress is dialed through Dialer. A nil Dialer uses a
	// transport.TCPDialer.
	BrokerAddress string
	Dialer        transport.Dialer

	Executor *Executor
	Files    *Files

	// ReconnectDelay is the first wait after the broker connection is
	// lost; it doubles per failed attempt up to MaxReconnectDelay and
	// resets after a successful registration. Zero disables
	// reconnection: Run returns the first connection error.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// RegistrationTimeout bounds the wait for the REGISTER reply. Zero
	// selects DefaultRegistrationTimeout.
	RegistrationTimeout time.Duration

	// MaxFrameSize bounds one request frame. Zero selects the frame
	// package default.
	MaxFrameSize int

	// Clock drives reconnect backoff. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives connection and request events. Nil means
	// slog.Default().
	Logger *slog.Logger

	// OnRegistered, if set, is called after each successful
	// registration.
	OnRegistered func()
}

func (a *Agent) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func (a *Agent) clock() clock.Clock {
	if a.Clock == nil {
		return clock.Real()
	}
	return a.Clock
}

// Run connects, registers, and serves requests until ctx is cancelled
// (returning nil), registration is rejected, or the connection is lost
// with reconnection disabled.
func (a *Agent) Run(ctx context.Context) error {
	if a.ID == "" {
		return errors.New("agent: ID is required")
	}
	if a.Executor == nil {
		a.Executor = &Executor{}
	}
	if a.Files == nil {
		a.Files = &Files{}
	}

	logger := a.logger().With("agent_id", a.ID, "broker", a.BrokerAddress)
	delay := a.ReconnectDelay
	for {
		registered, err := a.connectAndServe(ctx, logger)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRegistrationRejected) || a.ReconnectDelay <= 0 {
			return err
		}
		if registered {
			delay = a.ReconnectDelay
		}

		logger.Warn("broker connection lost, reconnecting",
			"error", err,
			"delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock().After(delay):
		}

		delay *= 2
		if a.MaxReconnectDelay > 0 && delay > a.MaxReconnectDelay {
			delay = a.MaxReconnectDelay
		}
	}
}

// connectAndServe runs one broker connection. It reports whether
// registration succeeded before the connection ended.
func (a *Agent) connectAndServe(ctx context.Context, logger *slog.Logger) (bool, error) {
	dialer := a.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: DefaultRegistrationTimeout}
	}
	conn, err := dialer.DialContext(ctx, a.BrokerAddress)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := frame.NewReader(conn, a.MaxFrameSize)
	writer := frame.NewWriter(conn)

	if err := a.register(conn, reader, writer); err != nil {
		return false, err
	}
	logger.Info("registered with broker")
	if a.OnRegistered != nil {
		a.OnRegistered()
	}

	for {
		request, err := reader.ReadFrame()
		var protocolError *frame.ProtocolError
		if errors.As(err, &protocolError) {
			logger.Debug("malformed request", "error", err)
			if err := writer.WriteFrame(frame.VerbError, protocolError.Error()); err != nil {
				return true, err
			}
			continue
		}
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				return true, fmt.Errorf("broker closed the connection: %w", err)
			}
			return true, err
		}
		if err := a.handle(ctx, logger, reader, writer, request); err != nil {
			return true, err
		}
	}
}

func (a *Agent) register(conn net.Conn, reader *frame.Reader, writer *frame.Writer) error {
	if err := writer.WriteFrame(frame.VerbRegister, a.ID, a.User, a.Host); err != nil {
		return err
	}

	timeout := a.RegistrationTimeout
	if timeout <= 0 {
		timeout = DefaultRegistrationTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	reply, err := reader.ReadFrame()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("waiting for registration reply: %w", err)
	}

	switch reply.Verb {
	case frame.VerbRegistered:
		return nil
	case frame.VerbRegistrationFailed:
		return ErrRegistrationRejected
	default:
		return fmt.Errorf("unexpected registration reply %q", reply.Verb)
	}
}

// handle answers one request. Only stream failures are returned;
// failures of the request itself become error replies.
func (a *Agent) handle(ctx context.Context, logger *slog.Logger, reader *frame.Reader, writer *frame.Writer, request frame.Frame) error {
	switch request.Verb {
	case frame.VerbCommand:
		text := request.Field(0)
		logger.Debug("executing command", "command", text)
		result, err := a.Executor.Execute(ctx, text)
		if err != nil {
			logger.Info("command failed", "command", text, "error", err)
			return writer.WriteFrame(frame.VerbCommandError, err.Error())
		}
		logger.Debug("command finished", "command", text, "exit_code", result.ExitCode, "output_bytes", len(result.Output))
		return writer.WriteFrame(frame.VerbCommandResult, result.Output)

	case frame.VerbFileRequest:
		path := request.Field(0)
		metadata, data, err := a.Files.Serve(path)
		if err != nil {
			logger.Info("file request failed", "path", path, "error", err)
			return writer.WriteFrame(frame.VerbFileError, fileErrorText(path, err))
		}
		logger.Debug("sending file", "path", path, "size", metadata.Size)
		return writer.WriteFile(metadata.Name, data)

	case frame.VerbPing, frame.VerbHeartbeat:
		return writer.WriteFrame(frame.VerbPong)

	case frame.VerbPong:
		return nil

	case frame.VerbFileInfo:
		// Agents only send files. Skip the payload so the next request
		// is read as a frame.
		discarded, err := reader.DiscardPayload()
		if err != nil {
			return err
		}
		logger.Debug("discarded unsolicited file payload", "bytes", discarded)
		return writer.WriteFrame(frame.VerbUnknownCommand)

	default:
		logger.Debug("unknown request", "verb", request.Verb)
		return writer.WriteFrame(frame.VerbUnknownCommand)
	}
}
