// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/netutil"
)

// DefaultBufferSize is the per-direction copy buffer.
const DefaultBufferSize = netutil.DefaultPumpBufferSize

// State is a session's lifecycle position.
type State int32

const (
	// Attaching is the state between New and Run.
	Attaching State = iota
	// Active means both copy loops are running.
	Active
	// Closing means one loop has ended and teardown is in progress.
	Closing
	// Closed means teardown and the OnClosing hook have finished.
	Closed
)

func (s State) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Side names one end of a session.
type Side string

const (
	SideController Side = "controller"
	SideAgent      Side = "agent"
)

// Endpoint is one end of a session. Reader supplies the bytes to
// forward from this end and defaults to Conn; the broker passes a
// detached frame reader so bytes buffered during the handshake are not
// lost. Writes and teardown always go to Conn.
type Endpoint struct {
	Conn   net.Conn
	Reader io.Reader
}

func (e Endpoint) reader() io.Reader {
	if e.Reader != nil {
		return e.Reader
	}
	return e.Conn
}

// Result summarizes a finished session.
type Result struct {
	SessionID string

	// EndedBy is the side whose failure or disconnect stopped the
	// first copy loop.
	EndedBy Side

	// AgentFailed reports that the agent connection was closed because
	// it is no longer usable.
	AgentFailed bool

	ControllerToAgent int64
	AgentToController int64

	Duration time.Duration

	// Err is the error that ended the first copy loop.
	Err error
}

// Config holds optional session settings.
type Config struct {
	// BufferSize is the per-direction copy buffer. Zero selects
	// DefaultBufferSize.
	BufferSize int

	// Clock measures the session's duration. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives session lifecycle events. Nil means
	// slog.Default().
	Logger *slog.Logger

	// OnClosing runs once after both copy loops have stopped and the
	// connections are torn down.
	OnClosing func(Result)
}

// Session relays bytes between a controller and an agent.
type Session struct {
	ID        string
	CreatedAt time.Time

	controller Endpoint
	agent      Endpoint
	config     Config
	state      atomic.Int32
}

// direction identifies a copy loop.
type direction int

const (
	toAgent direction = iota
	toController
)

type loopResult struct {
	direction direction
	pump      netutil.PumpResult
}

// New creates a session in the Attaching state. Both endpoints must
// have a connection.
func New(id string, controller, agent Endpoint, config Config) (*Session, error) {
	if controller.Conn == nil {
		return nil, errors.New("relay: controller endpoint has no connection")
	}
	if agent.Conn == nil {
		return nil, errors.New("relay: agent endpoint has no connection")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	session := &Session{
		ID:         id,
		CreatedAt:  config.Clock.Now(),
		controller: controller,
		agent:      agent,
		config:     config,
	}
	session.state.Store(int32(Attaching))
	return session, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run relays until either side stops, tears the session down, and
// returns its result. It may be called once.
func (s *Session) Run() (Result, error) {
	if !s.state.CompareAndSwap(int32(Attaching), int32(Active)) {
		return Result{}, fmt.Errorf("relay: session %s already %s", s.ID, s.State())
	}
	logger := s.config.Logger.With("session_id", s.ID)
	logger.Debug("relay session active")

	loops := make(chan loopResult, 2)
	go func() {
		pump := netutil.Pump(s.agent.Conn, s.controller.reader(), make([]byte, s.config.BufferSize))
		loops <- loopResult{direction: toAgent, pump: pump}
	}()
	go func() {
		pump := netutil.Pump(s.controller.Conn, s.agent.reader(), make([]byte, s.config.BufferSize))
		loops <- loopResult{direction: toController, pump: pump}
	}()

	first := <-loops
	s.state.Store(int32(Closing))

	result := Result{
		SessionID:   s.ID,
		EndedBy:     endedBy(first),
		AgentFailed: agentFailed(first, false),
		Err:         first.pump.Err(),
	}

	s.controller.Conn.Close()
	if result.AgentFailed {
		s.agent.Conn.Close()
	} else {
		s.agent.Conn.SetReadDeadline(time.Unix(1, 0))
	}

	second := <-loops
	if !result.AgentFailed && agentFailed(second, true) {
		result.AgentFailed = true
		s.agent.Conn.Close()
	}
	if !result.AgentFailed {
		if err := s.agent.Conn.SetReadDeadline(time.Time{}); err != nil {
			result.AgentFailed = true
			s.agent.Conn.Close()
		}
	}

	for _, loop := range []loopResult{first, second} {
		if loop.direction == toAgent {
			result.ControllerToAgent = loop.pump.Bytes
		} else {
			result.AgentToController = loop.pump.Bytes
		}
	}
	result.Duration = s.config.Clock.Now().Sub(s.CreatedAt)

	level := slog.LevelDebug
	if result.Err != nil && !netutil.IsExpectedCloseError(result.Err) {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "relay session closed",
		"ended_by", string(result.EndedBy),
		"agent_failed", result.AgentFailed,
		"controller_to_agent_bytes", result.ControllerToAgent,
		"agent_to_controller_bytes", result.AgentToController,
		"duration", result.Duration,
		"error", result.Err)

	if s.config.OnClosing != nil {
		s.config.OnClosing(result)
	}
	s.state.Store(int32(Closed))
	return result, nil
}

// endedBy attributes the end of a copy loop to the side that failed.
func endedBy(loop loopResult) Side {
	readFailed := loop.pump.WriteErr == nil
	switch {
	case loop.direction == toAgent && readFailed:
		return SideController
	case loop.direction == toAgent:
		return SideAgent
	case readFailed:
		return SideAgent
	default:
		return SideController
	}
}

// agentFailed reports whether a loop's outcome means the agent
// connection is unusable. After the session interrupts the agent read,
// the resulting timeout is expected and does not count.
func agentFailed(loop loopResult, interrupted bool) bool {
	switch loop.direction {
	case toAgent:
		return loop.pump.WriteErr != nil
	default:
		if loop.pump.WriteErr != nil {
			return false
		}
		if interrupted && netutil.IsTimeout(loop.pump.ReadErr) {
			return false
		}
		return loop.pump.ReadErr != nil
	}
}
