// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/frame"
	"github.com/bureau-foundation/rendezvous/lib/netutil"
	"github.com/bureau-foundation/rendezvous/registry"
	"github.com/bureau-foundation/rendezvous/relay"
	"github.com/bureau-foundation/rendezvous/transport"
)

const (
	// DefaultPingInterval is how often idle agents are sent a PING and
	// the registry is swept for idle entries.
	DefaultPingInterval = 30 * time.Second

	// DefaultIdleTimeout is how long an idle agent may stay silent
	// before it is evicted.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultHandoffTimeout bounds how long a CONNECT waits for the
	// agent link to be handed over.
	DefaultHandoffTimeout = 5 * time.Second
)

// Broker accepts agent and controller connections on one listener,
// keeps the registry of agents, and pairs a controller with an agent
// into a relay session on CONNECT.
type Broker struct {
	// ListenAddr is the TCP address to listen on when Listener is nil.
	ListenAddr string

	// Listener, if set, is used instead of binding ListenAddr.
	Listener transport.Listener

	// Registry holds registered agents. Nil means a new registry using
	// Clock and Logger.
	Registry *registry.Registry

	// Metrics receives broker counters. Nil means unregistered
	// collectors.
	Metrics *Metrics

	// Clock drives the keepalive sweep and handoff timeouts. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	// Per-connection events are logged at Debug level; registrations,
	// evictions and session lifecycle at Info.
	Logger *slog.Logger

	// PingInterval is the keepalive period. Zero selects
	// DefaultPingInterval; negative disables PINGs.
	PingInterval time.Duration

	// IdleTimeout evicts idle agents silent for longer than this. Zero
	// selects DefaultIdleTimeout; negative disables eviction.
	IdleTimeout time.Duration

	// HandoffTimeout bounds the agent link handover on CONNECT. Zero
	// selects DefaultHandoffTimeout.
	HandoffTimeout time.Duration

	// MaxFrameSize bounds a single line. Zero selects
	// frame.DefaultMaxFrameSize.
	MaxFrameSize int

	// RelayBufferSize is the per-direction session buffer. Zero selects
	// relay.DefaultBufferSize.
	RelayBufferSize int

	listener transport.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func (b *Broker) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Broker) clock() clock.Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return clock.Real()
}

func (b *Broker) pingInterval() time.Duration {
	if b.PingInterval == 0 {
		return DefaultPingInterval
	}
	return b.PingInterval
}

func (b *Broker) idleTimeout() time.Duration {
	if b.IdleTimeout == 0 {
		return DefaultIdleTimeout
	}
	return b.IdleTimeout
}

func (b *Broker) handoffTimeout() time.Duration {
	if b.HandoffTimeout <= 0 {
		return DefaultHandoffTimeout
	}
	return b.HandoffTimeout
}

// sweepInterval is the keepalive loop period, or zero when neither
// PINGs nor eviction are enabled.
func (b *Broker) sweepInterval() time.Duration {
	if interval := b.pingInterval(); interval > 0 {
		return interval
	}
	if timeout := b.idleTimeout(); timeout > 0 {
		return timeout
	}
	return 0
}

// Start binds the listener and begins accepting connections. It
// returns once the listener is accepting, or an error if binding fails.
// The broker runs in the background until Stop is called or ctx is
// cancelled.
func (b *Broker) Start(ctx context.Context) error {
	if b.Listener == nil && b.ListenAddr == "" {
		return fmt.Errorf("broker: ListenAddr or Listener is required")
	}
	if b.Registry == nil {
		b.Registry = registry.New(b.clock(), b.logger())
	}
	if b.Metrics == nil {
		b.Metrics = NewMetrics(nil, b.Registry)
	}

	b.listener = b.Listener
	if b.listener == nil {
		listener, err := transport.NewTCPListener(b.ListenAddr, transport.DefaultKeepAlive)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		b.listener = listener
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	loops := make(chan struct{}, 2)
	go func() {
		b.acceptLoop(ctx)
		loops <- struct{}{}
	}()
	go func() {
		b.keepaliveLoop(ctx)
		loops <- struct{}{}
	}()
	go func() {
		<-loops
		<-loops
		close(b.done)
	}()
	// Cancelling ctx stops the broker as Stop does.
	go func() {
		<-ctx.Done()
		b.listener.Close()
	}()

	b.logger().Info("broker started",
		"listen_addr", b.listener.Address(),
		"ping_interval", b.pingInterval(),
		"idle_timeout", b.idleTimeout(),
	)
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns "" if the broker has not been started.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Address()
}

// Stop closes the listener and stops the keepalive loop. Registered
// agents and sessions in progress are left running.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	b.Wait()
}

// Wait blocks until the broker has stopped accepting connections.
func (b *Broker) Wait() {
	if b.done != nil {
		<-b.done
	}
}

func (b *Broker) acceptLoop(ctx context.Context) {
	var connectionCount int64

	for {
		connection, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger().Error("accept failed", "error", err)
			continue
		}

		connectionCount++
		go b.handleConnection(connection, connectionCount)
	}
}

// keepaliveLoop PINGs idle agents and evicts silent ones on every tick.
func (b *Broker) keepaliveLoop(ctx context.Context) {
	interval := b.sweepInterval()
	if interval <= 0 {
		return
	}
	ticker := b.clock().NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep evicts idle agents and pings the rest.
func (b *Broker) sweep() {
	if timeout := b.idleTimeout(); timeout > 0 {
		evicted := b.Registry.EvictIdle(b.clock().Now().Add(-timeout))
		for _, entry := range evicted {
			b.Metrics.Evictions.WithLabelValues(EvictionIdle).Inc()
			b.logger().Info("agent evicted",
				"agent_id", entry.ID,
				"reason", EvictionIdle,
				"last_seen", entry.LastSeen,
			)
		}
	}

	if b.pingInterval() <= 0 {
		return
	}
	for _, entry := range b.Registry.Snapshot() {
		if entry.SessionID != "" {
			continue
		}
		agent, err := b.Registry.Lookup(entry.ID)
		if err != nil {
			continue
		}
		agentLink, ok := agent.Transport.(*link)
		if !ok {
			continue
		}
		if err := agentLink.ping(); err != nil && !errors.Is(err, errLinkLent) {
			b.logger().Debug("keepalive ping failed", "agent_id", entry.ID, "error", err)
		}
	}
}

// handleConnection reads the first frames of a new connection. A
// REGISTER turns it into an agent link; a successful CONNECT turns it
// into the controller end of a session. Any other request is answered
// in place.
func (b *Broker) handleConnection(conn net.Conn, connectionID int64) {
	logger := b.logger().With("connection_id", connectionID)
	logger.Debug("connection accepted", "remote_addr", conn.RemoteAddr())

	reader := frame.NewReader(conn, b.MaxFrameSize)
	writer := frame.NewWriter(conn)

	for {
		request, err := reader.ReadFrame()
		if err != nil {
			var protocolError *frame.ProtocolError
			if errors.As(err, &protocolError) {
				b.Metrics.ProtocolErrors.Inc()
				logger.Debug("malformed frame", "error", err)
				if err := writer.WriteFrame(frame.VerbError, protocolError.Error()); err != nil {
					conn.Close()
					return
				}
				continue
			}
			if netutil.IsExpectedCloseError(err) {
				logger.Debug("connection closed")
			} else {
				logger.Debug("connection read failed", "error", err)
			}
			conn.Close()
			return
		}

		switch request.Verb {
		case frame.VerbGetPCs:
			err = b.writeAgentList(writer)

		case frame.VerbPing, frame.VerbHeartbeat:
			err = writer.WriteFrame(frame.VerbPong)

		case frame.VerbRegister:
			if request.Field(0) == "" {
				err = writer.WriteFrame(frame.VerbRegistrationFailed)
				break
			}
			b.serveAgent(conn, reader, request, logger)
			return

		case frame.VerbConnect:
			if b.connect(conn, reader, writer, request.Field(0), logger) {
				return
			}

		case frame.VerbFileInfo:
			// Discard an unsolicited payload so the stream stays framed.
			_, err = reader.DiscardPayload()
			if err == nil {
				err = writer.WriteFrame(frame.VerbUnknownCommand)
			}

		default:
			err = writer.WriteFrame(frame.VerbUnknownCommand)
		}
		if err != nil {
			logger.Debug("connection write failed", "error", err)
			conn.Close()
			return
		}
	}
}

func (b *Broker) writeAgentList(writer *frame.Writer) error {
	entries := b.Registry.Snapshot()
	agents := make([]frame.AgentInfo, 0, len(entries))
	for _, entry := range entries {
		agents = append(agents, frame.AgentInfo{
			ID:       entry.ID,
			Username: entry.User,
			Hostname: entry.Host,
		})
	}
	list, err := frame.AgentList(agents)
	if err != nil {
		return err
	}
	return writer.Write(list)
}

// serveAgent registers the connection as an agent link and runs its
// idle worker until the connection ends.
func (b *Broker) serveAgent(conn net.Conn, reader *frame.Reader, register frame.Frame, logger *slog.Logger) {
	id, user, host := register.Field(0), register.Field(1), register.Field(2)
	agentLink := newLink(conn, reader)

	agent, replaced := b.Registry.Register(id, user, host, agentLink)
	b.Metrics.Registrations.Inc()
	if replaced {
		b.Metrics.Evictions.WithLabelValues(EvictionReplaced).Inc()
	}

	logger = logger.With("agent_id", id)
	if err := agentLink.send(frame.VerbRegistered); err != nil {
		logger.Debug("registration reply failed", "error", err)
	}
	logger.Info("agent registered", "user", user, "host", host, "replaced", replaced)

	b.runLink(agentLink, agent, logger)
}

// runLink is the idle worker of an agent link: the sole reader of the
// connection whenever no session has borrowed it.
func (b *Broker) runLink(agentLink *link, agent *registry.Agent, logger *slog.Logger) {
	defer func() {
		agentLink.conn.Close()
		removed := b.Registry.Remove(agent)
		close(agentLink.done)
		if removed {
			b.Metrics.Evictions.WithLabelValues(EvictionDisconnect).Inc()
			logger.Info("agent disconnected")
		}
	}()

	for {
		message, err := agentLink.reader.ReadFrame()
		if err != nil {
			var protocolError *frame.ProtocolError
			switch {
			case errors.As(err, &protocolError):
				b.Metrics.ProtocolErrors.Inc()
				logger.Debug("malformed frame from agent", "error", err)
				agentLink.send(frame.VerbError, protocolError.Error())
				continue
			case netutil.IsTimeout(err):
				agentLink.conn.SetReadDeadline(time.Time{})
				if !agentLink.serveLend() {
					return
				}
				continue
			case netutil.IsExpectedCloseError(err):
				logger.Debug("agent connection closed")
				return
			default:
				logger.Debug("agent connection read failed", "error", err)
				return
			}
		}

		b.Registry.Touch(agent)
		switch message.Verb {
		case frame.VerbPing, frame.VerbHeartbeat:
			agentLink.send(frame.VerbPong)
		case frame.VerbPong:
		case frame.VerbFileInfo:
			discarded, err := agentLink.reader.DiscardPayload()
			if err != nil {
				return
			}
			logger.Debug("discarded file payload from idle agent", "bytes", discarded)
		default:
			logger.Debug("ignoring frame from idle agent", "verb", message.Verb)
		}
	}
}

// connect handles a CONNECT request. It reports whether the connection
// was consumed: true once a session has run or the controller could not
// be told about it, false when the reply was PC_NOT_FOUND or PC_BUSY
// and the connection continues with the next request.
func (b *Broker) connect(conn net.Conn, reader *frame.Reader, writer *frame.Writer, id string, logger *slog.Logger) bool {
	sessionID := uuid.NewString()
	logger = logger.With("agent_id", id, "session_id", sessionID)

	agent, err := b.Registry.Acquire(id, sessionID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return b.refuse(conn, writer, frame.VerbPCNotFound, ConnectNotFound, logger)
	case errors.Is(err, registry.ErrBusy):
		return b.refuse(conn, writer, frame.VerbPCBusy, ConnectBusy, logger)
	}
	agentLink, ok := agent.Transport.(*link)
	if !ok {
		b.Registry.Release(agent)
		return b.refuse(conn, writer, frame.VerbPCNotFound, ConnectNotFound, logger)
	}

	granted, err := agentLink.borrow(b.handoffTimeout(), b.clock())
	if err != nil {
		logger.Info("agent handoff failed", "error", err)
		b.Registry.Release(agent)
		return b.refuse(conn, writer, frame.VerbPCNotFound, ConnectNotFound, logger)
	}

	// Bytes the controller pipelined after CONNECT are already in the
	// frame reader's buffer; the detached reader forwards them.
	controllerReader, err := reader.Detach()
	if err == nil {
		err = writer.WriteFrame(frame.VerbConnected)
	}
	if err != nil {
		logger.Debug("connect reply failed", "error", err)
		b.Registry.Release(agent)
		granted.returned <- true
		conn.Close()
		return true
	}
	b.Metrics.ConnectRequests.WithLabelValues(ConnectConnected).Inc()

	session, err := relay.New(sessionID,
		relay.Endpoint{Conn: conn, Reader: controllerReader},
		relay.Endpoint{Conn: agentLink.conn, Reader: granted.reader},
		relay.Config{
			BufferSize: b.RelayBufferSize,
			Clock:      b.clock(),
			Logger:     logger,
			OnClosing: func(result relay.Result) {
				b.Metrics.SessionsActive.Dec()
				b.Metrics.RelayBytes.WithLabelValues("controller_to_agent").Add(float64(result.ControllerToAgent))
				b.Metrics.RelayBytes.WithLabelValues("agent_to_controller").Add(float64(result.AgentToController))
				if result.AgentFailed {
					b.Registry.Remove(agent)
					b.Metrics.Evictions.WithLabelValues(EvictionDisconnect).Inc()
				}
				b.Registry.Release(agent)
				granted.returned <- !result.AgentFailed
			},
		})
	if err != nil {
		// Both endpoints have connections, so New cannot fail here.
		b.Registry.Release(agent)
		granted.returned <- true
		conn.Close()
		return true
	}

	b.Metrics.SessionsActive.Inc()
	logger.Info("relay session started")
	result, _ := session.Run()
	logger.Info("relay session ended",
		"ended_by", string(result.EndedBy),
		"agent_failed", result.AgentFailed,
		"duration", result.Duration,
	)
	return true
}

// refuse answers a CONNECT that cannot be served. It reports whether
// the connection was consumed.
func (b *Broker) refuse(conn net.Conn, writer *frame.Writer, verb, result string, logger *slog.Logger) bool {
	b.Metrics.ConnectRequests.WithLabelValues(result).Inc()
	logger.Debug("connect refused", "reply", verb)
	if err := writer.WriteFrame(verb); err != nil {
		conn.Close()
		return true
	}
	return false
}
