// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/rendezvous/agent"
	"github.com/bureau-foundation/rendezvous/controller"
	"github.com/bureau-foundation/rendezvous/lib/clock"
	"github.com/bureau-foundation/rendezvous/lib/testutil"
	"github.com/bureau-foundation/rendezvous/registry"
)

func startBroker(t *testing.T, configure func(*Broker)) *Broker {
	t.Helper()
	broker := &Broker{ListenAddr: "127.0.0.1:0"}
	if configure != nil {
		configure(broker)
	}
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(broker.Stop)
	return broker
}

// startAgent runs an agent.Agent against the broker and waits for its
// registration.
func startAgent(t *testing.T, address, id string, files *agent.Files) {
	t.Helper()
	registered := make(chan struct{}, 1)
	runner := &agent.Agent{
		ID:            id,
		User:          "alice",
		Host:          "workstation1",
		BrokerAddress: address,
		Files:         files,
		OnRegistered: func() {
			select {
			case registered <- struct{}{}:
			default:
			}
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "agent exit")
	})
	testutil.RequireReceive(t, registered, 5*time.Second, "agent registration")
}

func dialClient(t *testing.T, address string) *controller.Client {
	t.Helper()
	client, err := controller.Dial(context.Background(), nil, address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// peer speaks the wire protocol directly, for byte-exact checks and for
// agents that misbehave.
type peer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialPeer(t *testing.T, address string) *peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", address, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{conn: conn, reader: bufio.NewReader(conn)}
}

func (p *peer) send(t *testing.T, text string) {
	t.Helper()
	if _, err := io.WriteString(p.conn, text); err != nil {
		t.Fatalf("write %q: %v", text, err)
	}
}

func (p *peer) readLine() (string, error) {
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer p.conn.SetReadDeadline(time.Time{})
	line, err := p.reader.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

func (p *peer) expect(t *testing.T, want string) {
	t.Helper()
	got, err := p.readLine()
	if err != nil {
		t.Fatalf("reading reply (want %q): %v", want, err)
	}
	if got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

// expectClosed waits for the broker to close the peer's connection.
// Frames still in flight (such as keepalive PINGs) are skipped.
func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	for {
		if _, err := p.readLine(); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				t.Fatal("connection still open")
			}
			return
		}
	}
}

// registerPeer registers a raw agent connection.
func registerPeer(t *testing.T, address, id string) *peer {
	t.Helper()
	agentPeer := dialPeer(t, address)
	agentPeer.send(t, "REGISTER|"+id+"|bob|lab\n")
	agentPeer.expect(t, "REGISTERED")
	return agentPeer
}

// waitFor polls condition until it holds or five seconds pass. Used for
// broker bookkeeping that finishes just after the peer-visible effect.
func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connectRetrying retries CONNECT while the previous session is still
// releasing the agent.
func connectRetrying(t *testing.T, client *controller.Client, id string) {
	t.Helper()
	var err error
	waitFor(t, "agent "+id+" to become available", func() bool {
		err = client.Connect(context.Background(), id)
		return !errors.Is(err, controller.ErrAgentBusy)
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestListConnectAndExecute(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-abc123", nil)

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "GET_PCS\n")
	controllerPeer.expect(t, `PC_LIST|1|[{"pc_id":"PC-abc123","username":"alice","hostname":"workstation1"}]`)

	controllerPeer.send(t, "CONNECT|PC-abc123\n")
	controllerPeer.expect(t, "CONNECTED")

	controllerPeer.send(t, "CMD|echo hi\n")
	controllerPeer.expect(t, `CMD_RESULT|hi\n`)
}

func TestListEmpty(t *testing.T) {
	broker := startBroker(t, nil)
	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "GET_PCS\n")
	controllerPeer.expect(t, "PC_LIST|0")
}

func TestConnectUnknownKeepsConnection(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-known", nil)
	client := dialClient(t, broker.Addr())

	err := client.Connect(context.Background(), "PC-missing")
	if !errors.Is(err, controller.ErrAgentNotFound) {
		t.Fatalf("Connect error = %v, want ErrAgentNotFound", err)
	}

	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents after PC_NOT_FOUND: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "PC-known" {
		t.Errorf("agents = %+v, want PC-known", agents)
	}

	if err := client.Connect(context.Background(), "PC-known"); err != nil {
		t.Fatalf("Connect after PC_NOT_FOUND: %v", err)
	}
}

func TestConnectBusyAgent(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", nil)

	first := dialClient(t, broker.Addr())
	if err := first.Connect(context.Background(), "PC-1"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	second := dialClient(t, broker.Addr())
	err := second.Connect(context.Background(), "PC-1")
	if !errors.Is(err, controller.ErrAgentBusy) {
		t.Fatalf("second Connect error = %v, want ErrAgentBusy", err)
	}

	// The first session is unaffected by the rejected CONNECT.
	output, err := first.Exec(context.Background(), "echo still here")
	if err != nil {
		t.Fatalf("Exec on first session: %v", err)
	}
	if output != "still here\n" {
		t.Errorf("output = %q", output)
	}

	first.Close()
	connectRetrying(t, second, "PC-1")
	output, err = second.Exec(context.Background(), "echo second")
	if err != nil {
		t.Fatalf("Exec on second session: %v", err)
	}
	if output != "second\n" {
		t.Errorf("output = %q", output)
	}
}

func TestPipelinedCommandAfterConnect(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", nil)

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "CONNECT|PC-1\nCMD|echo piped\n")
	controllerPeer.expect(t, "CONNECTED")
	controllerPeer.expect(t, `CMD_RESULT|piped\n`)
}

func TestControllerDisconnectKeepsAgent(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", nil)

	first := dialClient(t, broker.Addr())
	if err := first.Connect(context.Background(), "PC-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := first.Exec(context.Background(), "echo one"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	first.Close()

	second := dialClient(t, broker.Addr())
	connectRetrying(t, second, "PC-1")
	output, err := second.Exec(context.Background(), "echo two")
	if err != nil {
		t.Fatalf("Exec after reconnect: %v", err)
	}
	if output != "two\n" {
		t.Errorf("output = %q, want two", output)
	}
	if broker.Registry.Len() != 1 {
		t.Errorf("registry has %d agents, want 1", broker.Registry.Len())
	}
}

func TestAgentDisconnectEndsSession(t *testing.T) {
	broker := startBroker(t, nil)
	agentPeer := registerPeer(t, broker.Addr(), "PC-raw")

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "CONNECT|PC-raw\n")
	controllerPeer.expect(t, "CONNECTED")

	// After CONNECTED the broker relays bytes without interpreting them.
	controllerPeer.send(t, "not a frame at all\n")
	agentPeer.expect(t, "not a frame at all")
	agentPeer.send(t, "CMD_RESULT|raw reply\n")
	controllerPeer.expect(t, "CMD_RESULT|raw reply")

	agentPeer.conn.Close()
	controllerPeer.expectClosed(t)
	waitFor(t, "agent removal", func() bool { return broker.Registry.Len() == 0 })

	client := dialClient(t, broker.Addr())
	if err := client.Connect(context.Background(), "PC-raw"); !errors.Is(err, controller.ErrAgentNotFound) {
		t.Errorf("Connect to disconnected agent error = %v, want ErrAgentNotFound", err)
	}
}

func TestIdleAgentDisconnectRemovesEntry(t *testing.T) {
	broker := startBroker(t, nil)
	agentPeer := registerPeer(t, broker.Addr(), "PC-raw")
	agentPeer.conn.Close()
	waitFor(t, "agent removal", func() bool { return broker.Registry.Len() == 0 })
}

func TestFetchFileThroughSession(t *testing.T) {
	root := t.TempDir()
	content := []byte("line one\nCMD|not a frame\n\x00\xff")
	if err := os.WriteFile(filepath.Join(root, "report.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", &agent.Files{Root: root})
	client := dialClient(t, broker.Addr())
	if err := client.Connect(context.Background(), "PC-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	name, data, err := client.FetchFile(context.Background(), "report.bin")
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if name != "report.bin" || string(data) != string(content) {
		t.Errorf("FetchFile = %q, %q; want report.bin, %q", name, data, content)
	}

	output, err := client.Exec(context.Background(), "echo after")
	if err != nil {
		t.Fatalf("Exec after file: %v", err)
	}
	if output != "after\n" {
		t.Errorf("output = %q", output)
	}
}

func TestHandshakeReplies(t *testing.T) {
	broker := startBroker(t, nil)
	controllerPeer := dialPeer(t, broker.Addr())

	controllerPeer.send(t, "HEARTBEAT\n")
	controllerPeer.expect(t, "PONG")
	controllerPeer.send(t, "PING\n")
	controllerPeer.expect(t, "PONG")
	controllerPeer.send(t, "REBOOT|now\n")
	controllerPeer.expect(t, "UNKNOWN_COMMAND")

	controllerPeer.send(t, "CONNECT\n")
	line, err := controllerPeer.readLine()
	if err != nil {
		t.Fatalf("reading reply to malformed CONNECT: %v", err)
	}
	if !strings.HasPrefix(line, "ERROR|") {
		t.Errorf("reply to malformed CONNECT = %q, want ERROR|...", line)
	}

	controllerPeer.send(t, "REGISTER||bob|lab\n")
	controllerPeer.expect(t, "REGISTRATION_FAILED")

	// None of the above closed the connection.
	controllerPeer.send(t, "GET_PCS\n")
	controllerPeer.expect(t, "PC_LIST|0")
}

func TestUnsolicitedPayloadKeepsConnection(t *testing.T) {
	broker := startBroker(t, nil)
	controllerPeer := dialPeer(t, broker.Addr())

	// The payload bytes look like a frame and must not be parsed as one.
	controllerPeer.send(t, "FILE_INFO|x.txt|8\nGET_PCS\nGET_PCS\n")
	controllerPeer.expect(t, "UNKNOWN_COMMAND")
	controllerPeer.expect(t, "PC_LIST|0")
}

func TestOversizedPayloadAnnouncement(t *testing.T) {
	broker := startBroker(t, nil)
	agentPeer := registerPeer(t, broker.Addr(), "PC-1")
	idlePeer := registerPeer(t, broker.Addr(), "PC-2")

	hostile := dialPeer(t, broker.Addr())
	hostile.send(t, "FILE_INFO|x|9223372036854775807\nsome bytes")
	idlePeer.send(t, "FILE_INFO|x|9223372036854775807\nsome bytes")

	// A fresh controller and the other agent are still served.
	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "GET_PCS\n")
	line, err := controllerPeer.readLine()
	if err != nil {
		t.Fatalf("GET_PCS after oversized announcement: %v", err)
	}
	if !strings.HasPrefix(line, "PC_LIST|2|") {
		t.Errorf("GET_PCS reply = %q, want both agents listed", line)
	}
	agentPeer.send(t, "PING\n")
	agentPeer.expect(t, "PONG")

	// Closing the hostile connection mid-payload ends only that
	// connection.
	hostile.conn.Close()
	controllerPeer.send(t, "PING\n")
	controllerPeer.expect(t, "PONG")
}

func TestUnsolicitedPayloadInSession(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", nil)

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "CONNECT|PC-1\n")
	controllerPeer.expect(t, "CONNECTED")

	controllerPeer.send(t, "FILE_INFO|a|0\nCMD|echo hi\n")
	controllerPeer.expect(t, "UNKNOWN_COMMAND")
	controllerPeer.expect(t, `CMD_RESULT|hi\n`)
}

func TestAgentPingAnswered(t *testing.T) {
	broker := startBroker(t, nil)
	agentPeer := registerPeer(t, broker.Addr(), "PC-raw")
	agentPeer.send(t, "PING\n")
	agentPeer.expect(t, "PONG")
	agentPeer.send(t, "HEARTBEAT\n")
	agentPeer.expect(t, "PONG")
}

func TestReRegistrationReplacesLink(t *testing.T) {
	broker := startBroker(t, nil)
	stale := registerPeer(t, broker.Addr(), "PC-1")
	current := registerPeer(t, broker.Addr(), "PC-1")

	stale.expectClosed(t)
	if broker.Registry.Len() != 1 {
		t.Fatalf("registry has %d agents, want 1", broker.Registry.Len())
	}

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "CONNECT|PC-1\n")
	controllerPeer.expect(t, "CONNECTED")
	controllerPeer.send(t, "CMD|whoami\n")
	current.expect(t, "CMD|whoami")
}

func TestIdleAgentEvicted(t *testing.T) {
	fake := clock.Fake(time.Unix(1735689600, 0))
	broker := startBroker(t, func(b *Broker) {
		b.Clock = fake
		b.PingInterval = 30 * time.Second
		b.IdleTimeout = 90 * time.Second
	})
	agentPeer := registerPeer(t, broker.Addr(), "PC-silent")
	fake.WaitForTimers(1)

	fake.Advance(30 * time.Second)
	agentPeer.expect(t, "PING")
	if broker.Registry.Len() != 1 {
		t.Fatalf("agent evicted before its idle timeout")
	}

	// The agent never answered, so the sweep after the idle timeout
	// evicts it and closes its connection.
	fake.Advance(90 * time.Second)
	agentPeer.expectClosed(t)
	if broker.Registry.Len() != 0 {
		t.Errorf("registry has %d agents after eviction, want 0", broker.Registry.Len())
	}
}

func TestStopLeavesSessionsRunning(t *testing.T) {
	broker := startBroker(t, nil)
	startAgent(t, broker.Addr(), "PC-1", nil)
	client := dialClient(t, broker.Addr())
	if err := client.Connect(context.Background(), "PC-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	address := broker.Addr()

	broker.Stop()

	output, err := client.Exec(context.Background(), "echo survived")
	if err != nil {
		t.Fatalf("Exec after Stop: %v", err)
	}
	if output != "survived\n" {
		t.Errorf("output = %q", output)
	}
	if conn, err := net.DialTimeout("tcp", address, time.Second); err == nil {
		conn.Close()
		t.Error("broker still accepting after Stop")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gatherer := prometheus.NewRegistry()
	agents := registry.New(nil, nil)
	broker := startBroker(t, func(b *Broker) {
		b.Registry = agents
		b.Metrics = NewMetrics(gatherer, agents)
	})
	registerPeer(t, broker.Addr(), "PC-1")

	controllerPeer := dialPeer(t, broker.Addr())
	controllerPeer.send(t, "CONNECT|PC-missing\n")
	controllerPeer.expect(t, "PC_NOT_FOUND")
	controllerPeer.send(t, "CONNECT\n")
	if _, err := controllerPeer.readLine(); err != nil {
		t.Fatalf("reading ERROR reply: %v", err)
	}

	server := httptest.NewServer(MetricsHandler(gatherer))
	defer server.Close()

	response, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		t.Fatalf("reading /metrics: %v", err)
	}
	for _, want := range []string{
		"rendezvous_agents_registered 1",
		"rendezvous_registrations_total 1",
		`rendezvous_connect_requests_total{result="not_found"} 1`,
		"rendezvous_protocol_errors_total 1",
		"rendezvous_sessions_active 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	health, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", health.StatusCode)
	}
}
