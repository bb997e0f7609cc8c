// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rendezvous/lib/testutil"
)

// pipes holds both ends of the controller and agent connections. The
// session runs on controllerNear and agentNear; the test plays the
// controller on controllerFar and the agent on agentFar.
type pipes struct {
	controllerFar, controllerNear net.Conn
	agentFar, agentNear           net.Conn
}

func newPipes(t *testing.T) *pipes {
	t.Helper()
	p := &pipes{}
	p.controllerFar, p.controllerNear = net.Pipe()
	p.agentFar, p.agentNear = net.Pipe()
	t.Cleanup(func() {
		p.controllerFar.Close()
		p.controllerNear.Close()
		p.agentFar.Close()
		p.agentNear.Close()
	})
	return p
}

type runOutcome struct {
	result Result
	err    error
}

func startSession(t *testing.T, p *pipes, config Config) (*Session, <-chan runOutcome) {
	t.Helper()
	session, err := New("session-test", Endpoint{Conn: p.controllerNear}, Endpoint{Conn: p.agentNear}, config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if session.State() != Attaching {
		t.Fatalf("state after New = %v, want attaching", session.State())
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := session.Run()
		done <- runOutcome{result, err}
	}()
	return session, done
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	buffer := make([]byte, n)
	if _, err := io.ReadFull(conn, buffer); err != nil {
		t.Fatalf("ReadFull(%d): %v", n, err)
	}
	return buffer
}

func TestNewRequiresBothConnections(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if _, err := New("s", Endpoint{}, Endpoint{Conn: server}, Config{}); err == nil {
		t.Error("New without controller connection succeeded")
	}
	if _, err := New("s", Endpoint{Conn: client}, Endpoint{}, Config{}); err == nil {
		t.Error("New without agent connection succeeded")
	}
}

func TestRelayIsByteExactInBothDirections(t *testing.T) {
	p := newPipes(t)
	_, done := startSession(t, p, Config{BufferSize: 5})

	request := []byte("CMD|echo hi\nFILE_REQUEST|a.txt\n\x00\xff|raw")
	go p.controllerFar.Write(request)
	if got := readExactly(t, p.agentFar, len(request)); !bytes.Equal(got, request) {
		t.Errorf("agent received %q, want %q", got, request)
	}

	reply := []byte("FILE_INFO|a.txt|5\nhello" + strings.Repeat("x", 10000))
	go p.agentFar.Write(reply)
	if got := readExactly(t, p.controllerFar, len(reply)); !bytes.Equal(got, reply) {
		t.Error("controller did not receive the agent's bytes unchanged")
	}

	p.controllerFar.Close()
	outcome := testutil.RequireReceive(t, done, 5*time.Second, "session end")
	if outcome.result.ControllerToAgent != int64(len(request)) {
		t.Errorf("ControllerToAgent = %d, want %d", outcome.result.ControllerToAgent, len(request))
	}
	if outcome.result.AgentToController != int64(len(reply)) {
		t.Errorf("AgentToController = %d, want %d", outcome.result.AgentToController, len(reply))
	}
}

func TestControllerDisconnectKeepsAgentUsable(t *testing.T) {
	p := newPipes(t)

	var hookState State
	var hookResult Result
	var session *Session
	var hookOnce sync.Once
	config := Config{OnClosing: func(result Result) {
		hookOnce.Do(func() {
			hookState = session.State()
			hookResult = result
		})
	}}
	session, done := startSession(t, p, config)

	p.controllerFar.Close()
	outcome := testutil.RequireReceive(t, done, 5*time.Second, "session end")
	if outcome.err != nil {
		t.Fatalf("Run: %v", outcome.err)
	}
	if outcome.result.EndedBy != SideController {
		t.Errorf("EndedBy = %s, want controller", outcome.result.EndedBy)
	}
	if outcome.result.AgentFailed {
		t.Error("AgentFailed = true after controller disconnect")
	}
	if hookState != Closing {
		t.Errorf("state during OnClosing = %v, want closing", hookState)
	}
	if hookResult.SessionID != "session-test" {
		t.Errorf("hook result = %+v", hookResult)
	}
	if session.State() != Closed {
		t.Errorf("state after Run = %v, want closed", session.State())
	}

	// The agent connection has its deadline cleared and still carries
	// bytes.
	go p.agentFar.Write([]byte("PONG\n"))
	if got := readExactly(t, p.agentNear, 5); string(got) != "PONG\n" {
		t.Errorf("agent connection read %q after session", got)
	}
}

func TestAgentDisconnectClosesBothSides(t *testing.T) {
	p := newPipes(t)
	_, done := startSession(t, p, Config{})

	p.agentFar.Close()
	outcome := testutil.RequireReceive(t, done, 5*time.Second, "session end")
	if outcome.result.EndedBy != SideAgent {
		t.Errorf("EndedBy = %s, want agent", outcome.result.EndedBy)
	}
	if !outcome.result.AgentFailed {
		t.Error("AgentFailed = false after agent disconnect")
	}

	p.controllerFar.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := p.controllerFar.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("controller read error = %v, want io.EOF", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	p := newPipes(t)
	session, done := startSession(t, p, Config{})
	p.controllerFar.Close()
	testutil.RequireReceive(t, done, 5*time.Second, "session end")

	if _, err := session.Run(); err == nil {
		t.Error("second Run succeeded")
	}
}

// Bytes the broker buffered before the session started must be
// forwarded ahead of anything read from the connection.
func TestEndpointReaderPrefixIsForwarded(t *testing.T) {
	p := newPipes(t)
	buffered := io.MultiReader(strings.NewReader("CMD|echo hi\n"), p.controllerNear)
	session, err := New("session-prefix",
		Endpoint{Conn: p.controllerNear, Reader: buffered},
		Endpoint{Conn: p.agentNear}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()

	if got := readExactly(t, p.agentFar, len("CMD|echo hi\n")); string(got) != "CMD|echo hi\n" {
		t.Errorf("agent received %q", got)
	}
	p.controllerFar.Close()
	testutil.RequireClosed(t, done, 5*time.Second, "session end")
}
