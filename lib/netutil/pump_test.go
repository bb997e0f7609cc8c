// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestPumpCopiesUntilEOF(t *testing.T) {
	payload := strings.Repeat("line\n", 10000)
	var destination bytes.Buffer

	result := Pump(&destination, strings.NewReader(payload), make([]byte, 7))
	if result.Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", result.Bytes, len(payload))
	}
	if !errors.Is(result.ReadErr, io.EOF) {
		t.Errorf("ReadErr = %v, want io.EOF", result.ReadErr)
	}
	if result.WriteErr != nil {
		t.Errorf("WriteErr = %v, want nil", result.WriteErr)
	}
	if destination.String() != payload {
		t.Error("destination does not match source")
	}
}

type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errors.New("destination gone")
	}
	w.written += len(p)
	return len(p), nil
}

func TestPumpReportsWriteFailure(t *testing.T) {
	writer := &failingWriter{limit: 8}
	result := Pump(writer, strings.NewReader("0123456789abcdef"), make([]byte, 4))
	if result.WriteErr == nil {
		t.Fatal("WriteErr = nil, want destination error")
	}
	if result.ReadErr != nil {
		t.Errorf("ReadErr = %v, want nil", result.ReadErr)
	}
	if result.Bytes != 8 {
		t.Errorf("Bytes = %d, want 8", result.Bytes)
	}
	if result.Err() != result.WriteErr {
		t.Errorf("Err() = %v, want WriteErr", result.Err())
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("wrapped: %w", io.EOF), true},
		{net.ErrClosed, true},
		{syscall.EPIPE, true},
		{syscall.ECONNRESET, true},
		{syscall.ECONNREFUSED, false},
		{errors.New("other"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if IsTimeout(nil) {
		t.Error("IsTimeout(nil) = true")
	}
	if !IsTimeout(os.ErrDeadlineExceeded) {
		t.Error("IsTimeout(os.ErrDeadlineExceeded) = false")
	}
	if IsTimeout(io.EOF) {
		t.Error("IsTimeout(io.EOF) = true")
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	server.SetReadDeadline(time.Now().Add(-time.Second))
	_, err := server.Read(make([]byte, 1))
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false for expired pipe deadline", err)
	}
}
