// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Writer encodes frames onto a stream. It is safe for concurrent use:
// each call writes one complete frame (or frame plus payload) without
// interleaving with other callers.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one frame.
func (w *Writer) WriteFrame(verb string, fields ...string) error {
	return w.Write(New(verb, fields...))
}

// Write writes an already constructed frame.
func (w *Writer) Write(frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame.Encode()); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Verb, err)
	}
	return nil
}

// WriteFile writes FILE_INFO|name|len(data) followed immediately by
// data, with no padding.
func (w *Writer) WriteFile(name string, data []byte) error {
	info := New(VerbFileInfo, name, strconv.Itoa(len(data)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(info.Encode()); err != nil {
		return fmt.Errorf("write file info: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.w.Write(data); err != nil {
			return fmt.Errorf("write file payload: %w", err)
		}
	}
	return nil
}
