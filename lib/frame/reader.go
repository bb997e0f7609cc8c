// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single text frame. Command output is
// carried in one CMD_RESULT line, so the bound is generous; it exists
// to stop a peer that never sends a newline from exhausting memory.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// readBufferSize is the bufio buffer size for the underlying stream.
const readBufferSize = 64 * 1024

var (
	// ErrPayloadPending is returned by ReadFrame while a payload
	// announced by FILE_INFO has not been consumed.
	ErrPayloadPending = errors.New("frame: payload pending, call ReadPayload")

	// ErrNoPayload is returned by ReadPayload when no FILE_INFO frame
	// has armed payload mode.
	ErrNoPayload = errors.New("frame: no payload announced")

	// ErrDetached is returned by ReadFrame and ReadPayload while the
	// stream is handed out in raw mode.
	ErrDetached = errors.New("frame: reader detached for raw relay")

	// ErrFrameTooLong is returned when a line exceeds the reader's
	// maximum frame size. The stream position is lost, so callers
	// treat it as a transport failure.
	ErrFrameTooLong = errors.New("frame: line exceeds maximum frame size")
)

// Mode is the reader's current state.
type Mode int

const (
	// ModeLine parses newline-terminated frames.
	ModeLine Mode = iota
	// ModePayload reads the raw bytes a FILE_INFO frame announced.
	ModePayload
	// ModeRaw has handed the stream out as opaque bytes.
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeLine:
		return "line"
	case ModePayload:
		return "payload"
	case ModeRaw:
		return "raw"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Reader decodes frames and announced payloads from a byte stream.
// A Reader is not safe for concurrent use; each stream has exactly one
// reading goroutine at a time.
type Reader struct {
	buffered     *bufio.Reader
	maxFrameSize int

	mode    Mode
	pending int64

	// partial holds bytes of a line whose read was interrupted (for
	// example by a read deadline). The next ReadFrame continues it.
	partial []byte
}

// NewReader returns a Reader over r. maxFrameSize <= 0 selects
// DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		buffered:     bufio.NewReaderSize(r, readBufferSize),
		maxFrameSize: maxFrameSize,
	}
}

// Mode returns the reader's current mode.
func (r *Reader) Mode() Mode { return r.mode }

// Pending returns the number of payload bytes still to be read in
// payload mode, or 0 otherwise.
func (r *Reader) Pending() int64 { return r.pending }

// ReadFrame reads the next frame in line mode. Blank lines are
// skipped. A *ProtocolError concerns only the malformed frame: the
// stream remains positioned at the next line. Any other error comes
// from the underlying stream; bytes of a partially read line are kept
// for the next call.
func (r *Reader) ReadFrame() (Frame, error) {
	switch r.mode {
	case ModePayload:
		return Frame{}, ErrPayloadPending
	case ModeRaw:
		return Frame{}, ErrDetached
	}

	for {
		line, err := r.readLine()
		if err != nil {
			return Frame{}, err
		}
		if len(line) == 0 {
			continue
		}

		frame, err := Parse(line)
		if err != nil {
			return Frame{}, err
		}
		if frame.Verb == VerbFileInfo {
			size, _ := frame.PayloadSize()
			r.mode = ModePayload
			r.pending = size
		}
		return frame, nil
	}
}

// readLine returns the next line without its "\n" or "\r\n".
func (r *Reader) readLine() (string, error) {
	for {
		chunk, err := r.buffered.ReadSlice('\n')
		if len(r.partial)+len(chunk) > r.maxFrameSize {
			r.partial = r.partial[:0]
			return "", ErrFrameTooLong
		}
		r.partial = append(r.partial, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}

		line := bytes.TrimSuffix(r.partial, []byte{'\n'})
		line = bytes.TrimSuffix(line, []byte{'\r'})
		text := string(line)
		r.partial = r.partial[:0]
		return text, nil
	}
}

// ReadPayload reads exactly the number of bytes announced by the last
// FILE_INFO frame and returns the reader to line mode. No byte beyond
// the payload is consumed. The announced size is not trusted for
// allocation: the buffer grows with the bytes that actually arrive.
func (r *Reader) ReadPayload() ([]byte, error) {
	if err := r.payloadReady(); err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	payload.Grow(int(min(r.pending, readBufferSize)))
	announced := r.pending
	read, err := io.CopyN(&payload, r.buffered, r.pending)
	r.pending -= read
	if err != nil {
		return nil, fmt.Errorf("reading %d byte payload: %w", announced, payloadError(err))
	}
	r.mode = ModeLine
	return payload.Bytes(), nil
}

// DiscardPayload consumes the announced payload without keeping it and
// returns the reader to line mode. It returns the number of bytes
// discarded.
func (r *Reader) DiscardPayload() (int64, error) {
	if err := r.payloadReady(); err != nil {
		return 0, err
	}

	announced := r.pending
	read, err := io.CopyN(io.Discard, r.buffered, r.pending)
	r.pending -= read
	if err != nil {
		return read, fmt.Errorf("discarding %d byte payload: %w", announced, payloadError(err))
	}
	r.mode = ModeLine
	return read, nil
}

func (r *Reader) payloadReady() error {
	switch r.mode {
	case ModeLine:
		return ErrNoPayload
	case ModeRaw:
		return ErrDetached
	}
	return nil
}

// payloadError reports a stream that ended inside a payload as
// io.ErrUnexpectedEOF.
func payloadError(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Detach switches to raw mode and returns a reader that yields any
// bytes already buffered, starting with an interrupted partial line,
// followed by the rest of the underlying stream. Detach fails while a
// payload is pending.
func (r *Reader) Detach() (io.Reader, error) {
	switch r.mode {
	case ModePayload:
		return nil, ErrPayloadPending
	case ModeRaw:
		return nil, ErrDetached
	}
	r.mode = ModeRaw

	if len(r.partial) == 0 {
		return r.buffered, nil
	}
	prefix := bytes.Clone(r.partial)
	r.partial = r.partial[:0]
	return io.MultiReader(bytes.NewReader(prefix), r.buffered), nil
}

// Attach returns a detached reader to line mode. Bytes consumed through
// the detached reader are gone; anything still buffered is parsed as
// frames.
func (r *Reader) Attach() {
	if r.mode == ModeRaw {
		r.mode = ModeLine
	}
}
