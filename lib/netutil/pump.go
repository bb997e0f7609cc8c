// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import "io"

// DefaultPumpBufferSize is the chunk size Pump uses when given no
// buffer.
const DefaultPumpBufferSize = 32 * 1024

// PumpResult holds the outcome of one direction of a copy.
type PumpResult struct {
	// Bytes is the number of bytes written to the destination.
	Bytes int64

	// ReadErr is the error from the source, or nil if the copy ended
	// for another reason. io.EOF is reported here: a clean end of the
	// source is still the source ending.
	ReadErr error

	// WriteErr is the error from the destination, including short
	// writes.
	WriteErr error
}

// Err returns whichever error ended the copy.
func (r PumpResult) Err() error {
	if r.WriteErr != nil {
		return r.WriteErr
	}
	return r.ReadErr
}

// Pump copies from src to dst through buffer until either side fails.
// Bytes are forwarded in order, one chunk at a time; nothing is held
// back beyond the chunk being written. A nil or empty buffer allocates
// DefaultPumpBufferSize bytes.
func Pump(dst io.Writer, src io.Reader, buffer []byte) PumpResult {
	if len(buffer) == 0 {
		buffer = make([]byte, DefaultPumpBufferSize)
	}

	var result PumpResult
	for {
		read, readErr := src.Read(buffer)
		if read > 0 {
			written, writeErr := dst.Write(buffer[:read])
			result.Bytes += int64(written)
			if writeErr == nil && written != read {
				writeErr = io.ErrShortWrite
			}
			if writeErr != nil {
				result.WriteErr = writeErr
				return result
			}
		}
		if readErr != nil {
			result.ReadErr = readErr
			return result
		}
	}
}
