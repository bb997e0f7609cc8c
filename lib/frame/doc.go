// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the rendezvous wire protocol: newline
// terminated text frames of the form VERB|field|field, plus the raw
// byte payload that follows a FILE_INFO frame.
//
// The same framing is used on every control channel: agent to broker
// (REGISTER, PING), controller to broker (GET_PCS, CONNECT), and
// controller to agent inside a relay session (CMD, FILE_REQUEST). The
// broker stops parsing a controller connection once CONNECT succeeds;
// from then on these frames travel end-to-end as opaque bytes.
//
// Fields are escaped so that command output containing newlines or
// pipes survives line framing: backslash, newline, carriage return and
// pipe are written as \\, \n, \r and \|. Fields without those bytes are
// written verbatim, so simple frames ("FILE_INFO|a.txt|5") look the
// same with or without escaping.
//
// File payloads are not length-delimited inside the text frame. The
// byte count is announced by FILE_INFO and exactly that many raw bytes
// follow. [Reader] is an explicit state machine over three modes:
//
//   - line: [Reader.ReadFrame] parses frames. Reading a FILE_INFO
//     frame arms payload mode.
//   - payload: [Reader.ReadPayload] reads exactly the announced byte
//     count and returns to line mode; [Reader.DiscardPayload] skips it
//     instead. ReadFrame fails with [ErrPayloadPending] until the
//     payload is consumed. The announced count is never used to size
//     an allocation up front.
//   - raw: [Reader.Detach] hands out the buffered stream for opaque
//     relaying; [Reader.Attach] returns to line mode.
//
// [Writer] serializes frame writes from multiple goroutines and writes
// a FILE_INFO frame and its payload as one unit ([Writer.WriteFile]).
package frame
