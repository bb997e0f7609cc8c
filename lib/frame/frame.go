// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Request verbs.
const (
	VerbRegister    = "REGISTER"
	VerbGetPCs      = "GET_PCS"
	VerbConnect     = "CONNECT"
	VerbCommand     = "CMD"
	VerbFileRequest = "FILE_REQUEST"
	VerbPing        = "PING"

	// VerbHeartbeat is the keepalive older agents send. It is answered
	// exactly like PING.
	VerbHeartbeat = "HEARTBEAT"
)

// Response verbs.
const (
	VerbRegistered         = "REGISTERED"
	VerbRegistrationFailed = "REGISTRATION_FAILED"
	VerbPCList             = "PC_LIST"
	VerbConnected          = "CONNECTED"
	VerbPCNotFound         = "PC_NOT_FOUND"
	VerbPCBusy             = "PC_BUSY"
	VerbCommandResult      = "CMD_RESULT"
	VerbCommandError       = "CMD_ERROR"
	VerbFileInfo           = "FILE_INFO"
	VerbFileError          = "FILE_ERROR"
	VerbPong               = "PONG"
	VerbUnknownCommand     = "UNKNOWN_COMMAND"
	VerbError              = "ERROR"
)

// separator splits a frame into verb and fields.
const separator = '|'

// Frame is one decoded protocol frame.
type Frame struct {
	Verb   string
	Fields []string
}

// New returns a frame with the given verb and fields.
func New(verb string, fields ...string) Frame {
	return Frame{Verb: verb, Fields: fields}
}

// Field returns the i'th field, or "" if the frame has fewer fields.
func (f Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// String returns the encoded frame without its trailing newline.
func (f Frame) String() string {
	return strings.TrimSuffix(string(f.Encode()), "\n")
}

// Encode returns the wire form of the frame including the terminating
// newline. Fields are escaped; the verb is written verbatim.
func (f Frame) Encode() []byte {
	var builder strings.Builder
	builder.WriteString(f.Verb)
	for _, field := range f.Fields {
		builder.WriteByte(separator)
		escapeInto(&builder, field)
	}
	builder.WriteByte('\n')
	return []byte(builder.String())
}

// ProtocolError reports a frame that could not be interpreted: an
// empty verb, missing required fields, or an invalid field value. It
// concerns one frame only. Callers report it back to the peer and
// keep the connection open.
type ProtocolError struct {
	Verb   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Verb == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error in %s frame: %s", e.Verb, e.Reason)
}

// arity describes the fields a known verb carries.
type arity struct {
	// required is the minimum number of fields.
	required int

	// rest marks the last required field as free text. Extra fields
	// produced by unescaped separators are joined back into it.
	rest bool
}

var arities = map[string]arity{
	VerbRegister:    {required: 3, rest: true},
	VerbGetPCs:      {},
	VerbConnect:     {required: 1},
	VerbCommand:     {required: 1, rest: true},
	VerbFileRequest: {required: 1, rest: true},
	VerbPing:        {},
	VerbHeartbeat:   {},

	VerbRegistered:         {},
	VerbRegistrationFailed: {},
	// PC_LIST carries count and JSON, but "PC_LIST|0" omits the JSON.
	VerbPCList:         {required: 1},
	VerbConnected:      {},
	VerbPCNotFound:     {},
	VerbPCBusy:         {},
	VerbCommandResult:  {required: 1, rest: true},
	VerbCommandError:   {required: 1, rest: true},
	VerbFileInfo:       {required: 2},
	VerbFileError:      {required: 1, rest: true},
	VerbPong:           {},
	VerbUnknownCommand: {},
	VerbError:          {required: 1, rest: true},
}

// Known reports whether verb is part of the protocol.
func Known(verb string) bool {
	_, ok := arities[verb]
	return ok
}

// Parse decodes one frame from a line with its terminator already
// removed. Unknown verbs parse successfully with all fields intact so
// the caller can answer UNKNOWN_COMMAND. Known verbs with too few
// fields return a *ProtocolError.
func Parse(line string) (Frame, error) {
	segments := splitEscaped(line)
	frame := Frame{Verb: segments[0]}
	if frame.Verb == "" {
		return Frame{}, &ProtocolError{Reason: "empty verb"}
	}
	raw := segments[1:]

	shape, known := arities[frame.Verb]
	if known {
		if len(raw) < shape.required {
			return Frame{}, &ProtocolError{
				Verb:   frame.Verb,
				Reason: fmt.Sprintf("expected %d fields, got %d", shape.required, len(raw)),
			}
		}
		if shape.rest && len(raw) > shape.required {
			last := shape.required - 1
			raw = append(raw[:last:last], strings.Join(raw[last:], string(separator)))
		}
	}

	frame.Fields = make([]string, len(raw))
	for i, segment := range raw {
		frame.Fields[i] = unescape(segment)
	}

	if frame.Verb == VerbFileInfo {
		if _, err := frame.PayloadSize(); err != nil {
			return Frame{}, err
		}
	}
	return frame, nil
}

// PayloadSize returns the byte count announced by a FILE_INFO frame.
func (f Frame) PayloadSize() (int64, error) {
	if f.Verb != VerbFileInfo {
		return 0, &ProtocolError{Verb: f.Verb, Reason: "frame does not announce a payload"}
	}
	size, err := strconv.ParseInt(f.Field(1), 10, 64)
	if err != nil || size < 0 {
		return 0, &ProtocolError{Verb: f.Verb, Reason: fmt.Sprintf("invalid payload size %q", f.Field(1))}
	}
	return size, nil
}

// splitEscaped splits line on separators not preceded by a backslash
// escape. Segments are returned still escaped.
func splitEscaped(line string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case separator:
			segments = append(segments, line[start:i])
			start = i + 1
		}
	}
	return append(segments, line[start:])
}

func escapeInto(builder *strings.Builder, field string) {
	for i := 0; i < len(field); i++ {
		switch c := field[i]; c {
		case '\\':
			builder.WriteString(`\\`)
		case '\n':
			builder.WriteString(`\n`)
		case '\r':
			builder.WriteString(`\r`)
		case separator:
			builder.WriteString(`\|`)
		default:
			builder.WriteByte(c)
		}
	}
}

// Escape returns field in its escaped wire form.
func Escape(field string) string {
	var builder strings.Builder
	escapeInto(&builder, field)
	return builder.String()
}

// unescape reverses Escape. Unknown sequences and a trailing lone
// backslash are kept literally.
func unescape(segment string) string {
	if strings.IndexByte(segment, '\\') < 0 {
		return segment
	}
	var builder strings.Builder
	builder.Grow(len(segment))
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if c != '\\' || i+1 == len(segment) {
			builder.WriteByte(c)
			continue
		}
		i++
		switch next := segment[i]; next {
		case '\\':
			builder.WriteByte('\\')
		case 'n':
			builder.WriteByte('\n')
		case 'r':
			builder.WriteByte('\r')
		case separator:
			builder.WriteByte(separator)
		default:
			builder.WriteByte('\\')
			builder.WriteByte(next)
		}
	}
	return builder.String()
}
