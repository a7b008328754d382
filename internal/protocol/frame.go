// Package protocol implements the line-oriented wire format spoken between
// a conga participant and the relay: a verb line, a block of "Name: value"
// headers, a blank line, and a body of exactly Content-Length bytes.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Verb identifies the kind of a Frame.
type Verb string

const (
	Hello Verb = "HELLO"
	Msg   Verb = "MSG"
	Bye   Verb = "BYE"
)

const (
	headerUserID        = "User-ID"
	headerMessageID     = "Message-ID"
	headerFrom          = "From"
	headerContentLength = "Content-Length"
)

// ProtocolError indicates a malformed frame on a participant stream.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

func protoErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// header is a single "Name: value" pair, kept in arrival order.
type header struct {
	name  string
	value string
}

// Frame is one wire unit: a verb, its headers (excluding Content-Length,
// which is tracked separately since it is mandatory and derived from the
// body length on emission), and the body bytes.
type Frame struct {
	Verb    Verb
	headers []header
	Body    []byte
}

// NewFrame constructs a Frame ready for emission. Body may be nil for
// zero-length bodies (HELLO, BYE).
func NewFrame(verb Verb, body []byte) *Frame {
	return &Frame{Verb: verb, Body: body}
}

// Get returns the value of the first header with the given name, and
// whether it was present. Header names are matched case-sensitively, as
// required by the wire format.
func (f *Frame) Get(name string) (string, bool) {
	for _, h := range f.headers {
		if h.name == name {
			return h.value, true
		}
	}
	return "", false
}

// Set replaces the first header with the given name, or appends one if
// absent.
func (f *Frame) Set(name, value string) {
	for i := range f.headers {
		if f.headers[i].name == name {
			f.headers[i].value = value
			return
		}
	}
	f.headers = append(f.headers, header{name: name, value: value})
}

// UserID returns the HELLO frame's User-ID header, trimmed.
func (f *Frame) UserID() (string, bool) {
	v, ok := f.Get(headerUserID)
	return strings.TrimSpace(v), ok
}

// SetUserID sets the User-ID header.
func (f *Frame) SetUserID(id string) { f.Set(headerUserID, id) }

// MessageID returns the MSG frame's Message-ID header, if present.
func (f *Frame) MessageID() (string, bool) {
	v, ok := f.Get(headerMessageID)
	return v, ok
}

// SetMessageID sets the Message-ID header, appending it to the header block
// (it is always serialized before the mandatory blank separator line).
func (f *Frame) SetMessageID(id string) { f.Set(headerMessageID, id) }

// From returns the MSG frame's optional From header.
func (f *Frame) From() (string, bool) { return f.Get(headerFrom) }

// ReadFrame parses one frame from r: a header block terminated by "\r\n\r\n",
// followed by exactly Content-Length body bytes. The reader is re-entrant:
// callers may call ReadFrame again immediately to await the next frame on
// the same stream.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	lines, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, protoErrorf("empty frame")
	}

	verb := Verb(lines[0])
	switch verb {
	case Hello, Msg, Bye:
	default:
		return nil, protoErrorf("unrecognized verb %q", lines[0])
	}

	f := &Frame{Verb: verb}
	contentLength := -1
	seen := make(map[string]bool, len(lines)-1)

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, protoErrorf("header missing colon: %q", line)
		}
		name := line[:idx]
		value := line[idx+1:]
		value = strings.TrimPrefix(value, " ")
		if seen[name] {
			return nil, protoErrorf("duplicate header %q", name)
		}
		seen[name] = true

		if name == headerContentLength {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, protoErrorf("invalid Content-Length %q", value)
			}
			contentLength = n
			continue
		}
		f.headers = append(f.headers, header{name: name, value: value})
	}

	if contentLength < 0 {
		return nil, protoErrorf("missing Content-Length")
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		f.Body = body
	}

	return f, nil
}

// readHeaderBlock reads up to and including the blank line that terminates
// the header block, returning the lines with their trailing "\r\n" (or "\n")
// stripped. The verb line is lines[0].
func readHeaderBlock(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" && len(lines) > 0 {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// WriteTo serializes the frame per the emission contract: verb line, each
// header as "Name: value\r\n" (header values are never nil in this
// implementation, so every recorded header is written), Content-Length,
// a blank line, then the body.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	sb.WriteString(string(f.Verb))
	sb.WriteString("\r\n")
	for _, h := range f.headers {
		sb.WriteString(h.name)
		sb.WriteString(": ")
		sb.WriteString(h.value)
		sb.WriteString("\r\n")
	}
	sb.WriteString(headerContentLength)
	sb.WriteString(": ")
	sb.WriteString(strconv.Itoa(len(f.Body)))
	sb.WriteString("\r\n\r\n")

	n, err := io.WriteString(w, sb.String())
	if err != nil || len(f.Body) == 0 {
		return int64(n), err
	}
	m, err := w.Write(f.Body)
	return int64(n + m), err
}
