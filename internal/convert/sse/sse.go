// Package sse provides SSE line scanning, event assembly and encoding
// primitives shared by stream translation and serving.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// DoneSentinel is the OpenAI-style stream terminator payload.
const DoneSentinel = "[DONE]"

// Event is one server-sent event: an optional event name and a data payload.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event carries the "[DONE]" sentinel.
func (e Event) IsDone() bool { return string(e.Data) == DoneSentinel }

// Encode renders the event in wire format, splitting multi-line data into
// multiple data: lines and terminating with a blank line.
func (e Event) Encode() []byte {
	var b bytes.Buffer
	if e.Name != "" {
		b.WriteString("event: ")
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(e.Data, []byte{'\n'}) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// NewScanner returns a bufio.Scanner configured for reading SSE lines with
// a 64KB buffer. Each call to Scan() returns a single line without the
// trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its field name and value.
// It returns ok=false for empty lines, comments, and malformed lines.
//
//	"event: <type>"   -> field="event", value=type, ok=true
//	"data: <payload>" -> field="data",  value=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func ParseLine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, val, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip the optional leading space after the colon per SSE spec.
	val = strings.TrimPrefix(val, " ")
	switch key {
	case "event", "data":
		return key, val, true
	default:
		return "", "", false
	}
}

// Block is one raw SSE event block: the exact bytes through its
// terminating blank line, plus the joined data payload for inspection.
type Block struct {
	Raw  []byte
	Data []byte
}

// IsDone reports whether the block carries the "[DONE]" sentinel.
func (b Block) IsDone() bool { return string(b.Data) == DoneSentinel }

// RawReader yields SSE event blocks byte-for-byte. The passthrough relay
// uses it so comment lines, id:/retry: fields and multi-line data framing
// reach the client unmodified.
type RawReader struct {
	s *bufio.Scanner
}

// NewRawReader returns a RawReader over r.
func NewRawReader(r io.Reader) *RawReader {
	return &RawReader{s: NewScanner(r)}
}

// Next returns the next block. Blank lines ahead of a block ride along in
// its Raw bytes. A partial block at EOF is flushed before io.EOF.
func (r *RawReader) Next() (Block, error) {
	var (
		raw   bytes.Buffer
		data  [][]byte
		dirty bool
	)
	for r.s.Scan() {
		line := r.s.Text()
		raw.WriteString(line)
		raw.WriteByte('\n')
		if line == "" {
			if dirty {
				return Block{Raw: raw.Bytes(), Data: bytes.Join(data, []byte{'\n'})}, nil
			}
			continue
		}
		dirty = true
		if field, value, ok := ParseLine(line); ok && field == "data" {
			data = append(data, []byte(value))
		}
	}
	if err := r.s.Err(); err != nil {
		return Block{}, err
	}
	if dirty {
		return Block{Raw: raw.Bytes(), Data: bytes.Join(data, []byte{'\n'})}, nil
	}
	return Block{}, io.EOF
}

// Reader assembles complete events from an SSE byte stream. Consecutive
// data lines within one event are joined with newlines; the event ends at
// the first blank line.
type Reader struct {
	s       *bufio.Scanner
	pending *Event
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{s: NewScanner(r)}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends; a partially accumulated event at EOF is flushed first.
func (r *Reader) Next() (Event, error) {
	var (
		name  string
		data  [][]byte
		dirty bool
	)
	for r.s.Scan() {
		line := r.s.Text()
		if line == "" {
			if dirty {
				return Event{Name: name, Data: bytes.Join(data, []byte{'\n'})}, nil
			}
			continue
		}
		field, value, ok := ParseLine(line)
		if !ok {
			continue
		}
		dirty = true
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if err := r.s.Err(); err != nil {
		return Event{}, err
	}
	if dirty {
		return Event{Name: name, Data: bytes.Join(data, []byte{'\n'})}, nil
	}
	return Event{}, io.EOF
}
