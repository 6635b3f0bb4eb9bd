// Package streaming reassembles upstream stream bytes into logical frames
// on the accounting side-tap. The client passthrough never depends on this
// package parsing anything: raw bytes reach the client unmodified, and the
// merge layer reconstructs usage for accounting on its own copy.
package streaming

import (
	"bytes"
	"errors"
	"fmt"
)

// Format selects the wire framing of a stream.
type Format int

const (
	// FormatSSE is text/event-stream: events separated by blank lines.
	FormatSSE Format = iota
	// FormatNDJSON is one JSON document per line.
	FormatNDJSON
)

// Accumulation bounds for the merge tap. A stream exceeding any of them
// stops being merged; the passthrough is unaffected.
const (
	MaxFrames = 1000
	MaxBytes  = 10 << 20
	MaxLines  = 10000
)

// ErrStreamBounds is wrapped by all bound violations.
var ErrStreamBounds = errors.New("stream accumulation bounds exceeded")

// Frame is one logical stream element.
type Frame struct {
	// Event is the SSE event name, empty for NDJSON.
	Event string
	Data  []byte
}

// Framer converts a byte stream into frames. Input arrives in arbitrary
// chunks; the framer splits on newlines and keeps the trailing partial line
// buffered until the next push completes it.
type Framer struct {
	format  Format
	partial []byte

	// current SSE event under assembly
	event     string
	dataLines [][]byte

	frames int
	lines  int
	bytes  int
}

// NewFramer creates a framer for the given format.
func NewFramer(format Format) *Framer {
	return &Framer{format: format}
}

// Push consumes one chunk and returns the frames completed by it. A bounds
// violation returns the frames parsed so far along with the error; the
// framer must not be pushed again after an error.
func (f *Framer) Push(p []byte) ([]Frame, error) {
	f.bytes += len(p)
	if f.bytes > MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrStreamBounds, f.bytes)
	}

	buf := p
	if len(f.partial) > 0 {
		buf = append(f.partial, p...)
		f.partial = nil
	}

	var frames []Frame
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(buf[:idx], []byte("\r"))
		buf = buf[idx+1:]

		f.lines++
		if f.lines > MaxLines {
			return frames, fmt.Errorf("%w: %d lines", ErrStreamBounds, f.lines)
		}

		frame, ok, err := f.consumeLine(line)
		if err != nil {
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}
	if len(buf) > 0 {
		f.partial = append([]byte(nil), buf...)
	}
	return frames, nil
}

// Flush completes the stream, emitting any frame still under assembly.
func (f *Framer) Flush() []Frame {
	var frames []Frame
	if len(f.partial) > 0 {
		line := bytes.TrimSuffix(f.partial, []byte("\r"))
		f.partial = nil
		if frame, ok, _ := f.consumeLine(line); ok {
			frames = append(frames, frame)
		}
	}
	if frame, ok := f.finishEvent(); ok {
		frames = append(frames, frame)
	}
	return frames
}

func (f *Framer) consumeLine(line []byte) (Frame, bool, error) {
	switch f.format {
	case FormatNDJSON:
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			return Frame{}, false, nil
		}
		return f.emit(Frame{Data: append([]byte(nil), trimmed...)})
	default:
		return f.consumeSSELine(line)
	}
}

func (f *Framer) consumeSSELine(line []byte) (Frame, bool, error) {
	if len(line) == 0 {
		if frame, ok := f.finishEvent(); ok {
			return f.emit(frame)
		}
		return Frame{}, false, nil
	}
	// Comment lines start with a colon.
	if line[0] == ':' {
		return Frame{}, false, nil
	}

	field, value, _ := bytes.Cut(line, []byte(":"))
	value = bytes.TrimPrefix(value, []byte(" "))
	switch string(field) {
	case "event":
		f.event = string(value)
	case "data":
		f.dataLines = append(f.dataLines, append([]byte(nil), value...))
	}
	return Frame{}, false, nil
}

// finishEvent closes the SSE event under assembly. Terminator sentinels are
// swallowed, not emitted.
func (f *Framer) finishEvent() (Frame, bool) {
	if len(f.dataLines) == 0 {
		f.event = ""
		return Frame{}, false
	}
	data := bytes.Join(f.dataLines, []byte("\n"))
	frame := Frame{Event: f.event, Data: data}
	f.event = ""
	f.dataLines = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return Frame{}, false
	}
	return frame, true
}

func (f *Framer) emit(frame Frame) (Frame, bool, error) {
	f.frames++
	if f.frames > MaxFrames {
		return Frame{}, false, fmt.Errorf("%w: %d frames", ErrStreamBounds, f.frames)
	}
	return frame, true, nil
}
