package wire

import (
	"bytes"
	"fmt"
)

// DefaultMaxLineSize caps the partial-line buffer so a stream that never
// emits a newline cannot grow memory without bound.
const DefaultMaxLineSize = 1 << 20 // 1 MiB

// Framer reconstructs complete logical lines from an arbitrarily chunked
// byte stream. Chunk boundaries never align with line boundaries, so the
// trailing partial line is retained across calls. A single trailing
// carriage return is stripped from each line before it is handed out.
type Framer struct {
	buf     bytes.Buffer
	maxLine int
}

// NewFramer creates a framer with the default line size cap
func NewFramer() *Framer {
	return &Framer{maxLine: DefaultMaxLineSize}
}

// NewFramerWithLimit creates a framer with a custom line size cap
func NewFramerWithLimit(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Framer{maxLine: maxLine}
}

// Push appends a chunk and returns every complete line it unlocked, in
// arrival order. Lines are returned without their terminators. Returns an
// error if the buffered partial line exceeds the size cap; the buffer is
// reset so the stream can continue.
func (f *Framer) Push(chunk []byte) ([]string, error) {
	f.buf.Write(chunk)

	var lines []string
	for {
		data := f.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}

		line := string(trimTerminator(data[:idx]))
		f.buf.Next(idx + 1)
		lines = append(lines, line)
	}

	if f.buf.Len() > f.maxLine {
		n := f.buf.Len()
		f.buf.Reset()
		return lines, fmt.Errorf("partial line exceeded %d bytes (%d buffered), discarding", f.maxLine, n)
	}

	return lines, nil
}

// Flush returns any buffered partial line. Call once when the stream
// closes; a well-formed stream leaves nothing behind.
func (f *Framer) Flush() (string, bool) {
	if f.buf.Len() == 0 {
		return "", false
	}
	line := string(trimTerminator(f.buf.Bytes()))
	f.buf.Reset()
	return line, true
}

// Pending reports how many bytes of partial line are buffered
func (f *Framer) Pending() int {
	return f.buf.Len()
}

// trimTerminator strips a single trailing non-newline terminator. Its
// absence is not an error.
func trimTerminator(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
