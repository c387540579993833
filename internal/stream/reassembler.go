// Package stream turns the skill service's SSE byte stream into ordered
// client frames.
package stream

import "bytes"

// Reassembler buffers an arbitrarily chunked byte stream and returns complete
// newline-terminated lines. It is not safe for concurrent use; a session has
// exactly one read loop.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every complete line, without
// its trailing '\n'. The incomplete tail stays buffered for the next call.
func (r *Reassembler) Feed(chunk []byte) []string {
	r.buf = append(r.buf, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(r.buf[start:], '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(r.buf[start:start+i]))
		start += i + 1
	}
	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
	}
	return lines
}

// Pending returns the buffered incomplete line.
func (r *Reassembler) Pending() string {
	return string(r.buf)
}

// Flush returns the buffered tail as a final line and clears the buffer. Used
// at EOF so a last event without a trailing newline is not lost.
func (r *Reassembler) Flush() (string, bool) {
	if len(r.buf) == 0 {
		return "", false
	}
	line := string(r.buf)
	r.Reset()
	return line, true
}

// Reset discards any buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
