// Package reply formats single- and multi-line SMTP replies.
//
// This is chasquid's writeResponse (blitiri.com.ar/go/chasquid's
// internal/smtpsrv/conn.go) lifted out into its own package and made
// reusable for PIPELINING's reply buffering: replies to pipelined commands
// must be assembled ahead of time and flushed together at a
// synchronization point.
package reply

import (
	"fmt"
	"strconv"
	"strings"
)

// Line is one SMTP reply, possibly multi-line.
type Line struct {
	Code int
	Text string // may contain "\n"-separated lines, per chasquid's convention.
}

// Format renders a Line as wire bytes, using "-" continuations for all but
// the last line and " " for the last, per RFC 5321 §4.2.1.
func Format(code int, msg string) []byte {
	lines := strings.Split(msg, "\n")
	var b strings.Builder
	for i := 0; i < len(lines)-1; i++ {
		fmt.Fprintf(&b, "%d-%s\r\n", code, lines[i])
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, lines[len(lines)-1])
	return []byte(b.String())
}

// Buffer accumulates formatted replies for flushing in a batch, supporting
// PIPELINING: the server keeps processing and replying to
// pipelined commands, but only writes to the wire at a synchronization
// point (DATA, QUIT, STARTTLS, AUTH, BDAT, or end of batch).
type Buffer struct {
	buf []byte
}

// Add queues a reply.
func (b *Buffer) Add(code int, msg string) {
	b.buf = append(b.buf, Format(code, msg)...)
}

// Bytes returns the accumulated, not-yet-flushed bytes.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Reset clears the buffer after a flush.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Empty reports whether there is anything queued.
func (b *Buffer) Empty() bool {
	return len(b.buf) == 0
}

// CodeClass returns the hundreds digit of an SMTP code, e.g. 2 for 250.
func CodeClass(code int) int {
	return code / 100
}

// String renders a single code+text pair without line buffering, handy for
// logs and tests.
func String(code int, msg string) string {
	return strconv.Itoa(code) + " " + msg
}
