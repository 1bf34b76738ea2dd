// Package wire implements line-framed, timed I/O over a net.Conn, plain or
// TLS-upgraded in place.
//
// It generalizes the buffered-reader/writer handling chasquid keeps
// directly on (*Conn) in blitiri.com.ar/go/chasquid's
// internal/smtpsrv/conn.go: a bufio.Reader/Writer pair over c.conn, rebuilt
// (not patched) whenever the underlying connection changes during
// STARTTLS. That "rebuild, don't patch" approach is what discarding any
// bytes a pipelining client pre-sent before the TLS handshake requires:
// since the old bufio.Reader is simply dropped, whatever it had already
// buffered but not yet delivered to the caller is discarded along with it.
package wire

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// MaxLineLength is the maximum length, in octets, of a single command
// line, CRLF included (RFC 5321 §4.5.3.1.4). Lines longer than this are a
// protocol error.
const MaxLineLength = 512

// maxLineContent is the longest line content (excluding the trailing
// CRLF, which bufio.Reader.ReadLine already strips) that still fits
// within MaxLineLength once the terminator is counted back in.
const maxLineContent = MaxLineLength - 2

// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineLength.
var ErrLineTooLong = fmt.Errorf("line exceeds %d octets", MaxLineLength)

// Conn wraps a net.Conn with line framing and the ability to swap the
// underlying transport in place (for STARTTLS).
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// New wraps conn for line-oriented I/O.
func New(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// Raw returns the underlying net.Conn, e.g. for RemoteAddr()/LocalAddr().
func (c *Conn) Raw() net.Conn { return c.conn }

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// ReadLine reads one CRLF-terminated line, without the terminator,
// enforcing MaxLineLength. A line that's too long is drained (so the
// protocol state machine doesn't desync) and reported as ErrLineTooLong.
func (c *Conn) ReadLine() (string, error) {
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > maxLineContent || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", ErrLineTooLong
	}
	return string(l), nil
}

// Reader exposes the buffered reader directly, for the data-phase reader
// (internal/databody) which needs to read raw bytes rather than lines.
func (c *Conn) Reader() *bufio.Reader { return c.reader }

// WriteLine writes raw, pre-formatted reply bytes (see internal/reply) and
// flushes immediately.
func (c *Conn) WriteLine(b []byte) error {
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Printf writes a single CRLF-terminated line and flushes, used only for
// the initial greeting before any reply buffering is set up.
func (c *Conn) Printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(c.writer, format+"\r\n", args...)
	if err != nil {
		return err
	}
	return c.writer.Flush()
}

// Upgrade performs a server-side TLS handshake over the current
// connection and replaces it, discarding any residual buffered bytes from
// before the handshake.
func (c *Conn) Upgrade(cfg *tls.Config) (*tls.ConnectionState, error) {
	tconn := tls.Server(c.conn, cfg)
	if err := tconn.Handshake(); err != nil {
		return nil, err
	}

	c.conn = tconn
	c.reader = bufio.NewReader(tconn)
	c.writer = bufio.NewWriter(tconn)

	state := tconn.ConnectionState()
	return &state, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }
