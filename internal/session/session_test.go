package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	saved []*ReceivedMessage
}

func (s *fakeStore) Save(ctx context.Context, sess *Session, m *ReceivedMessage) SaveResult {
	s.saved = append(s.saved, m)
	return SaveResult{Status: SaveOK, QueueID: "Q1"}
}

type rejectStore struct{}

func (rejectStore) Save(ctx context.Context, sess *Session, m *ReceivedMessage) SaveResult {
	return SaveResult{Status: SavePermanentFailure, Reason: "no thanks"}
}

func testConfig(store MessageStore) *Config {
	cfg := &Config{
		Hostname:            "mx.example.org",
		MaxMessageSize:      1 << 20,
		EnablePipelining:    true,
		Enable8BitMime:      true,
		EnableSizeExtension: true,
		CommandTimeout:      2 * time.Second,
		DataTimeout:         2 * time.Second,
		Store:               store,
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// client is a tiny scripted SMTP client over one half of a net.Pipe.
type client struct {
	t *testing.T
	r *bufio.Reader
	w net.Conn
}

func newClient(t *testing.T, conn net.Conn) *client {
	return &client{t: t, r: bufio.NewReader(conn), w: conn}
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := c.w.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// expect reads reply lines until the final (non-hyphen) line and returns
// the first line's code.
func (c *client) expect(wantCode int) string {
	c.t.Helper()
	var last string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("reading reply: %v", err)
		}
		last = strings.TrimRight(line, "\r\n")
		if len(last) >= 4 && last[3] == ' ' {
			break
		}
	}
	if len(last) < 3 || last[:3] != itoa(wantCode) {
		c.t.Fatalf("got reply %q, want code %d", last, wantCode)
	}
	return last
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func dialSession(cfg *Config) (*Conn, net.Conn) {
	server, clientConn := net.Pipe()
	c := New(server, cfg, false)
	return c, clientConn
}

func TestHappyPathDATA(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(store)
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("EHLO client.example")
	cl.expect(250)
	cl.send("MAIL FROM:<a@example.com>")
	cl.expect(250)
	cl.send("RCPT TO:<b@example.com>")
	cl.expect(250)
	cl.send("DATA")
	cl.expect(354)
	cl.send("Subject: hi")
	cl.send("")
	cl.send("hello world")
	cl.send(".")
	cl.expect(250)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done

	if len(store.saved) != 1 {
		t.Fatalf("got %d saved messages, want 1", len(store.saved))
	}
	msg := store.saved[0]
	if msg.From != "a@example.com" || len(msg.To) != 1 || msg.To[0] != "b@example.com" {
		t.Errorf("unexpected envelope: from=%q to=%v", msg.From, msg.To)
	}
	if !strings.Contains(string(msg.Data), "hello world") {
		t.Errorf("stored message missing body: %q", msg.Data)
	}
	if !strings.Contains(string(msg.Data), "Received:") {
		t.Errorf("stored message missing Received header")
	}
}

func TestRcptBeforeMailRejected(t *testing.T) {
	cfg := testConfig(&fakeStore{})
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("EHLO client.example")
	cl.expect(250)
	cl.send("RCPT TO:<b@example.com>")
	cl.expect(503)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done
}

func TestStoreRejectionMapsTo5xx(t *testing.T) {
	cfg := testConfig(rejectStore{})
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("EHLO client.example")
	cl.expect(250)
	cl.send("MAIL FROM:<a@example.com>")
	cl.expect(250)
	cl.send("RCPT TO:<b@example.com>")
	cl.expect(250)
	cl.send("DATA")
	cl.expect(354)
	cl.send("body")
	cl.send(".")
	cl.expect(550)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done
}

func TestRsetClearsTransaction(t *testing.T) {
	cfg := testConfig(&fakeStore{})
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("EHLO client.example")
	cl.expect(250)
	cl.send("MAIL FROM:<a@example.com>")
	cl.expect(250)
	cl.send("RSET")
	cl.expect(250)
	cl.send("RCPT TO:<b@example.com>")
	cl.expect(503)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done
}

func TestRcptNullRecipientRejected(t *testing.T) {
	cfg := testConfig(&fakeStore{})
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("EHLO client.example")
	cl.expect(250)
	cl.send("MAIL FROM:<a@example.com>")
	cl.expect(250)
	cl.send("RCPT TO:<>")
	cl.expect(501)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done
}

func TestUnknownCommandIsRejected(t *testing.T) {
	cfg := testConfig(&fakeStore{})
	conn, clientConn := dialSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { conn.Handle(ctx); close(done) }()

	cl := newClient(t, clientConn)
	cl.expect(220)
	cl.send("BOGUS")
	cl.expect(500)
	cl.send("QUIT")
	cl.expect(221)

	clientConn.Close()
	<-done
}
