package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mercury-smtp/mercury/internal/admission"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/session"
)

type memStore struct{ n int }

func (s *memStore) Save(ctx context.Context, sess *session.Session, m *session.ReceivedMessage) session.SaveResult {
	s.n++
	return session.SaveResult{Status: session.SaveOK, QueueID: "Q"}
}

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	cfg := session.Config{
		Hostname:       "mx.example.org",
		MaxMessageSize: 1 << 20,
		Store:          &memStore{},
	}
	srv := New(cfg)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.AddListener(l, ModeSMTP)
	return srv, l
}

func TestListenAndServeAcceptsConnections(t *testing.T) {
	srv, l := newTestServer(t)
	addr := l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, time.Second) }()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	if !strings.HasPrefix(line, "220 ") {
		t.Fatalf("got banner %q, want 220 greeting", line)
	}
	conn.Write([]byte("QUIT\r\n"))
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading QUIT reply: %v", err)
	}
	if !strings.HasPrefix(line, "221 ") {
		t.Fatalf("got %q, want 221 reply", line)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil && err != context.Canceled {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not shut down within grace period")
	}
}

func TestAdmitterRejectsOverCap(t *testing.T) {
	cfg := session.Config{
		Hostname:       "mx.example.org",
		MaxMessageSize: 1 << 20,
		Store:          &memStore{},
	}
	srv := New(cfg)
	srv.Admitter = admission.NewConnectionAdmitter(1, 0)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.AddListener(l, ModeSMTP)
	addr := l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, time.Second)

	first, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer first.Close()
	r1 := bufio.NewReader(first)
	if _, err := r1.ReadString('\n'); err != nil {
		t.Fatalf("reading banner 1: %v", err)
	}

	second, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	r2 := bufio.NewReader(second)
	line, err := r2.ReadString('\n')
	if err != nil {
		t.Fatalf("reading rejection reply: %v", err)
	}
	if !strings.HasPrefix(line, "421 ") {
		t.Fatalf("got %q, want 421 rejection reply", line)
	}
	if _, err := r2.ReadByte(); err == nil {
		t.Fatal("expected connection to be closed after the 421 reply")
	}
}

func TestRejectionsEmitEvents(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var kinds []events.Kind
	bus.Subscribe(func(ev events.Event) events.Decision {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		return events.Accept
	})

	cfg := session.Config{
		Hostname:       "mx.example.org",
		MaxMessageSize: 1 << 20,
		Store:          &memStore{},
		Bus:            bus,
	}
	srv := New(cfg)
	srv.Admitter = admission.NewConnectionAdmitter(1, 0)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.AddListener(l, ModeSMTP)
	addr := l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx, time.Second)

	first, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer first.Close()
	r1 := bufio.NewReader(first)
	if _, err := r1.ReadString('\n'); err != nil {
		t.Fatalf("reading banner 1: %v", err)
	}

	second, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	r2 := bufio.NewReader(second)
	if _, err := r2.ReadString('\n'); err != nil {
		t.Fatalf("reading rejection reply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(kinds)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawAccepted, sawRejected bool
	for _, k := range kinds {
		switch k {
		case events.ConnectionAccepted:
			sawAccepted = true
		case events.ConnectionRejected:
			sawRejected = true
		}
	}
	if !sawAccepted {
		t.Error("expected a ConnectionAccepted event for the first connection")
	}
	if !sawRejected {
		t.Error("expected a ConnectionRejected event for the second, over-cap connection")
	}
}
