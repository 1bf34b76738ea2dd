// Package server supervises listeners and the Conn goroutines they spawn,
// and implements graceful shutdown.
//
// This generalizes chasquid's (blitiri.com.ar/go/chasquid's
// internal/smtpsrv.Server, server.go): same add-addresses-then-ListenAndServe
// shape, same goroutine-per-accept serve loop, same implicit-TLS-listener
// wrapping for submission-over-TLS sockets. What it drops is everything
// tied to chasquid's disk-backed deployment (user databases, aliases
// files, DKIM signers, the reload timer, the localrpc admin endpoints);
// what it adds is graceful shutdown, which chasquid's serve loop has no
// concept of at all -- it loops "for { conn, err := l.Accept(); ... }" with
// no exit path other than process death.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/mercury-smtp/mercury/internal/admission"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/reply"
	"github.com/mercury-smtp/mercury/internal/session"
)

// SocketMode distinguishes a listener's policy, following chasquid's
// SocketMode (internal/smtpsrv/server.go): whether it's a submission
// socket and whether it's wrapped in TLS from the start (as opposed to
// upgraded in-band via STARTTLS).
type SocketMode struct {
	IsSubmission bool
	ImplicitTLS  bool
}

func (m SocketMode) String() string {
	s := "SMTP"
	if m.IsSubmission {
		s = "submission"
	}
	if m.ImplicitTLS {
		s += "+TLS"
	}
	return s
}

var (
	ModeSMTP          = SocketMode{}
	ModeSubmission    = SocketMode{IsSubmission: true}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, ImplicitTLS: true}
)

// listenerSpec pairs an address-to-be-listened-on (or an already-open
// net.Listener, e.g. handed down by systemd) with its mode.
type listenerSpec struct {
	addr string
	l    net.Listener
	mode SocketMode
}

// Server owns the listeners, the shared session.Config they hand to every
// accepted connection, and the bookkeeping for graceful shutdown.
type Server struct {
	Config session.Config

	Admitter    *admission.ConnectionAdmitter
	RateLimiter admission.RateLimiter

	specs []listenerSpec

	mu       sync.Mutex
	active   map[*session.Conn]struct{}
	listeners []net.Listener
}

// New returns a Server that will hand every accepted connection the given
// Config. The Config is shared read-only across all sessions; its
// collaborators (Store, Filter, AuthEngine, Bus) must be concurrency-safe.
func New(cfg session.Config) *Server {
	return &Server{
		Config: cfg,
		active: map[*session.Conn]struct{}{},
	}
}

// AddAddr registers an address to be listened on when ListenAndServe runs.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.specs = append(s.specs, listenerSpec{addr: addr, mode: mode})
}

// AddListener registers an already-open net.Listener (e.g. inherited via
// systemd socket activation), matching chasquid's AddListeners.
func (s *Server) AddListener(l net.Listener, mode SocketMode) {
	s.specs = append(s.specs, listenerSpec{l: l, mode: mode})
}

// ListenAndServe opens every registered listener and serves forever, or
// until the given context is cancelled, in which case it stops accepting
// new connections, asks every in-flight session to wind down, waits up to
// grace for them to finish on their own, and then forces the rest closed.
//
// Graceful shutdown is new: chasquid doesn't implement anything like it
// at all.
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	if s.Config.TLSConfig != nil && len(s.Config.TLSConfig.Certificates) == 0 {
		return fmt.Errorf("server: TLSConfig has no certificates")
	}

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	for _, spec := range s.specs {
		l := spec.l
		if l == nil {
			var err error
			l, err = net.Listen("tcp", spec.addr)
			if err != nil {
				return fmt.Errorf("server: listening on %s: %w", spec.addr, err)
			}
		}
		if spec.mode.ImplicitTLS {
			if s.Config.TLSConfig == nil {
				return fmt.Errorf("server: %s requires implicit TLS but no TLSConfig is set", spec.mode)
			}
			l = tls.NewListener(l, s.Config.TLSConfig)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()

		if s.Config.MailLog != nil {
			s.Config.MailLog.Listening(l.Addr().String())
		}
		log.Infof("server listening on %s (%s)", l.Addr(), spec.mode)

		wg.Add(1)
		go func(l net.Listener, mode SocketMode) {
			defer wg.Done()
			if err := s.serve(ctx, l, mode); err != nil {
				select {
				case errc <- err:
				default:
				}
			}
		}(l, spec.mode)
	}

	<-ctx.Done()
	s.closeListeners()
	s.requestShutdownAll()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(grace):
		s.forceCloseAll()
		<-done
	}

	select {
	case err := <-errc:
		return err
	default:
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.Close()
	}
}

func (s *Server) requestShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		c.RequestShutdown()
	}
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		c.Close()
	}
}

// serve runs the accept loop for one listener, handing each connection off
// to its own goroutine, mirroring chasquid's serve (server.go) with the
// addition of admission control and a stop condition on ctx.
func (s *Server) serve(ctx context.Context, l net.Listener, mode SocketMode) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting on %s: %w", l.Addr(), err)
		}

		if s.RateLimiter != nil {
			ip := hostOf(conn.RemoteAddr())
			s.RateLimiter.RecordRequest(ip)
			if !s.RateLimiter.IsAllowed(ip) {
				s.rejectConn(conn, 421, "4.7.1 Rate limit exceeded", events.RateLimitExceeded)
				continue
			}
		}

		if s.Admitter != nil {
			if err := s.Admitter.Admit(conn.RemoteAddr()); err != nil {
				s.rejectConn(conn, 421, "4.7.0 Too many concurrent sessions", events.ConnectionRejected)
				continue
			}
		}

		s.emit(events.ConnectionAccepted, conn.RemoteAddr())
		go s.handle(ctx, conn, mode)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, mode SocketMode) {
	defer func() {
		if s.Admitter != nil {
			s.Admitter.Release(conn.RemoteAddr())
		}
	}()

	c := session.New(conn, &s.Config, mode.ImplicitTLS)

	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, c)
		s.mu.Unlock()
	}()

	c.Handle(ctx)
}

// rejectConn writes a rejection reply directly to a not-yet-admitted
// connection, records the event on the bus, and closes it. conn has no
// session associated with it yet, so the event carries only its address.
func (s *Server) rejectConn(conn net.Conn, code int, msg string, kind events.Kind) {
	conn.Write(reply.Format(code, msg))
	s.emit(kind, conn.RemoteAddr())
	conn.Close()
}

// emit publishes a connection-lifecycle event with no associated session,
// a no-op if the server has no Bus configured.
func (s *Server) emit(kind events.Kind, addr net.Addr) {
	if s.Config.Bus == nil {
		return
	}
	s.Config.Bus.Emit(events.Event{Kind: kind, RemoteAddr: addr.String()})
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
