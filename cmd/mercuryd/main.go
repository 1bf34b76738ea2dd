// mercuryd is a minimal example SMTP daemon built on top of the mercury
// module, wiring an in-memory MessageStore so the server can be exercised
// end to end without any external dependencies.
//
// It is not meant for production use as-is; see the library packages
// (internal/server, internal/session, authstore/bcryptdb,
// filters/spfcheck) for the pieces a real deployment would assemble
// differently.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/mercury-smtp/mercury/authstore/bcryptdb"
	"github.com/mercury-smtp/mercury/internal/admission"
	"github.com/mercury-smtp/mercury/internal/auth"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/maillog"
	"github.com/mercury-smtp/mercury/internal/server"
	"github.com/mercury-smtp/mercury/internal/session"
)

var (
	addr       = flag.String("addr", ":2525", "address to listen on for plain/STARTTLS SMTP")
	submAddr   = flag.String("submission_addr", "", "address to listen on for implicit-TLS submission (disabled if empty)")
	hostname   = flag.String("hostname", "localhost", "hostname to announce in the EHLO/HELO greeting")
	certFile   = flag.String("cert", "", "TLS certificate file (PEM)")
	keyFile    = flag.String("key", "", "TLS key file (PEM)")
	userdbFile = flag.String("userdb", "", "bcryptdb user database file (username:bcrypthash lines)")
	maxMsgSize = flag.Int64("max_message_size", 50*1024*1024, "maximum accepted message size, in bytes")
)

func main() {
	flag.Parse()
	log.Init()

	store := newMemoryStore()

	var verifier auth.CredentialVerifier
	if *userdbFile != "" {
		db, err := bcryptdb.Load(*userdbFile)
		if err != nil {
			log.Fatalf("loading user database: %v", err)
		}
		verifier = db
	} else {
		verifier = auth.CredentialVerifierFunc(
			func(ctx context.Context, user, pass string) (string, bool, error) {
				return "", false, nil
			})
	}

	bus := events.NewBus()
	bus.Subscribe(func(ev events.Event) events.Decision {
		log.Infof("event: %v session=%s command=%s code=%d", ev.Kind, ev.SessionID, ev.Command, ev.Code)
		return events.Accept
	})

	mlog := maillog.New(os.Stderr)

	cfg := session.Config{
		Hostname:             *hostname,
		MaxMessageSize:       *maxMsgSize,
		EnablePipelining:     true,
		Enable8BitMime:       true,
		EnableChunking:       true,
		EnableSizeExtension:  true,
		AllowPlainTextAuthentication: false,
		AuthEngine:           auth.NewEngine(verifier),
		Store:                store,
		Bus:                  bus,
		MailLog:              mlog,
	}

	if *certFile != "" && *keyFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatalf("loading TLS certificate: %v", err)
		}
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := server.New(cfg)
	srv.Admitter = admission.NewConnectionAdmitter(0, 0)
	srv.RateLimiter = admission.NewTokenBucketLimiter(10, 20)
	srv.AddAddr(*addr, server.ModeSMTP)
	if *submAddr != "" {
		if cfg.TLSConfig == nil {
			log.Fatalf("-submission_addr requires -cert/-key")
		}
		srv.AddAddr(*submAddr, server.ModeSubmissionTLS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		log.Infof("shutting down")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx, 30*time.Second); err != nil {
		log.Errorf("server exited: %v", err)
	}
}

// memoryStore is a trivial MessageStore that just keeps accepted messages
// in memory, for demonstration and manual testing.
type memoryStore struct {
	mu       sync.Mutex
	messages []*session.ReceivedMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) Save(ctx context.Context, sess *session.Session, m *session.ReceivedMessage) session.SaveResult {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	n := len(s.messages)
	s.mu.Unlock()

	return session.SaveResult{Status: session.SaveOK, QueueID: fmt.Sprintf("MEM%06d", n)}
}
