// Package mercury is an embeddable ESMTP server core: protocol engine,
// session state machine, AUTH/SASL, admission/filtering, and TLS, with
// persistence and everything downstream of "message accepted" left to a
// pluggable MessageStore.
//
// The package itself is a thin façade: the actual implementation lives in
// internal/session (the protocol engine) and internal/server (the listener
// supervisor and graceful shutdown). This file re-exports the types and
// constructors a caller needs to stand up a server, following the
// composition-root style chasquid itself uses (blitiri.com.ar/go/chasquid's
// root-level chasquid.go builds a smtpsrv.Server and wires it up directly,
// rather than duplicating smtpsrv's types at the root).
package mercury

import (
	"context"
	"time"

	"github.com/mercury-smtp/mercury/internal/admission"
	"github.com/mercury-smtp/mercury/internal/auth"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/server"
	"github.com/mercury-smtp/mercury/internal/session"
)

// Config holds every per-server tunable, plus the external collaborators
// (Store, Filter, AuthEngine, Bus).
type Config = session.Config

// Server listens, admits connections, and runs sessions to completion.
type Server = server.Server

// SocketMode distinguishes a listener's TLS/submission policy.
type SocketMode = server.SocketMode

var (
	ModeSMTP          = server.ModeSMTP
	ModeSubmission    = server.ModeSubmission
	ModeSubmissionTLS = server.ModeSubmissionTLS
)

// New returns a Server that will hand every accepted connection the given
// Config.
func New(cfg Config) *Server {
	return server.New(cfg)
}

// Session is the externally-visible state of one connection: its security
// state, authentication identity, negotiated extensions, and current
// transaction.
type Session = session.Session

// Transaction holds the state of one MAIL/RCPT/DATA-or-BDAT cycle.
type Transaction = session.Transaction

// ReceivedMessage is what a MessageStore receives once a transaction
// completes successfully.
type ReceivedMessage = session.ReceivedMessage

// MessageStore persists or relays an accepted message. It is the only
// thing downstream of protocol acceptance this module does not implement
// itself.
type MessageStore = session.MessageStore

// SaveResult is a MessageStore's verdict on one ReceivedMessage.
type SaveResult = session.SaveResult

// SaveStatus classifies how a MessageStore.Save call went.
type SaveStatus = session.SaveStatus

const (
	SaveOK               = session.SaveOK
	SaveTransientFailure = session.SaveTransientFailure
	SavePermanentFailure = session.SavePermanentFailure
)

// MailboxFilter decides whether to accept a sender or deliver to a
// recipient; filters/spfcheck provides an SPF-backed implementation.
type MailboxFilter = admission.MailboxFilter

// AllowAllFilter is a MailboxFilter that accepts everything.
type AllowAllFilter = admission.AllowAllFilter

// RateLimiter gates connection admission by remote IP.
type RateLimiter = admission.RateLimiter

// TokenBucketLimiter is the default RateLimiter, backed by
// golang.org/x/time/rate.
type TokenBucketLimiter = admission.TokenBucketLimiter

// NewTokenBucketLimiter returns a RateLimiter with the given refill rate
// (requests/second) and burst size.
func NewTokenBucketLimiter(ratePerSecond float64, burst int) *TokenBucketLimiter {
	return admission.NewTokenBucketLimiter(ratePerSecond, burst)
}

// ConnectionAdmitter enforces global and per-IP concurrent connection
// caps.
type ConnectionAdmitter = admission.ConnectionAdmitter

// NewConnectionAdmitter returns an admitter with the given caps (0 means
// unlimited).
func NewConnectionAdmitter(maxTotal, maxPerIP int64) *ConnectionAdmitter {
	return admission.NewConnectionAdmitter(maxTotal, maxPerIP)
}

// CredentialVerifier validates a username/password pair for AUTH.
type CredentialVerifier = auth.CredentialVerifier

// CredentialVerifierFunc adapts a function to CredentialVerifier.
type CredentialVerifierFunc = auth.CredentialVerifierFunc

// AuthEngine drives SASL mechanism exchanges for one server.
type AuthEngine = auth.Engine

// NewAuthEngine returns an Engine with PLAIN and LOGIN pre-registered.
func NewAuthEngine(v CredentialVerifier) *AuthEngine {
	return auth.NewEngine(v)
}

// Event is a single occurrence published on the event Bus.
type Event = events.Event

// EventKind identifies the category of an emitted Event.
type EventKind = events.Kind

// EventBus fans out events to subscribers, one at a time, waiting at most
// its Timeout for each.
type EventBus = events.Bus

// NewEventBus returns a Bus with a sane default subscriber timeout.
func NewEventBus() *EventBus {
	return events.NewBus()
}

// Decision lets a MessageReceived subscriber veto acceptance of a
// message.
type Decision = events.Decision

// Accept is the zero-value Decision: do not veto.
var Accept = events.Accept

// ListenAndServe is a convenience wrapper equivalent to
// s.ListenAndServe(ctx, grace), exported at the package level so simple
// callers don't need to reach into internal/server's method set directly.
func ListenAndServe(ctx context.Context, s *Server, grace time.Duration) error {
	return s.ListenAndServe(ctx, grace)
}
