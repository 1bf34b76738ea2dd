// Package session implements the per-connection ESMTP state machine: the
// command dispatch loop, transaction tracking, and the calls out to the
// external collaborators (MessageStore, MailboxFilter, CredentialVerifier)
// that decide what the core itself cannot.
//
// This generalizes blitiri.com.ar/go/chasquid's internal/smtpsrv.Conn
// (conn.go): same goroutine-per-connection shape, same "handler returns
// (code, msg)" convention, same readLine/writeResponse split — but driven
// by an explicit state matrix instead of chasquid's implicit one (chasquid
// only tracks ehloDomain/mailFrom/rcptTo and infers legality from whether
// they're set), and generalized to an abstract MessageStore instead of a
// local disk queue.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mercury-smtp/mercury/internal/admission"
	"github.com/mercury-smtp/mercury/internal/auth"
	"github.com/mercury-smtp/mercury/internal/command"
	"github.com/mercury-smtp/mercury/internal/envelope"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/haproxy"
	"github.com/mercury-smtp/mercury/internal/idgen"
	"github.com/mercury-smtp/mercury/internal/maillog"
	"github.com/mercury-smtp/mercury/internal/metrics"
	"github.com/mercury-smtp/mercury/internal/reply"
	"github.com/mercury-smtp/mercury/internal/trace"
	"github.com/mercury-smtp/mercury/internal/wire"
)

// Exported variables, in chasquid's expvarom-backed style (conn.go).
var (
	commandCount      = metrics.NewMap("mercury/smtpIn/commandCount", "command", "count of SMTP commands received, by command")
	responseCodeCount = metrics.NewMap("mercury/smtpIn/responseCodeCount", "code", "response codes returned to SMTP commands")
	tlsCount          = metrics.NewMap("mercury/smtpIn/tlsCount", "status", "count of TLS usage in incoming connections")
	authResultCount   = metrics.NewMap("mercury/smtpIn/authResultCount", "result", "AUTH attempt outcomes")
	messagesAccepted  = metrics.NewInt("mercury/smtpIn/messagesAccepted", "count of messages accepted for delivery")
)

// State is a node in the session's command-dispatch matrix.
type State int

const (
	Connected State = iota
	Greeted
	Mail
	Recipient
	Data
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Greeted:
		return "Greeted"
	case Mail:
		return "Mail"
	case Recipient:
		return "Recipient"
	case Data:
		return "Data"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SecurityState tracks a connection's TLS posture: plain, mid-handshake,
// or secure. It only ever moves forward.
type SecurityState int

const (
	SecurityPlain SecurityState = iota
	SecurityNegotiating
	SecurityTLS
)

// Transaction holds the state of one MAIL/RCPT/DATA or BDAT cycle.
type Transaction struct {
	From           string
	To             []string
	DeclaredSize   int64
	BodyType       string // "7BIT", "8BITMIME", "BINARYMIME"
	SMTPUTF8       bool
	AuthParam      string
	Data           []byte
	UsedBDAT       bool
	UsedDATA       bool
	TerminatorSeen bool
}

// Session is the externally-visible state of one connection. The
// protocol engine (Conn) owns and mutates it; external collaborators only
// read it.
type Session struct {
	ID         string
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	AcceptTime time.Time

	Security     SecurityState
	TLSState     *tls.ConnectionState
	Authenticated bool
	Identity     string

	EHLODomain string
	IsESMTP    bool

	Pipelining bool
	EightBitMime bool
	BinaryMime   bool
	Chunking     bool
	SMTPUTF8     bool
	MaxMessageSize int64

	State State
	Txn   *Transaction

	MessagesAccepted  int
	ConsecutiveErrors int
}

// IsSecure reports whether the session is currently protected by TLS.
func (s *Session) IsSecure() bool { return s.Security == SecurityTLS }

// ReceivedMessage is handed to the MessageStore at the end of a
// transaction.
type ReceivedMessage struct {
	ID         string
	SessionID  string
	From       string
	To         []string
	Data       []byte
	AcceptedAt time.Time
	Header     envelope.Header
}

// SaveStatus classifies how a MessageStore.Save call went.
type SaveStatus int

const (
	SaveOK SaveStatus = iota
	SaveTransientFailure
	SavePermanentFailure
)

// SaveResult is the MessageStore's verdict on one ReceivedMessage.
type SaveResult struct {
	Status  SaveStatus
	QueueID string
	Reason  string
}

// MessageStore is the external collaborator that actually persists or
// relays an accepted message. Implementations may block or run
// asynchronously to completion; they are assumed thread-safe across
// concurrent sessions.
type MessageStore interface {
	Save(ctx context.Context, s *Session, m *ReceivedMessage) SaveResult
}

// Config bundles every per-session tunable a caller can set. It's a plain
// struct with no builder methods: builders are ergonomic sugar layered on
// top of this, not a requirement.
type Config struct {
	Hostname string
	Banner   string
	Greeting string

	MaxMessageSize      int64
	MaxRecipients       int
	MaxConnections      int64
	MaxConnectionsPerIP int64
	MaxRetryCount       int

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	DataTimeout       time.Duration

	EnablePipelining     bool
	Enable8BitMime       bool
	EnableBinaryMime     bool
	EnableChunking       bool
	EnableSmtpUtf8       bool
	EnableSizeExtension  bool

	RequireAuthentication        bool
	RequireSecureConnection      bool
	AllowPlainTextAuthentication bool

	// HAProxyEnabled expects every accepted connection to start with a
	// PROXY protocol v1 header, matching chasquid's haproxyEnabled conn field.
	HAProxyEnabled bool

	TLSConfig *tls.Config

	DetailedErrors bool

	AuthEngine *auth.Engine
	Filter     admission.MailboxFilter
	Store      MessageStore
	Bus        *events.Bus
	MailLog    *maillog.Logger
}

// Validate reports an error when Hostname or Store is missing, fills in
// defaults for MaxRecipients, MaxRetryCount, CommandTimeout, DataTimeout
// and Filter, and copies AllowPlainTextAuthentication into AuthEngine. It
// does not check extension prerequisites.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("session: Config.Hostname must not be empty")
	}
	if c.Store == nil {
		return fmt.Errorf("session: Config.Store must not be nil")
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 100
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 3
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 1 * time.Minute
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = 10 * time.Minute
	}
	if c.Filter == nil {
		c.Filter = admission.AllowAllFilter{}
	}
	if c.AuthEngine != nil {
		c.AuthEngine.AllowPlainTextAuthentication = c.AllowPlainTextAuthentication
	}
	return nil
}

func (c *Config) maillog() *maillog.Logger {
	if c.MailLog != nil {
		return c.MailLog
	}
	return noopMailLog
}

var noopMailLog = maillog.New(discard{})

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Conn drives one session end to end: accept, greet, dispatch commands,
// close.
type Conn struct {
	cfg  *Config
	wire *wire.Conn
	sess *Session
	tr   *trace.Trace

	reply reply.Buffer

	// onTLS mode: is the underlying transport already TLS-wrapped before
	// STARTTLS (implicit TLS), as opposed to plaintext-then-upgrade.
	implicitTLS bool

	// shuttingDown is set by the supervisor (internal/server) to make the
	// next command boundary reply 421 and close.
	shuttingDown int32

	// pendingSize holds a MAIL FROM SIZE= value between parsing and
	// transaction creation.
	pendingSize int64
}

// New wraps a freshly-accepted net.Conn for the SMTP session it's about to
// run. implicitTLS indicates the listener socket is TLS-wrapped already
// (mode.TLS in chasquid's SocketMode).
func New(conn net.Conn, cfg *Config, implicitTLS bool) *Conn {
	return &Conn{
		cfg:         cfg,
		wire:        wire.New(conn),
		implicitTLS: implicitTLS,
		sess: &Session{
			ID:         idgen.New(),
			RemoteAddr: conn.RemoteAddr(),
			LocalAddr:  conn.LocalAddr(),
			AcceptTime: time.Now(),
			State:      Connected,
		},
	}
}

// Session returns the session state, for the supervisor's enumeration and
// for tests.
func (c *Conn) Session() *Session { return c.sess }

// RequestShutdown asks the session to close at its next command boundary
// instead of accepting further commands, for graceful server shutdown.
func (c *Conn) RequestShutdown() { atomic.StoreInt32(&c.shuttingDown, 1) }

func (c *Conn) isShuttingDown() bool { return atomic.LoadInt32(&c.shuttingDown) != 0 }

// Close tears down the underlying transport.
func (c *Conn) Close() { c.wire.Close() }

func (c *Conn) emit(kind events.Kind, extra func(*events.Event)) {
	if c.cfg.Bus == nil {
		return
	}
	ev := events.Event{Kind: kind, SessionID: c.sess.ID, RemoteAddr: c.sess.RemoteAddr.String()}
	if extra != nil {
		extra(&ev)
	}
	c.cfg.Bus.Emit(ev)
}

// Handle runs the session to completion: greeting, command loop, cleanup.
// It never returns until the connection is done, one way or another.
func (c *Conn) Handle(ctx context.Context) {
	defer c.Close()

	c.tr = trace.New("SMTP.Session", c.sess.RemoteAddr.String())
	defer c.tr.Finish()

	c.emit(events.SessionCreated, nil)
	defer c.emit(events.SessionCompleted, nil)

	c.wire.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

	if c.implicitTLS {
		state, err := c.handshakeExisting()
		if err != nil {
			c.tr.Errorf("implicit TLS handshake failed: %v", err)
			return
		}
		c.sess.Security = SecurityTLS
		c.sess.TLSState = state
	}

	if c.cfg.HAProxyEnabled {
		src, dst, err := haproxy.Handshake(c.wire.Reader())
		if err != nil {
			c.tr.Errorf("error in haproxy handshake: %v", err)
			return
		}
		c.sess.RemoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	banner := c.cfg.Banner
	if banner == "" {
		banner = fmt.Sprintf("220 %s ESMTP mercury", c.cfg.Hostname)
	} else {
		banner = "220 " + banner
	}
	if err := c.wire.Printf("%s", banner); err != nil {
		return
	}

	for {
		if c.isShuttingDown() {
			c.wire.WriteLine(reply.Format(421, "4.3.2 Service shutting down"))
			return
		}

		c.wire.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

		line, err := c.wire.ReadLine()
		if err != nil {
			if err == wire.ErrLineTooLong {
				c.emit(events.ErrorOccurred, func(e *events.Event) { e.Err = err; e.Code = 500 })
				c.respond(500, "5.5.2 Line too long")
				c.flush()
				if c.bumpErrorsAndMaybeClose() {
					return
				}
				continue
			}
			return
		}

		cmd, perr := command.Parse(line)
		if perr != nil {
			c.emit(events.ErrorOccurred, func(e *events.Event) { e.Err = perr; e.Code = 500 })
			c.respond(500, "5.5.1 Unknown command")
			c.flush()
			if c.bumpErrorsAndMaybeClose() {
				return
			}
			continue
		}

		c.emit(events.CommandReceived, func(e *events.Event) { e.Command = cmd.Verb })

		if cmd.Verb == "QUIT" {
			c.respond(221, "2.0.0 Bye")
			c.flush()
			return
		}

		// These handlers may write their own intermediate replies (354,
		// 220, 334), so every earlier pipelined reply goes out first.
		sync := cmd.Verb == "DATA" || cmd.Verb == "BDAT" || cmd.Verb == "STARTTLS" || cmd.Verb == "AUTH"
		if sync {
			if err := c.flush(); err != nil {
				return
			}
		}

		code, msg := c.dispatch(ctx, cmd, line)
		c.emit(events.CommandExecuted, func(e *events.Event) { e.Command = cmd.Verb; e.Code = code })

		if code == 0 {
			// Handler already wrote its own reply (e.g. STARTTLS's 220
			// must be flushed before the handshake starts).
			continue
		}

		c.respond(code, msg)

		batchComplete := c.wire.Reader().Buffered() == 0
		if sync || !c.sess.Pipelining || batchComplete {
			if err := c.flush(); err != nil {
				return
			}
		}

		if code >= 400 {
			if c.bumpErrorsAndMaybeClose() {
				return
			}
		} else {
			c.sess.ConsecutiveErrors = 0
		}
	}
}

func (c *Conn) handshakeExisting() (*tls.ConnectionState, error) {
	tconn, ok := c.wire.Raw().(*tls.Conn)
	if !ok {
		return nil, fmt.Errorf("implicit TLS requested but transport is not a *tls.Conn")
	}
	if err := tconn.Handshake(); err != nil {
		return nil, err
	}
	state := tconn.ConnectionState()
	return &state, nil
}

// respond queues a reply; under PIPELINING it accumulates until flush,
// otherwise it's written immediately by flush() right after.
func (c *Conn) respond(code int, msg string) {
	responseCodeCount.Add(strconv.Itoa(code), 1)
	c.reply.Add(code, msg)
}

func (c *Conn) flush() error {
	if c.reply.Empty() {
		return nil
	}
	err := c.wire.WriteLine(c.reply.Bytes())
	c.reply.Reset()
	return err
}

// bumpErrorsAndMaybeClose implements the consecutive-error drop policy:
// after MaxRetryCount non-2xx/3xx replies in a row, send 421 and close.
func (c *Conn) bumpErrorsAndMaybeClose() bool {
	c.sess.ConsecutiveErrors++
	if c.sess.ConsecutiveErrors < c.cfg.MaxRetryCount {
		return false
	}
	c.wire.WriteLine(reply.Format(421, "4.5.0 Too many errors, bye"))
	return true
}

// dispatch routes one parsed command to its handler, after checking the
// state matrix. Returns (0, "") when the handler already wrote and
// flushed its own reply.
func (c *Conn) dispatch(ctx context.Context, cmd command.Command, rawLine string) (int, string) {
	commandCount.Add(cmd.Verb, 1)

	if !c.permitted(cmd.Verb) {
		return 503, "5.5.1 Bad sequence of commands"
	}

	switch cmd.Verb {
	case "HELO":
		return c.HELO(cmd.Arg)
	case "EHLO":
		return c.EHLO(cmd.Arg)
	case "MAIL":
		return c.MAIL(ctx, cmd.Arg)
	case "RCPT":
		return c.RCPT(ctx, cmd.Arg)
	case "DATA":
		return c.DATA(ctx)
	case "BDAT":
		return c.BDAT(ctx, cmd.Arg)
	case "RSET":
		return c.RSET()
	case "NOOP":
		return 250, "2.0.0 OK"
	case "VRFY", "EXPN":
		return 252, "2.5.0 Cannot VRFY user, but will accept message"
	case "HELP":
		return 214, "2.0.0 See RFC 5321"
	case "STARTTLS":
		return c.STARTTLS()
	case "AUTH":
		return c.AUTH(cmd.Arg)
	default:
		return 500, "5.5.1 Unknown command"
	}
}

// permitted checks verb against the per-state command legality matrix.
func (c *Conn) permitted(verb string) bool {
	always := map[string]bool{"QUIT": true, "NOOP": true}
	if always[verb] {
		return true
	}

	if verb == "STARTTLS" {
		return c.cfg.TLSConfig != nil && !c.sess.IsSecure()
	}
	if verb == "AUTH" {
		return c.cfg.AuthEngine != nil && !c.sess.Authenticated
	}

	switch c.sess.State {
	case Connected:
		return verb == "EHLO" || verb == "HELO"
	case Greeted:
		switch verb {
		case "EHLO", "HELO", "MAIL", "RSET", "VRFY", "EXPN", "HELP":
			return true
		}
		return false
	case Mail, Recipient:
		switch verb {
		case "RCPT", "RSET", "EHLO", "HELO":
			return true
		case "DATA", "BDAT":
			return c.sess.State == Recipient
		}
		return false
	case Data:
		return false
	default:
		return false
	}
}

// resetTransaction drops the current transaction without touching
// greeting/auth/TLS state.
func (c *Conn) resetTransaction() {
	c.sess.Txn = nil
	if c.sess.State != Connected {
		c.sess.State = Greeted
	}
}

// HELO/EHLO share argument validation; EHLO additionally negotiates
// extensions and switches on ESMTP behavior.
func (c *Conn) HELO(arg string) (int, string) {
	if strings.TrimSpace(arg) == "" {
		return 501, "5.5.4 Syntax error in parameters"
	}
	c.sess.EHLODomain = strings.Fields(arg)[0]
	c.sess.IsESMTP = false
	c.resetTransaction()
	if c.sess.State == Connected {
		c.sess.State = Greeted
	}
	return 250, c.cfg.Hostname + " Hello " + c.sess.EHLODomain
}

func (c *Conn) EHLO(arg string) (int, string) {
	if strings.TrimSpace(arg) == "" {
		return 501, "5.5.4 Syntax error in parameters"
	}
	c.sess.EHLODomain = strings.Fields(arg)[0]
	c.sess.IsESMTP = true
	c.sess.Pipelining = c.cfg.EnablePipelining
	c.sess.EightBitMime = c.cfg.Enable8BitMime
	c.sess.BinaryMime = c.cfg.EnableBinaryMime
	c.sess.Chunking = c.cfg.EnableChunking || c.cfg.EnableBinaryMime
	c.sess.SMTPUTF8 = c.cfg.EnableSmtpUtf8
	c.sess.MaxMessageSize = c.cfg.MaxMessageSize
	c.resetTransaction()
	if c.sess.State == Connected {
		c.sess.State = Greeted
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s Hello %s\n", c.cfg.Hostname, c.sess.EHLODomain)
	if c.sess.Pipelining {
		b.WriteString("PIPELINING\n")
	}
	if c.sess.EightBitMime {
		b.WriteString("8BITMIME\n")
	}
	if c.sess.BinaryMime {
		b.WriteString("BINARYMIME\n")
	}
	if c.sess.Chunking {
		b.WriteString("CHUNKING\n")
	}
	if c.cfg.EnableSizeExtension {
		if c.cfg.MaxMessageSize > 0 {
			fmt.Fprintf(&b, "SIZE %d\n", c.cfg.MaxMessageSize)
		} else {
			b.WriteString("SIZE\n")
		}
	}
	if c.sess.SMTPUTF8 {
		b.WriteString("SMTPUTF8\n")
	}
	if c.cfg.TLSConfig != nil && !c.sess.IsSecure() {
		b.WriteString("STARTTLS\n")
	}
	if c.cfg.AuthEngine != nil {
		mechs := c.cfg.AuthEngine.Eligible(c.sess.IsSecure())
		if len(mechs) > 0 {
			fmt.Fprintf(&b, "AUTH %s\n", strings.Join(mechs, " "))
		}
	}
	b.WriteString("HELP")

	return 250, b.String()
}

func (c *Conn) RSET() (int, string) {
	c.resetTransaction()
	return 250, "2.0.0 OK"
}
