package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mercury-smtp/mercury/internal/command"
	"github.com/mercury-smtp/mercury/internal/databody"
	"github.com/mercury-smtp/mercury/internal/envelope"
	"github.com/mercury-smtp/mercury/internal/events"
	"github.com/mercury-smtp/mercury/internal/idgen"
	"github.com/mercury-smtp/mercury/internal/reply"
	"github.com/mercury-smtp/mercury/internal/tlsconst"
)

// remoteIP extracts the bare IP from the session's remote address, or nil
// for non-TCP transports (unit tests using net.Pipe).
func (c *Conn) remoteIP() net.IP {
	if tcp, ok := c.sess.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// MAIL implements "MAIL FROM:<addr> [SIZE=n] [BODY=...] [AUTH=...]
// [SMTPUTF8]".
func (c *Conn) MAIL(ctx context.Context, arg string) (int, string) {
	addr, params, ok := command.ParsePath(arg, "FROM:")
	if !ok {
		return 501, "5.5.4 Syntax error in MAIL FROM"
	}
	from := strings.Trim(addr, "<>")

	if sizeStr, has := params["size"]; has {
		sz, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || sz < 0 {
			return 501, "5.5.4 Invalid SIZE parameter"
		}
		if c.cfg.MaxMessageSize > 0 && sz > c.cfg.MaxMessageSize {
			return 552, "5.3.4 Message size exceeds fixed maximum"
		}
		c.pendingSize = sz
	}

	if _, has := params["smtputf8"]; has && !c.sess.SMTPUTF8 {
		return 501, "5.6.1 SMTPUTF8 not offered"
	}

	if c.cfg.RequireSecureConnection && !c.sess.IsSecure() {
		return 530, "5.7.0 Must issue STARTTLS first"
	}
	if c.cfg.RequireAuthentication && !c.sess.Authenticated {
		return 530, "5.7.0 Authentication required"
	}

	// Authenticated senders are trusted implicitly and skip filtering,
	// matching chasquid's checkSPF ("does not apply to authenticated
	// connections, they're allowed regardless").
	if !c.sess.Authenticated {
		if err := c.cfg.Filter.CanAcceptFrom(ctx, c.remoteIP(), c.sess.EHLODomain, from, c.pendingSize); err != nil {
			c.emit(events.ConnectionRejected, func(e *events.Event) { e.Err = err })
			c.cfg.maillog().Rejected(c.sess.RemoteAddr, from, nil, err.Error())
			return 550, "5.7.1 Sender rejected: " + err.Error()
		}
	}

	c.sess.Txn = &Transaction{
		From:      from,
		BodyType:  strings.ToUpper(params["body"]),
		AuthParam: params["auth"],
	}
	c.sess.Txn.DeclaredSize = c.pendingSize
	c.pendingSize = 0
	if c.sess.Txn.BodyType == "" {
		c.sess.Txn.BodyType = "7BIT"
	}
	if c.sess.Txn.BodyType == "BINARYMIME" && !c.sess.BinaryMime {
		c.sess.Txn = nil
		return 501, "5.6.2 BINARYMIME not offered"
	}
	c.sess.State = Mail
	return 250, "2.1.0 OK"
}

// RCPT implements "RCPT TO:<addr>".
func (c *Conn) RCPT(ctx context.Context, arg string) (int, string) {
	if c.sess.Txn == nil {
		return 503, "5.5.1 Need MAIL command first"
	}
	addr, _, ok := command.ParsePath(arg, "TO:")
	if !ok {
		return 501, "5.5.4 Syntax error in RCPT TO"
	}
	to := strings.Trim(addr, "<>")
	if to == "" {
		return 501, "5.5.4 Null recipient not allowed"
	}

	if len(c.sess.Txn.To) >= c.cfg.MaxRecipients {
		return 452, "4.5.3 Too many recipients"
	}

	if err := c.cfg.Filter.CanDeliverTo(ctx, c.sess.Txn.From, to); err != nil {
		c.cfg.maillog().Rejected(c.sess.RemoteAddr, c.sess.Txn.From, []string{to}, err.Error())
		return 550, "5.7.1 Recipient rejected: " + err.Error()
	}

	c.sess.Txn.To = append(c.sess.Txn.To, to)
	c.sess.State = Recipient
	return 250, "2.1.5 OK"
}

// DATA implements classic message submission: the 354 prompt, the
// dot-terminated body read, and the final accept/reject reply. Grounded on
// chasquid's (*Conn).DATA plus its helper checkData/addReceivedHeader
// (blitiri.com.ar/go/chasquid's internal/smtpsrv/conn.go), generalized to
// call out to an abstract MessageStore instead of chasquid's disk
// queue.
func (c *Conn) DATA(ctx context.Context) (int, string) {
	if c.sess.Txn == nil || len(c.sess.Txn.To) == 0 {
		return 503, "5.5.1 Need MAIL and RCPT commands first"
	}
	if c.sess.Txn.BodyType == "BINARYMIME" {
		return 503, "5.5.1 BINARYMIME requires BDAT, not DATA"
	}
	if c.sess.Txn.UsedBDAT {
		return 503, "5.5.1 Cannot mix DATA and BDAT"
	}

	if err := c.wire.WriteLine(reply.Format(354, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		c.resetTransaction()
		return 0, ""
	}
	c.sess.State = Data
	c.emit(events.DataTransferStarted, nil)

	c.wire.SetDeadline(time.Now().Add(c.cfg.DataTimeout))
	max := c.effectiveMaxSize()
	if max <= 0 {
		// A MaxMessageSize of 0 means no limit, as in EHLO and BDAT.
		max = 1<<63 - 1
	}
	body, err := databody.ReadDotTerminated(c.wire.Reader(), max)
	c.sess.Txn.UsedDATA = true

	if err == databody.ErrMessageTooLarge {
		c.resetTransaction()
		return 552, "5.3.4 Message size exceeds fixed maximum"
	}
	if err == databody.ErrInvalidLineEnding {
		c.resetTransaction()
		return 500, "5.5.2 Invalid line ending"
	}
	if err != nil {
		c.emit(events.ErrorOccurred, func(e *events.Event) { e.Err = err })
		c.resetTransaction()
		c.Close()
		return 0, ""
	}

	return c.finishTransaction(ctx, crlf(body))
}

// BDAT implements RFC 3030 chunked transfer: "BDAT <size> [LAST]".
// Unlike DATA, each BDAT command gets its own reply, and the transaction
// only finalizes once a LAST chunk arrives. Chasquid has no analogue for
// this at all; see internal/databody.ReadChunk's doc comment for what
// it's grounded on.
func (c *Conn) BDAT(ctx context.Context, arg string) (int, string) {
	if c.sess.Txn == nil || len(c.sess.Txn.To) == 0 {
		return 503, "5.5.1 Need MAIL and RCPT commands first"
	}
	if !c.sess.Chunking {
		return 503, "5.5.1 CHUNKING not offered"
	}
	if c.sess.Txn.UsedDATA {
		return 503, "5.5.1 Cannot mix DATA and BDAT"
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return 501, "5.5.4 Syntax error in BDAT"
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 501, "5.5.4 Invalid BDAT size"
	}
	last := len(fields) == 2 && strings.EqualFold(fields[1], "LAST")
	if len(fields) == 2 && !last {
		return 501, "5.5.4 Syntax error in BDAT"
	}

	c.sess.Txn.UsedBDAT = true
	c.sess.State = Data
	c.emit(events.DataTransferStarted, nil)

	ctx2, cancel := context.WithTimeout(ctx, c.cfg.DataTimeout)
	defer cancel()
	chunk, rerr := databody.ReadChunk(ctx2, c.wire.Reader(), size)
	if rerr != nil {
		c.emit(events.ErrorOccurred, func(e *events.Event) { e.Err = rerr })
		c.resetTransaction()
		c.Close()
		return 0, ""
	}

	c.sess.Txn.Data = append(c.sess.Txn.Data, chunk...)
	if max := c.effectiveMaxSize(); max > 0 && int64(len(c.sess.Txn.Data)) > max {
		c.resetTransaction()
		return 552, "5.3.4 Message size exceeds fixed maximum"
	}

	if !last {
		c.sess.State = Recipient
		return 250, "2.0.0 Chunk accepted"
	}

	return c.finishTransaction(ctx, c.sess.Txn.Data)
}

func (c *Conn) effectiveMaxSize() int64 {
	if c.sess.Txn != nil && c.sess.Txn.DeclaredSize > 0 {
		return c.sess.Txn.DeclaredSize
	}
	return c.cfg.MaxMessageSize
}

// crlf re-expands the LF-joined lines internal/databody.ReadDotTerminated
// returns back into CRLF, matching the bytes the client actually sent
// (minus dot-stuffing), per chasquid's own documented convention of
// doing this re-expansion "on endpoints".
func crlf(lfBody []byte) []byte {
	lines := strings.Split(string(lfBody), "\n")
	return []byte(strings.Join(lines, "\r\n"))
}

// finishTransaction hands the accumulated body to the MessageStore and
// translates its verdict into a reply, generalizing chasquid's
// addReceivedHeader + queue.Put sequence in (*Conn).DATA.
func (c *Conn) finishTransaction(ctx context.Context, body []byte) (int, string) {
	id := idgen.NewAt(time.Now())
	header, _ := envelope.ExtractHeader(body)

	msg := &ReceivedMessage{
		ID:         id,
		SessionID:  c.sess.ID,
		From:       c.sess.Txn.From,
		To:         append([]string(nil), c.sess.Txn.To...),
		Data:       append(c.received(), body...),
		AcceptedAt: time.Now(),
		Header:     header,
	}

	c.emit(events.DataTransferCompleted, nil)

	decision := events.Accept
	if c.cfg.Bus != nil {
		decision = c.cfg.Bus.EmitMessageReceived(events.Event{
			Kind:      events.MessageReceived,
			SessionID: c.sess.ID,
			Message:   msg.ID,
		})
	}
	if decision.Reject {
		code := decision.Code
		if code == 0 {
			code = 550
		}
		c.resetTransaction()
		return code, decision.Text
	}

	result := c.cfg.Store.Save(ctx, c.sess, msg)
	c.resetTransaction()

	switch result.Status {
	case SaveOK:
		c.sess.MessagesAccepted++
		messagesAccepted.Add(1)
		c.cfg.maillog().Queued(c.sess.RemoteAddr, msg.From, msg.To, result.QueueID)
		return 250, fmt.Sprintf("2.0.0 OK id=%s", result.QueueID)
	case SaveTransientFailure:
		return 451, "4.3.0 " + orDefault(result.Reason, "Temporary failure, please try again later")
	default:
		return 550, "5.3.0 " + orDefault(result.Reason, "Message rejected")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// received synthesizes a Received: trace header, mirroring chasquid's
// addReceivedHeader (internal/smtpsrv/conn.go), generalized to this
// module's hostname/identity fields instead of chasquid's.
func (c *Conn) received() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s", c.sess.EHLODomain)
	if tcp, ok := c.sess.RemoteAddr.(*net.TCPAddr); ok {
		fmt.Fprintf(&b, " (%s)", tcp.IP.String())
	}
	fmt.Fprintf(&b, "\r\n\tby %s", c.cfg.Hostname)
	if c.sess.IsSecure() && c.sess.TLSState != nil {
		fmt.Fprintf(&b, " with ESMTPS (%s/%s)",
			tlsconst.VersionName(c.sess.TLSState.Version),
			tlsconst.CipherSuiteName(c.sess.TLSState.CipherSuite))
	} else if c.sess.IsESMTP {
		b.WriteString(" with ESMTP")
	} else {
		b.WriteString(" with SMTP")
	}
	fmt.Fprintf(&b, " id %s", c.sess.ID)
	fmt.Fprintf(&b, ";\r\n\t%s\r\n", time.Now().Format(time.RFC1123Z))
	return []byte(b.String())
}

// STARTTLS implements RFC 3207: reply 220, then perform the handshake in
// place and rebuild the I/O layer, discarding any pipelined bytes a client
// tried to sneak in before the handshake. It writes its own
// reply and returns (0, "") so dispatch doesn't double-reply.
func (c *Conn) STARTTLS() (int, string) {
	if err := c.wire.WriteLine(reply.Format(220, "2.0.0 Go ahead")); err != nil {
		return 0, ""
	}

	c.emit(events.TLSStarted, nil)
	state, err := c.wire.Upgrade(c.cfg.TLSConfig)
	if err != nil {
		c.emit(events.TLSFailed, func(e *events.Event) { e.Err = err })
		tlsCount.Add("failed", 1)
		c.Close()
		return 0, ""
	}

	c.sess.Security = SecurityTLS
	c.sess.TLSState = state
	c.sess.EHLODomain = ""
	c.sess.IsESMTP = false
	c.sess.State = Connected
	c.resetTransaction()
	tlsCount.Add("ok", 1)
	c.emit(events.TLSCompleted, nil)
	return 0, ""
}

// AUTH implements RFC 4954: "AUTH <mechanism> [initial-response]", driving
// the 334-continuation loop through internal/auth.Engine directly over the
// wire, and writing its own final reply (so PIPELINING's synchronization
// rule -- no further commands may follow AUTH until its reply arrives --
// falls out naturally from the fact the loop blocks on c.wire.ReadLine).
func (c *Conn) AUTH(arg string) (int, string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return 501, "5.5.4 Syntax error in AUTH"
	}
	mech := strings.ToUpper(fields[0])

	if !c.cfg.AuthEngine.Gate(mech, c.sess.IsSecure()) {
		return 538, "5.7.11 Encryption required for requested authentication mechanism"
	}

	var initial []byte
	if len(fields) == 2 {
		if fields[1] == "=" {
			initial = []byte{}
		} else {
			decoded, derr := decodeInitial(fields[1])
			if derr != nil {
				return 501, "5.5.2 Invalid initial response"
			}
			initial = decoded
		}
	}

	c.emit(events.AuthAttempted, func(e *events.Event) { e.Command = mech })

	identity, err := c.cfg.AuthEngine.Run(mech, initial,
		func() (string, error) { return c.wire.ReadLine() },
		func(cont string) error { return c.wire.WriteLine(reply.Format(334, cont)) },
	)

	if err != nil {
		authResultCount.Add("failure", 1)
		c.emit(events.AuthFailed, func(e *events.Event) { e.Err = err })
		return 535, "5.7.8 Authentication failed"
	}

	authResultCount.Add("success", 1)
	c.sess.Authenticated = true
	c.sess.Identity = identity
	c.emit(events.AuthSucceeded, func(e *events.Event) { e.Message = identity })
	c.cfg.maillog().Auth(c.sess.RemoteAddr, identity, true)
	return 235, "2.7.0 Authentication successful"
}

func decodeInitial(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
