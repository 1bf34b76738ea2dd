// Package admission implements connection- and rate-based gating, plus the
// MailboxFilter collaborator contract, ahead of the protocol engine.
//
// Chasquid (blitiri.com.ar/go/chasquid) has no admission layer at all:
// server.go's serve loop calls l.Accept() in an unbounded for loop and
// hands every connection straight to a goroutine. That matches a
// closed-network MTA deployment, but an internet-facing listener needs
// the opposite default; golang.org/x/time/rate is the ecosystem's
// token-bucket limiter of choice, and is adopted here rather than
// hand-rolling a limiter from scratch.
package admission

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter is a pluggable, presumed-thread-safe connection rate limiter
// consulted by the listener ahead of admission.
type RateLimiter interface {
	// IsAllowed reports whether ip may connect right now.
	IsAllowed(ip string) bool

	// RecordRequest notes that ip made a connection attempt, whether or
	// not it was allowed, so the limiter can account for it. Split from
	// IsAllowed because some limiter implementations (e.g. a sliding
	// window) need to record attempts distinctly from checking them.
	RecordRequest(ip string)
}

// TokenBucketLimiter is the default RateLimiter: a per-IP
// golang.org/x/time/rate limiter, where each distinct remote IP gets its
// own bucket, refilled at RatePerSecond with room for Burst requests in a
// spike.
type TokenBucketLimiter struct {
	RatePerSecond float64
	Burst         int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTokenBucketLimiter returns a limiter with the given refill rate
// (requests/second) and burst size.
func NewTokenBucketLimiter(ratePerSecond float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		RatePerSecond: ratePerSecond,
		Burst:         burst,
		buckets:       map[string]*rate.Limiter{},
	}
}

func (l *TokenBucketLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.RatePerSecond), l.Burst)
		l.buckets[ip] = b
	}
	return b
}

// IsAllowed reports whether ip's bucket currently has a token, and
// consumes that token when it does.
func (l *TokenBucketLimiter) IsAllowed(ip string) bool {
	return l.bucket(ip).Allow()
}

// RecordRequest is a no-op for TokenBucketLimiter: IsAllowed already
// consumes a token from the bucket on every call, so there is nothing
// further to account for. Limiters with separate check/record phases
// (e.g. a sliding-window counter) would do their bookkeeping here.
func (l *TokenBucketLimiter) RecordRequest(ip string) {}

// Forget drops the bucket for ip, e.g. once a connection using it has
// closed and isn't expected back soon; without this buckets accumulate
// forever for servers that see many distinct clients.
func (l *TokenBucketLimiter) Forget(ip string) {
	l.mu.Lock()
	delete(l.buckets, ip)
	l.mu.Unlock()
}

// ErrConnectionLimitExceeded is returned by ConnectionAdmitter.Admit when a
// configured cap would be exceeded.
type ErrConnectionLimitExceeded struct{ Scope string }

func (e *ErrConnectionLimitExceeded) Error() string {
	return "connection limit exceeded: " + e.Scope
}

// ConnectionAdmitter enforces global and per-IP concurrent connection
// caps using atomic counters, following chasquid's general preference
// for atomics over mutex-guarded counters in its own hot paths (e.g.
// internal/domaininfo, internal/queue). A limit of 0 means unlimited.
type ConnectionAdmitter struct {
	MaxConnections      int64
	MaxConnectionsPerIP int64

	total int64

	mu    sync.Mutex
	byIP  map[string]int64
}

// NewConnectionAdmitter returns an admitter with the given caps.
func NewConnectionAdmitter(maxTotal, maxPerIP int64) *ConnectionAdmitter {
	return &ConnectionAdmitter{
		MaxConnections:      maxTotal,
		MaxConnectionsPerIP: maxPerIP,
		byIP:                map[string]int64{},
	}
}

// ip extracts the bare IP from a net.Addr, for use as the per-IP counter
// key; it falls back to the address's full string representation for
// non-TCP addresses (e.g. in tests using net.Pipe).
func ip(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

// Admit increments the counters for addr's IP and reports whether the
// connection may proceed. On rejection, the counters are left unchanged.
// Every successful Admit must be matched with a Release.
func (a *ConnectionAdmitter) Admit(addr net.Addr) error {
	if a.MaxConnections > 0 && atomic.LoadInt64(&a.total) >= a.MaxConnections {
		return &ErrConnectionLimitExceeded{Scope: "global"}
	}

	key := ip(addr)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.MaxConnectionsPerIP > 0 && a.byIP[key] >= a.MaxConnectionsPerIP {
		return &ErrConnectionLimitExceeded{Scope: "per-ip"}
	}

	atomic.AddInt64(&a.total, 1)
	a.byIP[key]++
	return nil
}

// Release decrements the counters incremented by a matching Admit.
func (a *ConnectionAdmitter) Release(addr net.Addr) {
	atomic.AddInt64(&a.total, -1)

	key := ip(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byIP[key]--
	if a.byIP[key] <= 0 {
		delete(a.byIP, key)
	}
}

// Active returns the current global connection count, for metrics.
func (a *ConnectionAdmitter) Active() int64 {
	return atomic.LoadInt64(&a.total)
}

// MailboxFilter is the external collaborator the protocol engine consults
// at MAIL FROM and RCPT TO. It relocates chasquid's inline, SPF-specific
// checkSPF/secLevelCheck logic in (*Conn).MAIL out of the core into a
// pluggable hook; filters/spfcheck provides one concrete implementation.
type MailboxFilter interface {
	// CanAcceptFrom decides whether a MAIL FROM sender may be accepted on
	// this connection. remoteIP is nil for non-TCP transports (tests).
	// declaredSize is the client's SIZE= parameter, or 0 if it didn't send
	// one, so a filter can make size-based admission decisions.
	CanAcceptFrom(ctx context.Context, remoteIP net.IP, ehloDomain, from string, declaredSize int64) error

	// CanDeliverTo decides whether a RCPT TO recipient may be accepted,
	// given the sender already accepted for this transaction.
	CanDeliverTo(ctx context.Context, from, to string) error
}

// AllowAllFilter is a MailboxFilter that accepts everything, useful as a
// default when the caller doesn't need admission/filter logic.
type AllowAllFilter struct{}

func (AllowAllFilter) CanAcceptFrom(context.Context, net.IP, string, string, int64) error { return nil }
func (AllowAllFilter) CanDeliverTo(context.Context, string, string) error                 { return nil }
