// Package auth implements the AUTH engine (RFC 4954): SASL mechanism
// exchanges, TLS gating, and a per-server mechanism registry.
//
// Chasquid (blitiri.com.ar/go/chasquid's internal/auth) hand-rolls
// PLAIN/LOGIN decoding for a single hard-coded pair of mechanisms inline
// in (*Conn).AUTH, plus a package-level DecodeResponse helper. This
// package generalizes that into genuine extensibility: new mechanisms
// register a handler using the shared 334-continuation convention, without
// a process-global registry. This is exactly the shape
// github.com/emersion/go-sasl's sasl.Server was built for; both
// mschneider82/go-smtp and foxcpp/maddy build their AUTH engines on top of
// it too. Engine owns its mechanism table per-instance (one per
// *server.Server), registers factories that wrap
// sasl.NewPlainServer/sasl.NewLoginServer, and drives the 334-continuation
// loop itself so it can enforce "*" cancellation and TLS-gating rules
// uniformly across mechanisms, including custom ones.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"

	"github.com/emersion/go-sasl"
)

// CredentialVerifier is the external collaborator that validates a
// username/password pair and, on success, returns the identity the
// session should be associated with.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (identity string, ok bool, err error)
}

// CredentialVerifierFunc adapts a function to CredentialVerifier.
type CredentialVerifierFunc func(ctx context.Context, username, password string) (string, bool, error)

func (f CredentialVerifierFunc) Verify(ctx context.Context, username, password string) (string, bool, error) {
	return f(ctx, username, password)
}

var (
	// ErrCancelled is returned when the client sends a lone "*" to abort
	// the exchange, per RFC 4954 §4.
	ErrCancelled = errors.New("authentication cancelled")

	// ErrBadBase64 is returned when a continuation line isn't valid base64.
	ErrBadBase64 = errors.New("invalid base64 in AUTH continuation")

	// errRejected is what verifier failure is translated to, so the SASL
	// state machine sees a uniform "authentication failed" regardless of
	// mechanism.
	errRejected = errors.New("authentication failed")
)

// result carries the identity back out of the sasl.Server closures, which
// only return an error.
type result struct {
	identity string
}

// Factory builds a new, single-use sasl.Server for one AUTH attempt,
// recording the resulting identity in res on success.
type Factory func(v CredentialVerifier, res *result) sasl.Server

// PlainFactory implements SASL PLAIN (RFC 4616) on top of go-sasl.
func PlainFactory(v CredentialVerifier, res *result) sasl.Server {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		id, ok, err := v.Verify(context.Background(), username, password)
		if err != nil {
			return err
		}
		if !ok {
			return errRejected
		}
		res.identity = id
		return nil
	})
}

// LoginFactory implements SASL LOGIN.
func LoginFactory(v CredentialVerifier, res *result) sasl.Server {
	return sasl.NewLoginServer(func(username, password string) error {
		id, ok, err := v.Verify(context.Background(), username, password)
		if err != nil {
			return err
		}
		if !ok {
			return errRejected
		}
		res.identity = id
		return nil
	})
}

// mechInfo pairs a factory with whether it may run without TLS when the
// server allows plaintext auth at all.
type mechInfo struct {
	factory       Factory
	plainTextSafe bool
}

// Engine is a per-server registry of SASL mechanisms plus the 334
// continuation driver. It holds no package-level state.
type Engine struct {
	verifier CredentialVerifier
	mechs    map[string]mechInfo

	// AllowPlainTextAuthentication mirrors the Config field of the same
	// name.
	AllowPlainTextAuthentication bool
}

// NewEngine returns an Engine with PLAIN and LOGIN pre-registered, backed
// by the given verifier.
func NewEngine(v CredentialVerifier) *Engine {
	e := &Engine{
		verifier: v,
		mechs:    map[string]mechInfo{},
	}
	e.Register("PLAIN", PlainFactory, true)
	e.Register("LOGIN", LoginFactory, true)
	return e
}

// Register adds (or replaces) a mechanism. plainTextSafe must only be true
// for mechanisms whose wire format doesn't expose the password in the
// clear any more than PLAIN/LOGIN already do.
func (e *Engine) Register(name string, f Factory, plainTextSafe bool) {
	e.mechs[name] = mechInfo{factory: f, plainTextSafe: plainTextSafe}
}

// Eligible returns the configured mechanisms that may be offered given the
// session's current security state, sorted for deterministic EHLO output.
func (e *Engine) Eligible(secure bool) []string {
	var out []string
	for name, mi := range e.mechs {
		if secure || mi.plainTextSafe && e.AllowPlainTextAuthentication {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Gate reports whether AUTH may be attempted for mechanism in the
// connection's current security state.
func (e *Engine) Gate(mechanism string, secure bool) bool {
	mi, ok := e.mechs[mechanism]
	if !ok {
		return false
	}
	return secure || mi.plainTextSafe && e.AllowPlainTextAuthentication
}

// Reader/Writer are the minimal I/O the continuation loop needs;
// internal/session.Conn implements them directly over its wire.Conn.
type Reader func() (line string, err error)
type Writer func(continuation string) error

// Run drives the 334-continuation exchange for mechanism, given an
// optional initial response (nil if the client didn't supply one), and
// returns the authenticated identity on success.
func (e *Engine) Run(mechanism string, initial []byte, read Reader, write Writer) (identity string, err error) {
	mi, ok := e.mechs[mechanism]
	if !ok {
		return "", errors.New("unsupported mechanism")
	}

	res := &result{}
	srv := mi.factory(e.verifier, res)

	response := initial
	for {
		challenge, done, serr := srv.Next(response)
		if serr != nil {
			return "", serr
		}
		if done {
			break
		}

		encoded := base64.StdEncoding.EncodeToString(challenge)
		if werr := write(encoded); werr != nil {
			return "", werr
		}

		line, rerr := read()
		if rerr != nil {
			return "", rerr
		}
		if line == "*" {
			return "", ErrCancelled
		}

		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return "", ErrBadBase64
		}
		response = decoded
	}

	return res.identity, nil
}
