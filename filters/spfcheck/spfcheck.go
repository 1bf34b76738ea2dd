// Package spfcheck implements a MailboxFilter that checks the SPF record
// of a MAIL FROM sender against the connecting IP.
//
// This relocates chasquid's inline checkSPF (blitiri.com.ar/go/chasquid's
// internal/smtpsrv/conn.go) out of the protocol core and behind the
// admission.MailboxFilter interface; the actual lookup is unchanged,
// delegated to the same blitiri.com.ar/go/spf package chasquid already
// depends on.
package spfcheck

import (
	"context"
	"fmt"
	"net"

	"blitiri.com.ar/go/spf"

	"github.com/mercury-smtp/mercury/internal/envelope"
)

// Policy controls how a non-Pass SPF result is treated. Each rejecting
// result class has its own switch; New turns on only RejectOnFail, since
// legitimate mail can arrive from domains with no SPF record at all.
type Policy struct {
	// RejectOnFail rejects when the result is Fail. Defaults to true in
	// New; set false only for observe-without-enforcing deployments.
	RejectOnFail bool

	// RejectOnSoftFail additionally rejects SoftFail results, a stricter
	// posture than the RFC recommends but one some deployments want.
	RejectOnSoftFail bool

	// RejectOnTempError rejects when the lookup itself failed transiently
	// (DNS timeout, etc). Defaults to false: a DNS hiccup shouldn't bounce
	// mail.
	RejectOnTempError bool
}

// Filter is a spf-backed admission.MailboxFilter. It only judges the
// sender at MAIL FROM time (CanDeliverTo always allows).
type Filter struct {
	Policy Policy
}

// New returns a Filter with the RFC-recommended default policy: reject on
// Fail only.
func New() *Filter {
	return &Filter{Policy: Policy{RejectOnFail: true}}
}

// CanAcceptFrom runs the SPF check for the sender's domain against the
// connecting IP, satisfying the MailboxFilter contract. A nil remoteIP
// (non-TCP transports) always passes, since SPF has nothing to check.
// declaredSize is unused: SPF has nothing to say about message size.
func (f *Filter) CanAcceptFrom(ctx context.Context, remoteIP net.IP, ehloDomain, from string, declaredSize int64) error {
	if remoteIP == nil || from == "" {
		return nil
	}

	domain := envelope.DomainOf(from)
	if domain == "" {
		return nil
	}

	res, err := spf.CheckHostWithSender(remoteIP, domain, from)
	switch res {
	case spf.Fail:
		if f.Policy.RejectOnFail {
			return fmt.Errorf("SPF check failed: %v", err)
		}
	case spf.SoftFail:
		if f.Policy.RejectOnSoftFail {
			return fmt.Errorf("SPF soft-fail: %v", err)
		}
	case spf.TempError:
		if f.Policy.RejectOnTempError {
			return fmt.Errorf("SPF temporary error: %v", err)
		}
	}
	return nil
}

// CanDeliverTo always allows; SPF has nothing to say about the recipient.
func (f *Filter) CanDeliverTo(ctx context.Context, from, to string) error {
	return nil
}
