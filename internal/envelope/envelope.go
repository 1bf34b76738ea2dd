// Package envelope implements functions related to handling email envelopes
// (basically tuples of (from, to, data).
package envelope

import (
	"bytes"
	"fmt"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/mercury-smtp/mercury/internal/set"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn checks that the domain of the address is on the given set.
func DomainIn(addr string, locals *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}

	return locals.Has(domain)
}

// AddHeader adds (prepends) a MIME header to the message.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		// If the value contains newlines, indent them properly.
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.Replace(v, "\n", "\n\t", -1)
	}

	header := []byte(fmt.Sprintf("%s: %s\n", k, v))
	return append(header, data...)
}

// Header extracts a summary of a few interesting headers from a message
// body, the way chasquid's checkData parses the message with
// net/mail.ReadMessage for loop detection; this generalizes that single
// pass into a small, reusable view for display and logging.
type Header struct {
	Subject     string
	MessageID   string
	Priority    string
	Date        string
	ContentType string

	// Raw is the full parsed header, for any field this struct doesn't
	// surface directly.
	Raw textproto.MIMEHeader
}

// ExtractHeader parses the message and returns a Header summary. Unlike
// checkData, this doesn't reject the message on parse failure; the caller
// decides what a parse error means for acceptance.
func ExtractHeader(data []byte) (Header, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return Header{}, err
	}

	h := Header{
		Subject:     msg.Header.Get("Subject"),
		MessageID:   msg.Header.Get("Message-Id"),
		Date:        msg.Header.Get("Date"),
		ContentType: msg.Header.Get("Content-Type"),
		Raw:         textproto.MIMEHeader(msg.Header),
	}

	h.Priority = msg.Header.Get("X-Priority")
	if h.Priority == "" {
		h.Priority = msg.Header.Get("Importance")
	}

	return h, nil
}
