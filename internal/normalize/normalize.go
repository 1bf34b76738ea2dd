// Package normalize contains functions to normalize usernames, addresses
// and domains, for the SMTPUTF8 (RFC 6531) support.
package normalize

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/mercury-smtp/mercury/internal/envelope"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// DomainToUnicode converts the domain part of an address from its IDNA
// ASCII ("xn--...") form to Unicode, so local-domain comparisons and
// display are done consistently regardless of how the client encoded it.
// On error it returns the original address, to simplify callers.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}

	if user == "" {
		return uDomain, nil
	}
	return user + "@" + uDomain, nil
}

// StripDropsAndSuffix removes characters in drops and anything from the
// first occurrence of sep onwards in the user part, e.g. turning
// "user+tag"@domain into "user"@domain when sep is "+".
func StripDropsAndSuffix(addr, drops, sep string) string {
	user, domain := envelope.Split(addr)

	if sep != "" {
		if i := strings.Index(user, sep); i >= 0 {
			user = user[:i]
		}
	}
	if drops != "" {
		user = strings.Map(func(r rune) rune {
			if strings.ContainsRune(drops, r) {
				return -1
			}
			return r
		}, user)
	}

	if domain == "" {
		return user
	}
	return user + "@" + domain
}
