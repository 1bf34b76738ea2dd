// Package command parses a single SMTP command line into a verb, its
// argument, and (for MAIL/RCPT) its key=value parameters.
//
// This generalizes the ad-hoc parsing chasquid does inline in
// (*Conn).readCommand and (*Conn).MAIL/.RCPT (blitiri.com.ar/go/chasquid's
// internal/smtpsrv/conn.go uses strings.SplitN and fmt.Sscanf on a
// case-by-case basis) into a single reusable parser, since MAIL FROM and
// RCPT TO both need the same SIZE=/BODY=/AUTH=/SMTPUTF8 parameter grammar
// recognized uniformly.
package command

import "strings"

// Verbs recognized by the protocol engine.
var knownVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true,
	"DATA": true, "BDAT": true, "RSET": true, "QUIT": true,
	"NOOP": true, "VRFY": true, "EXPN": true, "HELP": true,
	"AUTH": true, "STARTTLS": true,
}

// Command is a decoded SMTP command line.
type Command struct {
	// Verb is upper-cased (e.g. "MAIL").
	Verb string

	// Arg is everything after the verb, trimmed, before any "PARAM=value"
	// tail has been split out of it for MAIL/RCPT (for those, Arg still
	// holds the full rest of the line; callers that need just the address
	// use ParsePath).
	Arg string

	// For MAIL and RCPT, Params holds the "KEY=value" / bare "KEY" tokens
	// after the path, keyed by lower-cased key. Bare keys (e.g. SMTPUTF8)
	// map to "". It is nil for other verbs and when the path doesn't parse.
	Params map[string]string
}

// ErrUnknownVerb is returned when the verb isn't in the whitelist; the
// caller maps this to 500.
type ErrUnknownVerb struct{ Verb string }

func (e *ErrUnknownVerb) Error() string { return "unknown command: " + e.Verb }

// Parse decodes one command line (without the trailing CRLF).
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, " \t")
	verb := line
	rest := ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		verb = line[:i]
		rest = strings.TrimLeft(line[i+1:], " \t")
	}
	verb = strings.ToUpper(verb)

	if !knownVerbs[verb] {
		return Command{}, &ErrUnknownVerb{Verb: verb}
	}

	cmd := Command{Verb: verb, Arg: rest}
	switch verb {
	case "MAIL":
		_, cmd.Params, _ = ParsePath(rest, "FROM:")
	case "RCPT":
		_, cmd.Params, _ = ParsePath(rest, "TO:")
	}
	return cmd, nil
}

// ParsePath splits a MAIL FROM / RCPT TO argument of the form
// "FROM:<addr> PARAM=value ..." (or "TO:<addr> ...") into the address and
// its trailing parameters. prefix is "FROM:" or "TO:", matched
// case-insensitively per RFC 5321.
func ParsePath(arg, prefix string) (addr string, params map[string]string, ok bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	// The address is either "<...>" or a bare token up to the next space.
	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", nil, false
		}
		addr = rest[:end+1]
		rest = strings.TrimSpace(rest[end+1:])
	} else {
		fields := strings.SplitN(rest, " ", 2)
		addr = fields[0]
		rest = ""
		if len(fields) == 2 {
			rest = strings.TrimSpace(fields[1])
		}
	}

	return addr, ParseParams(rest), true
}

// ParseParams splits a whitespace-separated "KEY=value ..." tail into a
// lower-cased-key map, Values are preserved verbatim.
func ParseParams(s string) map[string]string {
	params := map[string]string{}
	for _, tok := range strings.Fields(s) {
		k, v, has := strings.Cut(tok, "=")
		if !has {
			params[strings.ToLower(k)] = ""
			continue
		}
		params[strings.ToLower(k)] = v
	}
	return params
}

// UnwrapAddr strips the surrounding "<" ">" from a path, if present.
func UnwrapAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
		return addr[1 : len(addr)-1]
	}
	return addr
}
