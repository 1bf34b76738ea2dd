// Package maillog implements a log specifically for email, separate from
// the ambient trace/debug logging in internal/trace.
package maillog

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/mercury-smtp/mercury/internal/trace"
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information
// to it. Unlike chasquid's maillog, this is not exposed through a
// package-level Default: each *server.Server owns its own Logger, so that
// two servers in the same process (e.g. in tests) don't share mail logs.
type Logger struct {
	w       io.Writer
	once    sync.Once
	authLog *trace.EventLog
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{
		w:       timedWriter{w},
		authLog: trace.NewEventLog("Authentication", "Incoming SMTP"),
	}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "mercury")
	if err != nil {
		return nil, err
	}

	return &Logger{
		w:       w,
		authLog: trace.NewEventLog("Authentication", "Incoming SMTP"),
	}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, user)
	l.printf(msg)
	l.authLog.Debugf(msg)
}

// Rejected logs that we've rejected an email.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, err string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, err)
}

// Queued logs that we have accepted and handed off an email to the
// MessageStore.
func (l *Logger) Queued(netAddr net.Addr, from string, to []string, id string) {
	l.printf("%s from=%s accepted ip=%s to=%v\n", id, from, netAddr, to)
}
