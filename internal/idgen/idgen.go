// Package idgen generates process-unique identifiers for sessions and
// received messages.
//
// Chasquid generates queue IDs inside internal/queue using a counter plus
// hostname, tied to its on-disk queue format this module doesn't carry
// forward; this is a from-scratch, dependency-free replacement with the
// same property: locally generated, unique per process.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync/atomic"
	"time"
)

var counter uint64

// encoding avoids padding and is safe to embed in SMTP reply text and
// Received headers without further escaping.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a new identifier, unique within this process: a monotonic
// counter plus a few random bytes, so concurrent callers never collide
// even if called within the same clock tick.
func New() string {
	n := atomic.AddUint64(&counter, 1)

	var r [5]byte
	// crypto/rand.Read on the package-level Reader never returns a short
	// read without an error; an error here means the OS entropy source is
	// broken, which is already fatal for TLS elsewhere in the process, so
	// fall back to the counter alone rather than panicking a session.
	if _, err := rand.Read(r[:]); err != nil {
		return fmt.Sprintf("%016x", n)
	}

	return fmt.Sprintf("%016x-%s", n, encoding.EncodeToString(r[:]))
}

// NewAt is like New but embeds the given time as a sortable prefix,
// useful for message IDs where chronological ordering in logs is handy.
func NewAt(t time.Time) string {
	return fmt.Sprintf("%d-%s", t.UnixNano(), New())
}
