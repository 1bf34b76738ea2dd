// Package bcryptdb implements a simple, file-backed CredentialVerifier
// using bcrypt password hashes.
//
// Chasquid's credential store (blitiri.com.ar/go/chasquid's
// internal/userdb) is a protobuf-encoded file using scrypt; this module
// drops protobuf entirely (see DESIGN.md) and needs its own reference
// CredentialVerifier. golang.org/x/crypto/bcrypt is the ecosystem's usual
// choice for this and is already part of the golang.org/x/crypto module
// chasquid depends on (for scrypt), so this reuses that module instead
// of introducing a new one.
package bcryptdb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/mercury-smtp/mercury/internal/normalize"
)

// DB is an in-memory table of username -> bcrypt hash, optionally backed
// by a flat file of "username:hash" lines (one per user), following
// chasquid's userdb file-per-database layout but in a trivially
// human-editable format instead of a protobuf.
type DB struct {
	mu    sync.RWMutex
	users map[string][]byte // normalized username -> bcrypt hash
	fname string
}

// New returns an empty, in-memory-only DB.
func New() *DB {
	return &DB{users: map[string][]byte{}}
}

// Load reads a DB from fname, in "username:bcrypthash" lines, blank lines
// and lines starting with "#" ignored.
func Load(fname string) (*DB, error) {
	db := &DB{users: map[string][]byte{}, fname: fname}
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("bcryptdb: malformed line %q", line)
		}
		nuser, err := normalize.User(user)
		if err != nil {
			return nil, fmt.Errorf("bcryptdb: invalid username %q: %w", user, err)
		}
		db.users[nuser] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// AddUser inserts or replaces a user's password, hashing it with bcrypt at
// the default cost.
func (db *DB) AddUser(username, password string) error {
	nuser, err := normalize.User(username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.users[nuser] = hash
	db.mu.Unlock()
	return nil
}

// Verify implements auth.CredentialVerifier: it normalizes the username
// the same way the session layer does (internal/normalize.User, PRECIS-
// based) so that AUTH usernames and SMTP envelope addresses stay
// consistent, then checks the password against the stored bcrypt hash.
func (db *DB) Verify(ctx context.Context, username, password string) (string, bool, error) {
	nuser, err := normalize.User(username)
	if err != nil {
		return "", false, nil
	}

	db.mu.RLock()
	hash, ok := db.users[nuser]
	db.mu.RUnlock()
	if !ok {
		// Run bcrypt anyway against a fixed hash, to keep the timing
		// profile of "unknown user" indistinguishable from "wrong
		// password".
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", false, nil
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return "", false, nil
	}
	return nuser, true, nil
}

// Exists reports whether username has an entry, for local-recipient
// checks, mirroring chasquid's userdb.Exists.
func (db *DB) Exists(username string) bool {
	nuser, err := normalize.User(username)
	if err != nil {
		return false
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.users[nuser]
	return ok
}

// Save writes the DB back to its backing file, if it has one.
func (db *DB) Save() error {
	if db.fname == "" {
		return fmt.Errorf("bcryptdb: DB has no backing file")
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	f, err := os.Create(db.fname)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for user, hash := range db.users {
		fmt.Fprintf(w, "%s:%s\n", user, hash)
	}
	return w.Flush()
}

// dummyHash is a bcrypt hash of a fixed, never-used password, compared
// against on lookup-miss to avoid leaking whether a username exists via
// response timing.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
