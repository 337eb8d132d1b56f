// Package ids mints the ULID keys used for identities and organizations.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a key stamped with the current time.
func New() string { return NewAt(time.Now()) }

// NewAt returns a key stamped with t, so keys sort by the record's creation time rather
// than by the wall clock of the process that stored it. A zero t means now.
func NewAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a well-formed key.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time returns the creation time encoded in a key.
func Time(s string) (time.Time, bool) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()).UTC(), true
}
