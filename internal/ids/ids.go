// Package ids generates and validates the identifiers used as storage keys
// across the service.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether raw parses as an identifier produced by New. Not
// every identifier in the system comes from New: seed records and
// client-chosen device ids are free-form, so callers apply Valid only where
// they know the id was generated here.
func Valid(raw string) bool {
	if len(raw) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(raw)
	return err == nil
}
