// Package ulid generates the ids of alert events, erasure intents and
// erasure receipts. Ids sort by creation time, which the alert outbox and
// the receipt table rely on.
package ulid

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

// New returns a ULID for the current time. Ids created within the same
// millisecond still increase.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether s is a canonical ULID. Used to reject malformed
// receipt ids before they reach the database.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
