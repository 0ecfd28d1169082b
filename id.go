package milterfrom

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Shared monotonic source: ids generated within the same millisecond stay
// unique, which the SQL hooks rely on for their primary key.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// GenID returns a fresh message id for log and audit correlation.
func GenID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
