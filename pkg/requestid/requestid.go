// Package requestid generates correlation IDs for API requests. IDs pair a
// millisecond timestamp with a short random suffix so log lines sort
// chronologically while staying unique under load.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// counter backs the fallback path when the random source fails.
var counter atomic.Uint64

// New returns an ID of the form "1737039600123-a2b3c4d5".
func New() string {
	ts := time.Now().UnixMilli()

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d-%d", ts, counter.Add(1))
	}
	return fmt.Sprintf("%d-%s", ts, hex.EncodeToString(buf))
}
