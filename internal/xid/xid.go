// Package xid generates prefixed, time-ordered identifiers for rows created
// by the application (orders, lines, payments, movements, documents, tasks).
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id of the form prefix-<unixnano>-<random>. The timestamp
// keeps ids roughly sortable by creation time; the random suffix makes
// collisions across processes negligible.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
