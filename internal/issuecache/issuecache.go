// Package issuecache holds recent issue-list responses so repeated list
// views within the refresh interval do not hit the backend. Writes
// invalidate everything at once by moving to a new generation.
package issuecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultTTL matches the list view's refresh interval.
const DefaultTTL = 30 * time.Second

// Cache stores opaque response bodies.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Invalidate makes every existing entry unreachable.
	Invalidate(ctx context.Context) error
}

// Key derives a compact cache key from its parts, typically the caller id
// and the encoded query.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:16])
}
