// SPDX-License-Identifier: MIT

// Package lock provides the per-group single-writer lease that serializes
// mutations across pods. The lease carries a fencing token and a short TTL
// strictly bounding mutation duration.
package lock

import (
	"context"
	"time"

	"github.com/soundspan/listend/internal/listen/ports"
)

const (
	minRetryAfter = 75 * time.Millisecond
	maxRetryAfter = 500 * time.Millisecond
)

// MutationLock is the per-group exclusive lease. Acquire succeeds only when
// no lease exists; Release releases only when the stored token matches.
type MutationLock interface {
	Acquire(ctx context.Context, groupID, token string, ttl time.Duration) error
	Release(ctx context.Context, groupID, token string) error
}

// RetryAfterHint derives the client backoff hint from the lock TTL:
// ttl/10 clamped to [75ms, 500ms].
func RetryAfterHint(ttl time.Duration) time.Duration {
	hint := ttl / 10
	if hint < minRetryAfter {
		return minRetryAfter
	}
	if hint > maxRetryAfter {
		return maxRetryAfter
	}
	return hint
}

func conflict(ttl time.Duration) error {
	return &ports.ConflictError{RetryAfter: RetryAfterHint(ttl)}
}

func infraConflict(ttl time.Duration, err error) error {
	return &ports.ConflictError{RetryAfter: RetryAfterHint(ttl), Infrastructure: true, Err: err}
}
