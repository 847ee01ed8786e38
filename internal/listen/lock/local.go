// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock degrades the mutation lock to a pod-local critical section when
// the lock subsystem is disabled by config. Acquire blocks until the group's
// slot frees up or the context is cancelled; the token is ignored.
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal creates a pod-local mutation lock.
func NewLocal() *LocalLock {
	return &LocalLock{slots: make(map[string]chan struct{})}
}

func (l *LocalLock) slot(groupID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[groupID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[groupID] = s
	}
	return s
}

// Acquire enters the group's critical section.
func (l *LocalLock) Acquire(ctx context.Context, groupID, token string, ttl time.Duration) error {
	select {
	case l.slot(groupID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return infraConflict(ttl, ctx.Err())
	}
}

// Release leaves the group's critical section.
func (l *LocalLock) Release(ctx context.Context, groupID, token string) error {
	select {
	case <-l.slot(groupID):
	default:
	}
	return nil
}
