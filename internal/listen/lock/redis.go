// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/log"
)

// releaseScript deletes the lock key only when it still holds our fencing
// token, so a pod whose lease expired cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock implements MutationLock with SET NX EX plus a Lua
// compare-and-delete release.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed mutation lock with the given key prefix.
func NewRedis(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisLock {
	if prefix == "" {
		prefix = "listen-together:lock"
	}
	return &RedisLock{client: client, prefix: prefix, logger: logger}
}

func (l *RedisLock) key(groupID string) string {
	return l.prefix + ":" + groupID
}

// Acquire takes the group lease. Contention yields a transient CONFLICT with
// a retry-after hint; transport failures yield the same kind flagged as
// infrastructure so callers count them separately.
func (l *RedisLock) Acquire(ctx context.Context, groupID, token string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key(groupID), token, ttl).Result()
	if err != nil {
		l.logger.Error().Err(err).
			Str(log.FieldGroupID, groupID).
			Str(log.FieldEvent, "lock.acquire_failed").
			Msg("mutation lock transport failure")
		return infraConflict(ttl, err)
	}
	if !ok {
		return conflict(ttl)
	}
	return nil
}

// Release frees the lease if the token still matches. A non-matching token
// means the lease expired and was re-acquired; that is logged, not an error.
func (l *RedisLock) Release(ctx context.Context, groupID, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(groupID)}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		l.logger.Warn().
			Str(log.FieldGroupID, groupID).
			Str(log.FieldEvent, "lock.release_lost").
			Msg("mutation lock already expired or held by another pod")
	}
	return nil
}
