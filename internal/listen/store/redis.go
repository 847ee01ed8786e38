// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/log"
)

const snapshotKeyPrefix = "listen-together:snapshot:"

// RedisStore is the Redis-backed implementation of SnapshotStore. Snapshots
// are canonical JSON written with a TTL covering the longest expected idle
// group lifetime.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis creates a Redis-backed snapshot store.
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func snapshotKey(groupID string) string {
	return snapshotKeyPrefix + groupID
}

// Get loads the latest snapshot for a group, or (nil, nil) when absent.
func (s *RedisStore) Get(ctx context.Context, groupID string) (*model.Snapshot, error) {
	raw, err := s.client.Get(ctx, snapshotKey(groupID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot get %s: %w", groupID, err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A corrupt snapshot must not wedge the group forever; treat it as
		// absent and let the next mutation overwrite it.
		s.logger.Error().Err(err).
			Str(log.FieldGroupID, groupID).
			Msg("discarding undecodable snapshot")
		return nil, nil
	}
	return &snap, nil
}

// Set stores the snapshot with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, groupID string, snap *model.Snapshot) error {
	snap.Normalize()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot marshal %s: %w", groupID, err)
	}
	if err := s.client.Set(ctx, snapshotKey(groupID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot set %s: %w", groupID, err)
	}
	return nil
}

// Delete removes the stored snapshot for a group.
func (s *RedisStore) Delete(ctx context.Context, groupID string) error {
	if err := s.client.Del(ctx, snapshotKey(groupID)).Err(); err != nil {
		return fmt.Errorf("snapshot delete %s: %w", groupID, err)
	}
	return nil
}

// Enabled reports that the store is live.
func (s *RedisStore) Enabled() bool { return true }
