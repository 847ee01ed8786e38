// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/model"
)

const snapshotChannel = "listen-together:snapshots"

// envelope is the wire form on the pub/sub channel. Origin identifies the
// publishing pod so subscribers can drop their own publications.
type envelope struct {
	Origin   string          `json:"origin"`
	GroupID  string          `json:"groupId"`
	Snapshot *model.Snapshot `json:"snapshot"`
}

// RedisBus is the Redis pub/sub implementation of SnapshotBus.
type RedisBus struct {
	client redis.UniversalClient
	origin string
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedis creates a Redis-backed snapshot bus. Origin must be unique per
// pod (a startup-generated id).
func NewRedis(client redis.UniversalClient, origin string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, origin: origin, logger: logger}
}

// Publish broadcasts the snapshot to all pods.
func (b *RedisBus) Publish(ctx context.Context, groupID string, snap *model.Snapshot) error {
	data, err := json.Marshal(envelope{Origin: b.origin, GroupID: groupID, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("bus marshal %s: %w", groupID, err)
	}
	if err := b.client.Publish(ctx, snapshotChannel, data).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", groupID, err)
	}
	return nil
}

// Subscribe starts the receive loop. The handler runs on the subscriber
// goroutine; it must not block for long.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("bus already subscribed")
	}
	ps := b.client.Subscribe(ctx, snapshotChannel)
	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("bus subscribe: %w", err)
	}
	done := make(chan struct{})
	b.pubsub = ps
	b.done = done

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("dropping undecodable bus message")
				continue
			}
			if env.Origin == b.origin || env.Snapshot == nil {
				continue
			}
			h(env.GroupID, env.Snapshot)
		}
	}()
	return nil
}

// Close tears down the subscription and waits for the receive loop to exit.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	if done != nil {
		<-done
	}
	return err
}
