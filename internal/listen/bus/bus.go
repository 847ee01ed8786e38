// SPDX-License-Identifier: MIT

// Package bus broadcasts (groupId, snapshot) tuples to every pod so each
// pod's in-memory view converges on the authoritative state.
package bus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/log"
)

// Handler receives snapshots published by other pods. Delivery is
// best-effort at-least-once and unordered; consumers must apply the monotone
// version filter.
type Handler func(groupID string, snap *model.Snapshot)

// SnapshotBus is the cross-pod pub/sub channel for group snapshots.
type SnapshotBus interface {
	Publish(ctx context.Context, groupID string, snap *model.Snapshot) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

type disabledBus struct{}

// NewDisabled returns a no-op bus and logs the degradation once.
func NewDisabled(logger zerolog.Logger) SnapshotBus {
	logger.Warn().
		Str(log.FieldEvent, "bus.disabled").
		Msg("cluster bus disabled; cross-pod fanout is off and pods will not converge")
	return disabledBus{}
}

func (disabledBus) Publish(context.Context, string, *model.Snapshot) error { return nil }
func (disabledBus) Subscribe(context.Context, Handler) error               { return nil }
func (disabledBus) Close() error                                           { return nil }
