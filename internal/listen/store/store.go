// SPDX-License-Identifier: MIT

// Package store persists authoritative group snapshots in a shared KV so any
// pod can rehydrate a group before mutating it.
package store

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/log"
)

// SnapshotStore is the durable-enough shared KV for per-group snapshots.
// Get returns (nil, nil) when no snapshot exists. Writers are serialized per
// group by the mutation lock, so last-writer-wins semantics are acceptable.
type SnapshotStore interface {
	Get(ctx context.Context, groupID string) (*model.Snapshot, error)
	Set(ctx context.Context, groupID string, snap *model.Snapshot) error
	Delete(ctx context.Context, groupID string) error
	Enabled() bool
}

// disabledStore is the no-op store used when the state store is switched
// off; state then degrades to pod-local.
type disabledStore struct{}

// NewDisabled returns a no-op store and logs the degradation once.
func NewDisabled(logger zerolog.Logger) SnapshotStore {
	logger.Warn().
		Str(log.FieldEvent, "store.disabled").
		Msg("state store disabled; group state is pod-local and will not survive restarts")
	return disabledStore{}
}

func (disabledStore) Get(context.Context, string) (*model.Snapshot, error) { return nil, nil }
func (disabledStore) Set(context.Context, string, *model.Snapshot) error   { return nil }
func (disabledStore) Delete(context.Context, string) error                 { return nil }
func (disabledStore) Enabled() bool                                        { return false }
