// SPDX-License-Identifier: MIT

// Package catalog confirms candidate track ids against the local music
// library before they may enter a queue.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/ports"
)

// Validator resolves track ids to immutable queue-item descriptors through
// the catalog collaborator. Unresolvable ids are dropped, order preserved.
type Validator struct {
	catalog ports.Catalog
}

// New creates a validator over the given catalog collaborator.
func New(c ports.Catalog) *Validator {
	return &Validator{catalog: c}
}

// Validate returns queue items for the resolvable subset of trackIDs.
// It fails with InvalidInput only when the list is empty or malformed.
func (v *Validator) Validate(ctx context.Context, trackIDs []string) ([]model.QueueItem, error) {
	if len(trackIDs) == 0 {
		return nil, &ports.InputError{Reason: "empty track list"}
	}
	for _, id := range trackIDs {
		if strings.TrimSpace(id) == "" {
			return nil, &ports.InputError{Reason: "blank track id"}
		}
	}
	items, err := v.catalog.ValidateLocalTracks(ctx, trackIDs)
	if err != nil {
		return nil, fmt.Errorf("validate tracks: %w", err)
	}
	return items, nil
}
