// SPDX-License-Identifier: MIT

package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/ports"
)

// JoinGroupByID validates (and when permitted creates) the membership row
// for userID in groupID. The backend answers with its stored snapshot for
// the group, or null for a group it has no state for yet.
func (c *Client) JoinGroupByID(ctx context.Context, userID, username, groupID string) (*model.Snapshot, error) {
	var resp struct {
		Snapshot *model.Snapshot `json:"snapshot"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		c.url("internal", "listen-together", "groups", groupID, "members"),
		map[string]string{"userId": userID, "username": username},
		&resp,
	)
	if err != nil {
		return nil, fmt.Errorf("join membership row: %w", err)
	}
	return resp.Snapshot, nil
}

// LeaveGroup removes the membership row. A row that is already gone is not
// an error; removal is idempotent.
func (c *Client) LeaveGroup(ctx context.Context, userID, groupID string) error {
	err := c.doJSON(ctx, http.MethodDelete,
		c.url("internal", "listen-together", "groups", groupID, "members", userID),
		nil, nil,
	)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leave membership row: %w", err)
	}
	return nil
}

// ValidateLocalTracks resolves track ids against the music library. The
// backend drops unresolvable ids and preserves order.
func (c *Client) ValidateLocalTracks(ctx context.Context, trackIDs []string) ([]model.QueueItem, error) {
	var resp struct {
		Tracks []model.QueueItem `json:"tracks"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		c.url("internal", "library", "tracks", "validate"),
		map[string][]string{"trackIds": trackIDs},
		&resp,
	)
	if err != nil {
		return nil, fmt.Errorf("validate tracks: %w", err)
	}
	return resp.Tracks, nil
}

// FindUser loads one user-directory record.
func (c *Client) FindUser(ctx context.Context, userID string) (ports.User, error) {
	var resp struct {
		ID           string `json:"id"`
		Username     string `json:"username"`
		TokenVersion int    `json:"tokenVersion"`
	}
	err := c.doJSON(ctx, http.MethodGet, c.url("internal", "users", userID), nil, &resp)
	if err != nil {
		return ports.User{}, fmt.Errorf("find user %s: %w", userID, err)
	}
	return ports.User{ID: resp.ID, Username: resp.Username, TokenVersion: resp.TokenVersion}, nil
}
