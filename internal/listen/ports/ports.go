// SPDX-License-Identifier: MIT

// Package ports defines the narrow interfaces through which the coordinator
// talks to its external collaborators, plus the error taxonomy shared by all
// listen-together components.
package ports

import (
	"context"

	"github.com/soundspan/listend/internal/listen/model"
)

// Identity is the authenticated principal attached to a socket.
type Identity struct {
	UserID       string
	Username     string
	TokenVersion int
}

// User is a user-directory record.
type User struct {
	ID           string
	Username     string
	TokenVersion int
}

// AuthVerifier validates the bearer token presented in the websocket
// handshake. Implementations must reject tokens whose embedded token version
// no longer matches the user record.
type AuthVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// UserDirectory resolves user records for token-version checks.
type UserDirectory interface {
	FindUser(ctx context.Context, userID string) (User, error)
}

// Membership owns the DB-backed group membership rows. JoinGroupByID
// validates (and if permitted creates) the membership row and returns the
// authoritative snapshot; LeaveGroup removes the row.
type Membership interface {
	JoinGroupByID(ctx context.Context, userID, username, groupID string) (*model.Snapshot, error)
	LeaveGroup(ctx context.Context, userID, groupID string) error
}

// Catalog resolves track ids against the local music library, dropping
// unresolvable ids while preserving order.
type Catalog interface {
	ValidateLocalTracks(ctx context.Context, trackIDs []string) ([]model.QueueItem, error)
}
