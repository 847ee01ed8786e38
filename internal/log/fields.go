// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldGroupID  = "group_id"
	FieldUserID   = "user_id"
	FieldSocketID = "socket_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldVersion   = "version"
)
