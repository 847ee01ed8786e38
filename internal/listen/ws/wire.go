// SPDX-License-Identifier: MIT

package ws

import "encoding/json"

// request is one client frame. ID correlates the ack; Verb selects the
// handler; Payload is verb-specific.
type request struct {
	ID      string          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ack answers exactly one request.
type ack struct {
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Error   *wireError `json:"error,omitempty"`
	Payload any        `json:"payload,omitempty"`
}

// wireError is the machine-readable failure attached to a negative ack.
// Transient, Retryable and RetryAfterMs are set only on CONFLICT.
type wireError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Transient    bool   `json:"transient,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// eventFrame is a server-initiated room broadcast or unicast.
type eventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Error codes on negative acks.
const (
	codeConflict     = "CONFLICT"
	codeNotInGroup   = "NOT_IN_GROUP"
	codeNotMember    = "NOT_MEMBER"
	codeNotFound     = "NOT_FOUND"
	codeInvalidInput = "INVALID_INPUT"
	codeInternal     = "INTERNAL"
)

// joinPayload is the join-group request payload.
type joinPayload struct {
	GroupID string `json:"groupId"`
}

// playbackPayload is the playback request payload. PositionMs applies to
// seek, Index to setTrack.
type playbackPayload struct {
	Action     string `json:"action"`
	PositionMs int64  `json:"positionMs"`
	Index      int    `json:"index"`
}

// queuePayload is the queue request payload. TrackIDs applies to add and
// insertNext, Index to remove, From/To to reorder.
type queuePayload struct {
	Op       string   `json:"op"`
	TrackIDs []string `json:"trackIds"`
	Index    int      `json:"index"`
	From     int      `json:"from"`
	To       int      `json:"to"`
}

// pingPayload echoes the client timestamp so clients can estimate clock
// offset and RTT for play-at scheduling.
type pingPayload struct {
	T int64 `json:"t"`
}

// pongPayload is the lt-ping ack payload.
type pongPayload struct {
	T        int64 `json:"t"`
	ServerMs int64 `json:"serverMs"`
}
