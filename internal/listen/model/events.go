// SPDX-License-Identifier: MIT

package model

// Event is a delta or lifecycle notification delivered to every socket in a
// group's room. Name returns the wire event name used by the fanout layer.
type Event interface {
	Name() string
}

// GroupState carries a full snapshot. Unicast to a joining socket and
// broadcast when a pod applies an external snapshot from the cluster bus.
type GroupState struct {
	Snapshot *Snapshot `json:"snapshot"`
}

// PlaybackDelta describes a playback-state change.
type PlaybackDelta struct {
	Playing     bool   `json:"playing"`
	PositionMs  int64  `json:"positionMs"`
	Cursor      int    `json:"cursor"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	Version     uint64 `json:"version"`
}

// QueueDelta describes a queue mutation. Payload is the full post-mutation
// queue; clients replace rather than patch.
type QueueDelta struct {
	Op      string      `json:"op"`
	Queue   []QueueItem `json:"queue"`
	Cursor  int         `json:"cursor"`
	Version uint64      `json:"version"`
}

// MemberJoined announces a new group member.
type MemberJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MemberLeft announces a departed group member.
type MemberLeft struct {
	UserID string `json:"userId"`
}

// Waiting announces an open ready gate and who is still expected.
type Waiting struct {
	ExpectedUserIDs []string `json:"expectedUserIds"`
	DeadlineMs      int64    `json:"deadlineMs"`
}

// PlayAt schedules simultaneous playback start at a wall-clock instant.
type PlayAt struct {
	WallClockMs int64 `json:"wallClockMs"`
	Cursor      int   `json:"cursor"`
	PositionMs  int64 `json:"positionMs"`
}

// Ended announces group termination.
type Ended struct {
	Reason string `json:"reason"`
}

func (GroupState) Name() string    { return "group:state" }
func (PlaybackDelta) Name() string { return "group:playback-delta" }
func (QueueDelta) Name() string    { return "group:queue-delta" }
func (MemberJoined) Name() string  { return "group:member-joined" }
func (MemberLeft) Name() string    { return "group:member-left" }
func (Waiting) Name() string       { return "group:waiting" }
func (PlayAt) Name() string        { return "group:play-at" }
func (Ended) Name() string         { return "group:ended" }
