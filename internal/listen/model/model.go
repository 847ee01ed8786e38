// SPDX-License-Identifier: MIT

// Package model holds the wire- and store-level types shared by the
// listen-together coordinator: queue items, snapshots, commands and the
// events fanned out to group members.
package model

import "sort"

// SchemaVersion is the top-level snapshot schema version. Bump it when the
// snapshot layout changes so mixed-version pods can detect incompatibility.
const SchemaVersion = 1

// CursorNone marks a group with an empty queue.
const CursorNone = -1

// QueueItem is an immutable descriptor of a locally playable track.
// Identity inside a queue is positional; duplicates are permitted.
type QueueItem struct {
	TrackID    string `json:"trackId"`
	Title      string `json:"title"`
	ArtistName string `json:"artistName"`
	AlbumTitle string `json:"albumTitle"`
	DurationMs int64  `json:"durationMs"`
	CoverURL   string `json:"coverUrl,omitempty"`
}

// SnapshotMember is the member projection carried by snapshots. Socket ids
// are pod-local and never serialized.
type SnapshotMember struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	JoinedAtMs int64  `json:"joinedAtMs"`
}

// SnapshotGate is the serialized form of an open ready gate.
type SnapshotGate struct {
	Seq             uint64   `json:"seq"`
	TargetIndex     int      `json:"targetIndex"`
	ExpectedUserIDs []string `json:"expectedUserIds"`
	ReadyUserIDs    []string `json:"readyUserIds"`
	DeadlineMs      int64    `json:"deadlineMs"`
}

// Snapshot is the authoritative, canonical-JSON projection of a group at a
// given version. The state store keeps the latest snapshot per group and the
// cluster bus replicates it to every pod.
type Snapshot struct {
	SchemaVersion int              `json:"schemaVersion"`
	GroupID       string           `json:"groupId"`
	Queue         []QueueItem      `json:"queue"`
	Cursor        int              `json:"cursor"`
	PositionMs    int64            `json:"positionMs"`
	Playing       bool             `json:"playing"`
	UpdatedAtMs   int64            `json:"updatedAtMs"`
	Members       []SnapshotMember `json:"members"`
	ReadyGate     *SnapshotGate    `json:"readyGate,omitempty"`
	Version       uint64           `json:"version"`
}

// Normalize sorts members and gate user lists so equal states marshal to
// identical bytes.
func (s *Snapshot) Normalize() {
	sort.Slice(s.Members, func(i, j int) bool {
		return s.Members[i].UserID < s.Members[j].UserID
	})
	if s.ReadyGate != nil {
		sort.Strings(s.ReadyGate.ExpectedUserIDs)
		sort.Strings(s.ReadyGate.ReadyUserIDs)
	}
}
