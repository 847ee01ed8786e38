// SPDX-License-Identifier: MIT

package group

import (
	"sort"

	"github.com/soundspan/listend/internal/listen/model"
)

type memberState struct {
	userID     string
	username   string
	joinedAtMs int64
	sockets    map[string]struct{}
}

// gate is an open ready gate. seq distinguishes gate generations so a stale
// deadline timer firing after the gate closed is a no-op.
type gate struct {
	seq        uint64
	target     int
	expected   map[string]struct{}
	received   map[string]struct{}
	deadlineMs int64
}

func (g *gate) satisfied() bool {
	for u := range g.expected {
		if _, ok := g.received[u]; !ok {
			return false
		}
	}
	return true
}

func (g *gate) pending() []string {
	out := make([]string, 0, len(g.expected))
	for u := range g.expected {
		if _, ok := g.received[u]; !ok {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// state is the pod-local authoritative view of one group. It is only ever
// touched under the manager mutex, and mutated only under the per-group
// mutation lock.
type state struct {
	id          string
	queue       []model.QueueItem
	cursor      int
	positionMs  int64
	playing     bool
	updatedAtMs int64
	members     map[string]*memberState
	gate        *gate
	version     uint64
	gateSeq     uint64
}

func (s *state) snapshot() *model.Snapshot {
	snap := &model.Snapshot{
		SchemaVersion: model.SchemaVersion,
		GroupID:       s.id,
		Queue:         append([]model.QueueItem(nil), s.queue...),
		Cursor:        s.cursor,
		PositionMs:    s.positionMs,
		Playing:       s.playing,
		UpdatedAtMs:   s.updatedAtMs,
		Version:       s.version,
	}
	for _, m := range s.members {
		snap.Members = append(snap.Members, model.SnapshotMember{
			UserID:     m.userID,
			Username:   m.username,
			JoinedAtMs: m.joinedAtMs,
		})
	}
	if s.gate != nil {
		sg := &model.SnapshotGate{
			Seq:         s.gate.seq,
			TargetIndex: s.gate.target,
			DeadlineMs:  s.gate.deadlineMs,
		}
		for u := range s.gate.expected {
			sg.ExpectedUserIDs = append(sg.ExpectedUserIDs, u)
		}
		for u := range s.gate.received {
			sg.ReadyUserIDs = append(sg.ReadyUserIDs, u)
		}
		snap.ReadyGate = sg
	}
	snap.Normalize()
	return snap
}

// restore rebuilds the state from an authoritative snapshot, keeping the
// pod-local socket sets of members that survive the transition.
func (s *state) restore(snap *model.Snapshot) {
	s.queue = append([]model.QueueItem(nil), snap.Queue...)
	s.cursor = snap.Cursor
	s.positionMs = snap.PositionMs
	s.playing = snap.Playing
	s.updatedAtMs = snap.UpdatedAtMs
	s.version = snap.Version

	members := make(map[string]*memberState, len(snap.Members))
	for _, m := range snap.Members {
		ms := &memberState{
			userID:     m.UserID,
			username:   m.Username,
			joinedAtMs: m.JoinedAtMs,
			sockets:    map[string]struct{}{},
		}
		if prev, ok := s.members[m.UserID]; ok {
			ms.sockets = prev.sockets
		}
		members[m.UserID] = ms
	}
	s.members = members

	s.gate = nil
	if snap.ReadyGate != nil {
		g := &gate{
			seq:        snap.ReadyGate.Seq,
			target:     snap.ReadyGate.TargetIndex,
			expected:   map[string]struct{}{},
			received:   map[string]struct{}{},
			deadlineMs: snap.ReadyGate.DeadlineMs,
		}
		for _, u := range snap.ReadyGate.ExpectedUserIDs {
			g.expected[u] = struct{}{}
		}
		for _, u := range snap.ReadyGate.ReadyUserIDs {
			g.received[u] = struct{}{}
		}
		s.gate = g
		if g.seq > s.gateSeq {
			s.gateSeq = g.seq
		}
	}
}

// estimatePosition extrapolates the playback offset to nowMs. While paused,
// or before a scheduled play-at instant is reached, the stored position
// stands as-is.
func (s *state) estimatePosition(nowMs int64) int64 {
	pos := s.positionMs
	if s.playing && s.gate == nil && nowMs > s.updatedAtMs {
		pos += nowMs - s.updatedAtMs
	}
	if pos < 0 {
		pos = 0
	}
	if d := s.currentDurationMs(); d > 0 && pos > d {
		pos = d
	}
	return pos
}

func (s *state) currentDurationMs() int64 {
	if s.cursor < 0 || s.cursor >= len(s.queue) {
		return 0
	}
	return s.queue[s.cursor].DurationMs
}

// openGate arms a new ready gate targeting the current cursor, expecting
// every current member.
func (s *state) openGate(nowMs, readyTimeoutMs int64) *gate {
	s.gateSeq++
	g := &gate{
		seq:        s.gateSeq,
		target:     s.cursor,
		expected:   make(map[string]struct{}, len(s.members)),
		received:   map[string]struct{}{},
		deadlineMs: nowMs + readyTimeoutMs,
	}
	for u := range s.members {
		g.expected[u] = struct{}{}
	}
	s.gate = g
	return g
}

// setCursor moves the cursor and resets the playback offset.
func (s *state) setCursor(idx int, nowMs int64) {
	s.cursor = idx
	s.positionMs = 0
	s.updatedAtMs = nowMs
}

func (s *state) playbackDelta() model.PlaybackDelta {
	return model.PlaybackDelta{
		Playing:     s.playing,
		PositionMs:  s.positionMs,
		Cursor:      s.cursor,
		UpdatedAtMs: s.updatedAtMs,
		Version:     s.version,
	}
}

func (s *state) queueDelta(op string) model.QueueDelta {
	return model.QueueDelta{
		Op:      op,
		Queue:   append([]model.QueueItem(nil), s.queue...),
		Cursor:  s.cursor,
		Version: s.version,
	}
}
