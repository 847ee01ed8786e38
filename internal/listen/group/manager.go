// SPDX-License-Identifier: MIT

// Package group owns the pod-local authoritative group state machine. It is
// pure in-memory: no I/O and no timers. Mutations are applied under the
// per-group mutation lock held by the coordinator, which also schedules
// ready-gate deadlines and funnels them back through ApplyGateDeadline.
package group

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/ports"
)

// Config carries the playback-coordination constants.
type Config struct {
	ReadyTimeout time.Duration // gate deadline after play is issued
	JoinLead     time.Duration // lead time between gate close and play-at
}

// GateRef identifies an opened ready gate so the coordinator can schedule
// its deadline timer.
type GateRef struct {
	GroupID  string
	Seq      uint64
	Deadline time.Time
}

// Result is the outcome of one applied mutation. Snapshot is non-nil iff
// state changed (version bumped) and must then be persisted and published.
type Result struct {
	Events     []model.Event
	Snapshot   *model.Snapshot
	Gate       *GateRef // newly opened gate; schedule a deadline timer
	GateClosed bool     // a previously open gate closed; cancel its timer
	Ended      bool     // group terminated and was removed
}

// Manager holds every group cached on this pod.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	groups map[string]*state
}

// New creates a manager. Zero config fields fall back to the defaults
// (4s ready timeout, 500ms join lead).
func New(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 4 * time.Second
	}
	if cfg.JoinLead <= 0 {
		cfg.JoinLead = 500 * time.Millisecond
	}
	return &Manager{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		groups: make(map[string]*state),
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) nowMs() int64 {
	return m.now().UnixMilli()
}

// Hydrate installs an authoritative snapshot if it is newer than the local
// version (or the group is unknown here). Returns whether it applied.
func (m *Manager) Hydrate(snap *model.Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hydrateLocked(snap)
}

func (m *Manager) hydrateLocked(snap *model.Snapshot) bool {
	s, ok := m.groups[snap.GroupID]
	if !ok {
		s = &state{id: snap.GroupID, cursor: model.CursorNone, members: map[string]*memberState{}}
		m.groups[snap.GroupID] = s
	} else if snap.Version <= s.version {
		return false
	}
	s.restore(snap)
	return true
}

// ApplyExternal applies a snapshot received from the cluster bus under the
// monotone version rule. A snapshot with no members removes the group.
func (m *Manager) ApplyExternal(snap *model.Snapshot) (applied, ended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(snap.Members) == 0 {
		s, ok := m.groups[snap.GroupID]
		if !ok || snap.Version <= s.version {
			return false, false
		}
		delete(m.groups, snap.GroupID)
		return true, true
	}
	return m.hydrateLocked(snap), false
}

// Snapshot renders the current state of a group.
func (m *Manager) Snapshot(groupID string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[groupID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return s.snapshot(), nil
}

// IsMember reports whether userID is a current member of the group.
func (m *Manager) IsMember(groupID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[groupID]
	if !ok {
		return false
	}
	_, ok = s.members[userID]
	return ok
}

// Apply runs one mutation for a member. Callers must hold the group's
// mutation lock and have rehydrated from the state store first.
func (m *Manager) Apply(groupID, userID string, cmd model.Command) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.groups[groupID]
	if !ok {
		return Result{}, ports.ErrNotFound
	}
	if _, ok := s.members[userID]; !ok {
		return Result{}, ports.ErrNotMember
	}

	nowMs := m.nowMs()
	switch c := cmd.(type) {
	case model.Play:
		return m.applyPlay(s, nowMs)
	case model.Pause:
		return m.applyPause(s, nowMs)
	case model.Seek:
		return m.applySeek(s, c.PositionMs, nowMs)
	case model.Next:
		return m.applyStep(s, +1, nowMs)
	case model.Previous:
		return m.applyStep(s, -1, nowMs)
	case model.SetTrack:
		return m.applySetTrack(s, c.Index, nowMs)
	case model.QueueAdd:
		return m.applyQueueAdd(s, c.Items, nowMs)
	case model.QueueInsertNext:
		return m.applyQueueInsertNext(s, c.Items, nowMs)
	case model.QueueRemove:
		return m.applyQueueRemove(s, c.Index, nowMs)
	case model.QueueReorder:
		return m.applyQueueReorder(s, c.From, c.To, nowMs)
	case model.QueueClear:
		return m.applyQueueClear(s, nowMs)
	case model.ReportReady:
		return m.applyReady(s, userID, nowMs)
	default:
		return Result{}, &ports.InputError{Reason: "unknown command"}
	}
}

// ApplyGateDeadline closes the gate identified by seq if it is still open.
// Policy: play at the deadline with whoever is ready. A stale seq (the gate
// already closed or was replaced) is a no-op.
func (m *Manager) ApplyGateDeadline(groupID string, seq uint64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.groups[groupID]
	if !ok {
		return Result{}, ports.ErrNotFound
	}
	if s.gate == nil || s.gate.seq != seq {
		return Result{}, nil
	}
	return m.closeGate(s, m.nowMs()), nil
}

func (m *Manager) applyPlay(s *state, nowMs int64) (Result, error) {
	if s.playing || s.gate != nil {
		return Result{}, nil
	}
	if s.cursor == model.CursorNone {
		return Result{}, &ports.InputError{Reason: "queue is empty"}
	}
	s.playing = true
	g := s.openGate(nowMs, int64(m.cfg.ReadyTimeout/time.Millisecond))
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{model.Waiting{ExpectedUserIDs: g.pending(), DeadlineMs: g.deadlineMs}},
		Snapshot: s.snapshot(),
		Gate:     &GateRef{GroupID: s.id, Seq: g.seq, Deadline: time.UnixMilli(g.deadlineMs)},
	}, nil
}

func (m *Manager) applyPause(s *state, nowMs int64) (Result, error) {
	if !s.playing && s.gate == nil {
		return Result{}, nil
	}
	s.positionMs = s.estimatePosition(nowMs)
	s.playing = false
	closed := s.gate != nil
	s.gate = nil
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:     []model.Event{s.playbackDelta()},
		Snapshot:   s.snapshot(),
		GateClosed: closed,
	}, nil
}

func (m *Manager) applySeek(s *state, positionMs, nowMs int64) (Result, error) {
	if s.cursor == model.CursorNone {
		return Result{}, &ports.InputError{Reason: "no current track"}
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if d := s.currentDurationMs(); d > 0 && positionMs > d {
		positionMs = d
	}
	s.positionMs = positionMs
	s.updatedAtMs = nowMs
	s.version++

	// A seek while playing resynchronizes everyone through a fresh gate.
	if s.playing {
		closed := s.gate != nil
		g := s.openGate(nowMs, int64(m.cfg.ReadyTimeout/time.Millisecond))
		return Result{
			Events:     []model.Event{model.Waiting{ExpectedUserIDs: g.pending(), DeadlineMs: g.deadlineMs}},
			Snapshot:   s.snapshot(),
			Gate:       &GateRef{GroupID: s.id, Seq: g.seq, Deadline: time.UnixMilli(g.deadlineMs)},
			GateClosed: closed,
		}, nil
	}
	return Result{
		Events:   []model.Event{s.playbackDelta()},
		Snapshot: s.snapshot(),
	}, nil
}

func (m *Manager) applyStep(s *state, dir int, nowMs int64) (Result, error) {
	if len(s.queue) == 0 {
		return Result{}, &ports.InputError{Reason: "queue is empty"}
	}
	idx := s.cursor + dir
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.queue)-1 {
		idx = len(s.queue) - 1
	}
	return m.moveCursor(s, idx, nowMs), nil
}

func (m *Manager) applySetTrack(s *state, idx int, nowMs int64) (Result, error) {
	if idx < 0 || idx >= len(s.queue) {
		return Result{}, &ports.InputError{Reason: "track index out of range"}
	}
	return m.moveCursor(s, idx, nowMs), nil
}

// moveCursor changes the current track, preserving the playing flag.
// When playing, the cursor change behaves like an implicit play: the group
// resynchronizes through a fresh ready gate.
func (m *Manager) moveCursor(s *state, idx int, nowMs int64) Result {
	s.setCursor(idx, nowMs)
	s.version++
	if s.playing {
		closed := s.gate != nil
		g := s.openGate(nowMs, int64(m.cfg.ReadyTimeout/time.Millisecond))
		return Result{
			Events:     []model.Event{model.Waiting{ExpectedUserIDs: g.pending(), DeadlineMs: g.deadlineMs}},
			Snapshot:   s.snapshot(),
			Gate:       &GateRef{GroupID: s.id, Seq: g.seq, Deadline: time.UnixMilli(g.deadlineMs)},
			GateClosed: closed,
		}
	}
	return Result{
		Events:   []model.Event{s.playbackDelta()},
		Snapshot: s.snapshot(),
	}
}

func (m *Manager) applyQueueAdd(s *state, items []model.QueueItem, nowMs int64) (Result, error) {
	if len(items) == 0 {
		return Result{}, &ports.InputError{Reason: "no playable tracks"}
	}
	s.queue = append(s.queue, items...)
	if s.cursor == model.CursorNone {
		s.setCursor(0, nowMs)
	}
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{s.queueDelta("add")},
		Snapshot: s.snapshot(),
	}, nil
}

func (m *Manager) applyQueueInsertNext(s *state, items []model.QueueItem, nowMs int64) (Result, error) {
	if len(items) == 0 {
		return Result{}, &ports.InputError{Reason: "no playable tracks"}
	}
	if s.cursor == model.CursorNone {
		return m.applyQueueAdd(s, items, nowMs)
	}
	at := s.cursor + 1
	rest := append([]model.QueueItem(nil), s.queue[at:]...)
	s.queue = append(append(s.queue[:at], items...), rest...)
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{s.queueDelta("insert-next")},
		Snapshot: s.snapshot(),
	}, nil
}

func (m *Manager) applyQueueRemove(s *state, idx int, nowMs int64) (Result, error) {
	if idx < 0 || idx >= len(s.queue) {
		return Result{}, &ports.InputError{Reason: "queue index out of range"}
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

	closed := false
	switch {
	case len(s.queue) == 0:
		s.cursor = model.CursorNone
		s.positionMs = 0
		s.playing = false
		closed = s.gate != nil
		s.gate = nil
	case idx < s.cursor:
		s.cursor--
	case idx == s.cursor:
		// The current track was removed: the same index now names the next
		// track, bounded by the new length.
		if s.cursor > len(s.queue)-1 {
			s.cursor = len(s.queue) - 1
		}
		s.positionMs = 0
	}
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:     []model.Event{s.queueDelta("remove")},
		Snapshot:   s.snapshot(),
		GateClosed: closed,
	}, nil
}

func (m *Manager) applyQueueReorder(s *state, from, to int, nowMs int64) (Result, error) {
	n := len(s.queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		return Result{}, &ports.InputError{Reason: "queue index out of range"}
	}
	if from != to {
		item := s.queue[from]
		s.queue = append(s.queue[:from], s.queue[from+1:]...)
		rest := append([]model.QueueItem(nil), s.queue[to:]...)
		s.queue = append(append(s.queue[:to], item), rest...)

		// Keep the cursor pointing at the previously-current item.
		switch {
		case from == s.cursor:
			s.cursor = to
		case from < s.cursor && to >= s.cursor:
			s.cursor--
		case from > s.cursor && to <= s.cursor:
			s.cursor++
		}
	}
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{s.queueDelta("reorder")},
		Snapshot: s.snapshot(),
	}, nil
}

func (m *Manager) applyQueueClear(s *state, nowMs int64) (Result, error) {
	s.queue = nil
	s.cursor = model.CursorNone
	s.positionMs = 0
	s.playing = false
	closed := s.gate != nil
	s.gate = nil
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:     []model.Event{s.queueDelta("clear")},
		Snapshot:   s.snapshot(),
		GateClosed: closed,
	}, nil
}

func (m *Manager) applyReady(s *state, userID string, nowMs int64) (Result, error) {
	if s.gate == nil {
		return Result{}, nil
	}
	if _, dup := s.gate.received[userID]; dup {
		return Result{}, nil
	}
	s.gate.received[userID] = struct{}{}

	if s.gate.satisfied() {
		return m.closeGate(s, nowMs), nil
	}
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{model.Waiting{ExpectedUserIDs: s.gate.pending(), DeadlineMs: s.gate.deadlineMs}},
		Snapshot: s.snapshot(),
	}, nil
}

// closeGate satisfies the open gate and schedules the synchronized start
// joinLead in the future so clients have time to buffer.
func (m *Manager) closeGate(s *state, nowMs int64) Result {
	playAtMs := nowMs + int64(m.cfg.JoinLead/time.Millisecond)
	s.gate = nil
	s.playing = true
	s.updatedAtMs = playAtMs
	s.version++
	return Result{
		Events: []model.Event{model.PlayAt{
			WallClockMs: playAtMs,
			Cursor:      s.cursor,
			PositionMs:  s.positionMs,
		}},
		Snapshot:   s.snapshot(),
		GateClosed: true,
	}
}

// Join ensures userID is a member of an already-hydrated group. Joining an
// open gate adds the joiner to the expected set. Re-joining is a no-op.
func (m *Manager) Join(groupID, userID, username string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.groups[groupID]
	if !ok {
		return Result{}, ports.ErrNotFound
	}
	if _, ok := s.members[userID]; ok {
		return Result{}, nil
	}
	nowMs := m.nowMs()
	s.members[userID] = &memberState{
		userID:     userID,
		username:   username,
		joinedAtMs: nowMs,
		sockets:    map[string]struct{}{},
	}
	if s.gate != nil {
		s.gate.expected[userID] = struct{}{}
	}
	s.updatedAtMs = nowMs
	s.version++
	return Result{
		Events:   []model.Event{model.MemberJoined{UserID: userID, Username: username}},
		Snapshot: s.snapshot(),
	}, nil
}

// Leave removes a member. Removing the last member terminates the group:
// an Ended event is emitted and subsequent operations fail NotFound.
func (m *Manager) Leave(groupID, userID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.groups[groupID]
	if !ok {
		return Result{}, ports.ErrNotFound
	}
	if _, ok := s.members[userID]; !ok {
		return Result{}, nil
	}
	delete(s.members, userID)

	res := Result{Events: []model.Event{model.MemberLeft{UserID: userID}}}
	nowMs := m.nowMs()

	if len(s.members) == 0 {
		s.playing = false
		res.GateClosed = s.gate != nil
		s.gate = nil
		s.updatedAtMs = nowMs
		s.version++
		res.Events = append(res.Events, model.Ended{Reason: "empty"})
		res.Snapshot = s.snapshot()
		res.Ended = true
		delete(m.groups, groupID)
		return res, nil
	}

	if s.gate != nil {
		delete(s.gate.expected, userID)
		delete(s.gate.received, userID)
		if s.gate.satisfied() {
			closed := m.closeGate(s, nowMs)
			res.Events = append(res.Events, closed.Events...)
			res.GateClosed = true
			res.Snapshot = closed.Snapshot
			return res, nil
		}
	}
	s.updatedAtMs = nowMs
	s.version++
	res.Snapshot = s.snapshot()
	return res, nil
}

// AddSocket attaches a live socket to a member. Socket sets are pod-local
// and do not bump the version.
func (m *Manager) AddSocket(groupID, userID, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[groupID]
	if !ok {
		return ports.ErrNotFound
	}
	ms, ok := s.members[userID]
	if !ok {
		return ports.ErrNotMember
	}
	ms.sockets[socketID] = struct{}{}
	return nil
}

// RemoveSocket detaches a socket and returns the member's remaining socket
// count on this pod.
func (m *Manager) RemoveSocket(groupID, userID, socketID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[groupID]
	if !ok {
		return 0, ports.ErrNotFound
	}
	ms, ok := s.members[userID]
	if !ok {
		return 0, ports.ErrNotMember
	}
	delete(ms.sockets, socketID)
	return len(ms.sockets), nil
}

// SocketCount returns the member's live socket count on this pod.
func (m *Manager) SocketCount(groupID, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.groups[groupID]
	if !ok {
		return 0
	}
	ms, ok := s.members[userID]
	if !ok {
		return 0
	}
	return len(ms.sockets)
}

// GroupIDs lists the groups cached on this pod, sorted.
func (m *Manager) GroupIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
