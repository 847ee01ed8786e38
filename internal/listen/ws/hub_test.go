// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundspan/listend/internal/listen"
	"github.com/soundspan/listend/internal/listen/bus"
	"github.com/soundspan/listend/internal/listen/catalog"
	"github.com/soundspan/listend/internal/listen/group"
	"github.com/soundspan/listend/internal/listen/lock"
	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/pipeline"
	"github.com/soundspan/listend/internal/listen/ports"
	"github.com/soundspan/listend/internal/listen/store"
	"github.com/soundspan/listend/internal/metrics"
)

type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(_ context.Context, token string) (ports.Identity, error) {
	if token == "" || token == "bad" {
		return ports.Identity{}, ports.ErrAuthFailed
	}
	return ports.Identity{UserID: token, Username: "name-" + token}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) ValidateLocalTracks(_ context.Context, trackIDs []string) ([]model.QueueItem, error) {
	var out []model.QueueItem
	for _, id := range trackIDs {
		if id == "missing" {
			continue
		}
		out = append(out, model.QueueItem{TrackID: id, Title: id, DurationMs: 120_000})
	}
	return out, nil
}

type fakeMembership struct{}

func (fakeMembership) JoinGroupByID(context.Context, string, string, string) (*model.Snapshot, error) {
	return nil, nil
}
func (fakeMembership) LeaveGroup(context.Context, string, string) error { return nil }

type harness struct {
	hub    *Hub
	server *httptest.Server
	redis  *miniredis.Miniredis
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	logger := zerolog.Nop()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mgr := group.New(group.Config{ReadyTimeout: 300 * time.Millisecond, JoinLead: 20 * time.Millisecond}, logger)
	agg := metrics.NewAggregator(1000, logger)
	coord := listen.New(listen.Options{
		Manager:    mgr,
		Store:      store.NewRedis(client, time.Hour, logger),
		Bus:        bus.NewRedis(client, "test-pod", logger),
		Lock:       lock.NewRedis(client, "listen-together:lock", logger),
		Pipeline:   pipeline.New(logger),
		Membership: fakeMembership{},
		LockTTL:    time.Second,
		Logger:     logger,
		Aggregator: agg,
	})
	hub := NewHub(coord, fakeVerifier{}, catalog.New(fakeCatalog{}), agg, Config{
		DisconnectGrace: grace,
		ReconnectSLO:    5 * time.Second,
	}, logger)
	coord.SetFanout(hub)
	require.NoError(t, coord.Start(context.Background()))

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		server.Close()
		hub.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{hub: hub, server: server, redis: mr}
}

// testConn wraps one websocket client and demultiplexes acks from events.
type testConn struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan json.RawMessage
	pending []json.RawMessage
}

func (h *harness) dial(t *testing.T, token string) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	tc := &testConn{t: t, conn: conn, frames: make(chan json.RawMessage, 64)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(tc.frames)
				return
			}
			tc.frames <- data
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return tc
}

func (tc *testConn) send(id, verb string, payload any) {
	tc.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.conn.WriteJSON(request{ID: id, Verb: verb, Payload: raw}))
}

// waitAck blocks until the ack for id arrives. Event frames received
// meanwhile are buffered so a later waitEvent still sees them.
func (tc *testConn) waitAck(id string) ack {
	tc.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data, ok := <-tc.frames:
			if !ok {
				tc.t.Fatal("connection closed while waiting for ack")
			}
			var a ack
			if json.Unmarshal(data, &a) == nil && a.ID == id {
				return a
			}
			tc.pending = append(tc.pending, data)
		case <-deadline:
			tc.t.Fatalf("timed out waiting for ack %s", id)
		}
	}
}

func (tc *testConn) waitEvent(name string) json.RawMessage {
	tc.t.Helper()
	match := func(data json.RawMessage) (json.RawMessage, bool) {
		var f struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &f) == nil && f.Event == name {
			return f.Payload, true
		}
		return nil, false
	}
	for i, data := range tc.pending {
		if payload, ok := match(data); ok {
			tc.pending = append(tc.pending[:i], tc.pending[i+1:]...)
			return payload
		}
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case data, ok := <-tc.frames:
			if !ok {
				tc.t.Fatalf("connection closed while waiting for event %s", name)
			}
			if payload, ok := match(data); ok {
				return payload
			}
		case <-deadline:
			tc.t.Fatalf("timed out waiting for event %s", name)
		}
	}
}

func (tc *testConn) join(groupID string) ack {
	tc.t.Helper()
	tc.send("join-"+groupID, "join-group", joinPayload{GroupID: groupID})
	a := tc.waitAck("join-" + groupID)
	require.True(tc.t, a.OK, "join failed: %+v", a.Error)
	return a
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	h := newHarness(t, time.Minute)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinPlayReadyFlow(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	alice.join("g1")
	var state struct {
		Snapshot model.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(alice.waitEvent("group:state"), &state))
	assert.Equal(t, "g1", state.Snapshot.GroupID)

	bob.join("g1")
	alice.waitEvent("group:member-joined")

	alice.send("q1", "queue", queuePayload{Op: "add", TrackIDs: []string{"t1", "t2"}})
	require.True(t, alice.waitAck("q1").OK)
	bob.waitEvent("group:queue-delta")

	alice.send("p1", "playback", playbackPayload{Action: "play"})
	require.True(t, alice.waitAck("p1").OK)
	var waiting model.Waiting
	require.NoError(t, json.Unmarshal(bob.waitEvent("group:waiting"), &waiting))
	assert.ElementsMatch(t, []string{"alice", "bob"}, waiting.ExpectedUserIDs)

	alice.send("r1", "ready", nil)
	require.True(t, alice.waitAck("r1").OK)
	bob.send("r2", "ready", nil)
	require.True(t, bob.waitAck("r2").OK)

	var playAt model.PlayAt
	require.NoError(t, json.Unmarshal(alice.waitEvent("group:play-at"), &playAt))
	assert.Equal(t, 0, playAt.Cursor)
	assert.Greater(t, playAt.WallClockMs, int64(0))
}

func TestPlaybackOutsideGroupIsRejected(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")

	alice.send("p1", "playback", playbackPayload{Action: "play"})
	a := alice.waitAck("p1")
	require.False(t, a.OK)
	assert.Equal(t, codeNotInGroup, a.Error.Code)
	assert.Equal(t, "Not in a group", a.Error.Message)
}

func TestContendedLockAcksConflictWithRetryHint(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")
	alice.join("g1")

	require.NoError(t, h.redis.Set("listen-together:lock:g1", "foreign-token"))
	alice.send("p1", "playback", playbackPayload{Action: "pause"})
	a := alice.waitAck("p1")
	require.False(t, a.OK)
	assert.Equal(t, codeConflict, a.Error.Code)
	assert.True(t, a.Error.Transient)
	assert.True(t, a.Error.Retryable)
	assert.GreaterOrEqual(t, a.Error.RetryAfterMs, int64(75))
	assert.LessOrEqual(t, a.Error.RetryAfterMs, int64(500))
}

func TestConflictAckWireShape(t *testing.T) {
	we := toWireError(&ports.ConflictError{RetryAfter: 300 * time.Millisecond})
	raw, err := json.Marshal(we)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "CONFLICT", fields["code"])
	assert.Equal(t, true, fields["transient"])
	assert.Equal(t, true, fields["retryable"])
	assert.EqualValues(t, 300, fields["retryAfterMs"])

	// Non-conflict errors carry none of the retry hints.
	raw, err = json.Marshal(toWireError(ports.ErrNotInGroup))
	require.NoError(t, err)
	fields = map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "transient")
	assert.NotContains(t, fields, "retryable")
	assert.NotContains(t, fields, "retryAfterMs")
}

func TestJoinUnicastsGroupState(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")

	a := alice.join("g1")
	assert.Nil(t, a.Payload, "join ack carries no payload; state arrives as an event")

	var state struct {
		Snapshot model.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(alice.waitEvent("group:state"), &state))
	assert.Equal(t, "g1", state.Snapshot.GroupID)
	require.Len(t, state.Snapshot.Members, 1)
	assert.Equal(t, "alice", state.Snapshot.Members[0].UserID)
}

func TestUnresolvableTracksAreDropped(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")
	alice.join("g1")

	alice.send("q1", "queue", queuePayload{Op: "add", TrackIDs: []string{"missing", "t1"}})
	require.True(t, alice.waitAck("q1").OK)
	var delta model.QueueDelta
	require.NoError(t, json.Unmarshal(alice.waitEvent("group:queue-delta"), &delta))
	require.Len(t, delta.Queue, 1)
	assert.Equal(t, "t1", delta.Queue[0].TrackID)

	// A list with no resolvable tracks is rejected outright.
	alice.send("q2", "queue", queuePayload{Op: "add", TrackIDs: []string{"missing"}})
	a := alice.waitAck("q2")
	require.False(t, a.OK)
	assert.Equal(t, codeInvalidInput, a.Error.Code)
}

func TestDisconnectGraceRemovesStaleMember(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	alice.join("g1")
	bob.join("g1")
	alice.waitEvent("group:member-joined")

	// Bob drops and never returns; after the grace he is removed.
	_ = bob.conn.Close()
	var left model.MemberLeft
	require.NoError(t, json.Unmarshal(alice.waitEvent("group:member-left"), &left))
	assert.Equal(t, "bob", left.UserID)
}

func TestReconnectWithinGraceKeepsMembership(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	alice.join("g1")
	bob.join("g1")
	alice.waitEvent("group:member-joined")

	_ = bob.conn.Close()
	bob2 := h.dial(t, "bob")
	bob2.join("g1")

	var state struct {
		Snapshot model.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(bob2.waitEvent("group:state"), &state))
	assert.Len(t, state.Snapshot.Members, 2, "membership survives a reconnect within grace")

	// The rejoin cancelled the cleanup; alice must not see a member-left.
	alice.send("ping", "lt-ping", pingPayload{T: 1})
	require.True(t, alice.waitAck("ping").OK)
	select {
	case data := <-alice.frames:
		var f struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(data, &f)
		assert.NotEqual(t, "group:member-left", f.Event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPingEchoesClientTimestamp(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")

	alice.send("p", "lt-ping", pingPayload{T: 123456})
	a := alice.waitAck("p")
	require.True(t, a.OK)
	raw, err := json.Marshal(a.Payload)
	require.NoError(t, err)
	var pong pongPayload
	require.NoError(t, json.Unmarshal(raw, &pong))
	assert.EqualValues(t, 123456, pong.T)
	assert.Greater(t, pong.ServerMs, int64(0))
}

func TestLastMemberLeaveEndsGroup(t *testing.T) {
	h := newHarness(t, time.Minute)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	alice.join("g1")
	bob.join("g1")
	alice.waitEvent("group:member-joined")

	bob.send("l1", "leave-group", nil)
	require.True(t, bob.waitAck("l1").OK)
	alice.waitEvent("group:member-left")

	alice.send("l2", "leave-group", nil)
	require.True(t, alice.waitAck("l2").OK)
	assert.False(t, h.redis.Exists("listen-together:snapshot:g1"))
}
