// SPDX-License-Identifier: MIT

// Package ws is the presence layer: it authenticates websocket handshakes,
// keeps per-group rooms of live sockets, fans events out to them, and runs
// the disconnect-grace machinery that removes members who never come back.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/auth"
	"github.com/soundspan/listend/internal/listen"
	"github.com/soundspan/listend/internal/listen/catalog"
	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/ports"
	"github.com/soundspan/listend/internal/log"
	"github.com/soundspan/listend/internal/metrics"
)

// requestTimeout bounds one verb's mutation path, lock wait included.
const requestTimeout = 10 * time.Second

// Config carries the presence-layer tunables.
type Config struct {
	DisconnectGrace time.Duration // member removal delay after last socket loss
	ReconnectSLO    time.Duration // reconnect latency above this counts as a breach
}

// Hub owns every live socket on this pod.
type Hub struct {
	coord    *listen.Coordinator
	verifier ports.AuthVerifier
	catalog  *catalog.Validator
	agg      *metrics.Aggregator
	logger   zerolog.Logger
	cfg      Config

	upgrader websocket.Upgrader

	mu          sync.Mutex
	rooms       map[string]map[*client]struct{}
	graceTimers map[string]*time.Timer // groupID + "/" + userID
	disconnects map[string]time.Time
	closed      bool
}

// NewHub creates the presence hub. Zero config fields default to a 60s
// grace and a 5s reconnect SLO.
func NewHub(coord *listen.Coordinator, verifier ports.AuthVerifier, validator *catalog.Validator, agg *metrics.Aggregator, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 60 * time.Second
	}
	if cfg.ReconnectSLO <= 0 {
		cfg.ReconnectSLO = 5 * time.Second
	}
	return &Hub{
		coord:    coord,
		verifier: verifier,
		catalog:  validator,
		agg:      agg,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The backend fronts this service; origin policy is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms:       make(map[string]map[*client]struct{}),
		graceTimers: make(map[string]*time.Timer),
		disconnects: make(map[string]time.Time),
	}
}

// ServeHTTP authenticates the handshake and upgrades the connection.
// The bearer token comes from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.VerifyToken(r.Context(), auth.ExtractToken(r))
	if err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldEvent, "ws.auth_failed").
			Msg("websocket handshake rejected")
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	cl := &client{
		hub:      h,
		conn:     conn,
		id:       uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, sendBuffer),
	}
	h.logger.Debug().
		Str(log.FieldSocketID, cl.id).
		Str(log.FieldUserID, identity.UserID).
		Str(log.FieldEvent, "ws.connected").
		Msg("socket connected")

	go cl.writePump()
	go cl.readPump()
}

// Shutdown closes every live socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, room := range h.rooms {
		for cl := range room {
			all = append(all, cl)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	for key, t := range h.graceTimers {
		t.Stop()
		delete(h.graceTimers, key)
	}
	h.mu.Unlock()

	for _, cl := range all {
		cl.close()
	}
}

// Broadcast delivers events to every socket in the group's room. An Ended
// event additionally dissolves the room.
func (h *Hub) Broadcast(groupID string, events []model.Event) {
	h.mu.Lock()
	room := make([]*client, 0, len(h.rooms[groupID]))
	for cl := range h.rooms[groupID] {
		room = append(room, cl)
	}
	h.mu.Unlock()

	ended := false
	for _, e := range events {
		if _, ok := e.(model.Ended); ok {
			ended = true
		}
		frame := eventFrame{Event: e.Name(), Payload: e}
		for _, cl := range room {
			cl.sendJSON(frame)
		}
	}
	if ended {
		h.dissolveRoom(groupID, room)
	}
}

func (h *Hub) dissolveRoom(groupID string, room []*client) {
	h.mu.Lock()
	delete(h.rooms, groupID)
	prefix := groupID + "/"
	for key, t := range h.graceTimers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(h.graceTimers, key)
			delete(h.disconnects, key)
		}
	}
	h.mu.Unlock()
	for _, cl := range room {
		cl.setGroup("")
	}
}

func (h *Hub) joinRoom(groupID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[groupID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[groupID] = room
	}
	room[cl] = struct{}{}
}

func (h *Hub) leaveRoom(groupID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[groupID]; ok {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, groupID)
		}
	}
}

// disconnect runs when a socket's read pump exits: detach the socket and,
// if it was the member's last one on this pod, start the grace clock.
func (h *Hub) disconnect(cl *client) {
	cl.close()
	_ = cl.conn.Close()

	groupID := cl.group()
	if groupID == "" {
		return
	}
	h.leaveRoom(groupID, cl)

	remaining, err := h.coord.DetachSocket(groupID, cl.identity.UserID, cl.id)
	if err != nil || remaining > 0 {
		return
	}
	h.scheduleCleanup(groupID, cl.identity.UserID)
}

// dropSlowClient force-closes a socket whose outbound buffer is full.
func (h *Hub) dropSlowClient(cl *client) {
	h.logger.Warn().
		Str(log.FieldSocketID, cl.id).
		Str(log.FieldUserID, cl.identity.UserID).
		Str(log.FieldEvent, "ws.slow_consumer").
		Msg("dropping slow socket")
	_ = cl.conn.Close()
}

func graceKey(groupID, userID string) string {
	return groupID + "/" + userID
}

// scheduleCleanup arms the disconnect-grace timer for a member who has lost
// their last socket on this pod. If no socket reattaches before the grace
// expires, the member is removed from the group.
func (h *Hub) scheduleCleanup(groupID, userID string) {
	key := graceKey(groupID, userID)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if prev, ok := h.graceTimers[key]; ok {
		prev.Stop()
	}
	h.disconnects[key] = time.Now()
	h.graceTimers[key] = time.AfterFunc(h.cfg.DisconnectGrace, func() {
		h.executeCleanup(groupID, userID)
	})
	h.mu.Unlock()

	h.agg.CleanupScheduled()
	h.logger.Debug().
		Str(log.FieldGroupID, groupID).
		Str(log.FieldUserID, userID).
		Str(log.FieldEvent, "presence.cleanup_scheduled").
		Msg("disconnect grace started")
}

func (h *Hub) executeCleanup(groupID, userID string) {
	key := graceKey(groupID, userID)
	h.mu.Lock()
	delete(h.graceTimers, key)
	delete(h.disconnects, key)
	h.mu.Unlock()

	// A socket may have raced the timer.
	if h.coord.SocketCount(groupID, userID) > 0 {
		return
	}
	h.agg.CleanupExecuted()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for attempt := 0; attempt < 3; attempt++ {
		err := h.coord.Leave(ctx, groupID, userID)
		if err == nil || errors.Is(err, ports.ErrNotFound) {
			return
		}
		var ce *ports.ConflictError
		if errors.As(err, &ce) {
			select {
			case <-time.After(ce.RetryAfter):
				continue
			case <-ctx.Done():
				return
			}
		}
		h.logger.Error().Err(err).
			Str(log.FieldGroupID, groupID).
			Str(log.FieldUserID, userID).
			Str(log.FieldEvent, "presence.cleanup_failed").
			Msg("stale member removal failed")
		return
	}
}

// noteReattach cancels a pending grace timer and records the reconnect
// latency sample when the member came back within the grace window.
func (h *Hub) noteReattach(groupID, userID string) {
	key := graceKey(groupID, userID)
	h.mu.Lock()
	timer, hadTimer := h.graceTimers[key]
	downSince, hadSample := h.disconnects[key]
	delete(h.graceTimers, key)
	delete(h.disconnects, key)
	h.mu.Unlock()

	if hadTimer {
		timer.Stop()
	}
	if !hadSample {
		return
	}
	latency := time.Since(downSince)
	breach := latency > h.cfg.ReconnectSLO
	h.agg.Reconnect(latency.Seconds(), breach)
	if breach {
		h.logger.Warn().
			Str(log.FieldGroupID, groupID).
			Str(log.FieldUserID, userID).
			Dur("latency", latency).
			Str(log.FieldEvent, "presence.reconnect_slo_breach").
			Msg("reconnect exceeded SLO")
	}
}
