// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/ports"
)

// handle dispatches one request frame. Every request gets exactly one ack.
func (h *Hub) handle(cl *client, req request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		payload any
		err     error
	)
	switch req.Verb {
	case "join-group":
		payload, err = h.handleJoin(ctx, cl, req.Payload)
	case "leave-group":
		err = h.handleLeave(ctx, cl)
	case "playback":
		payload, err = h.handlePlayback(ctx, cl, req.Payload)
	case "queue":
		payload, err = h.handleQueue(ctx, cl, req.Payload)
	case "ready":
		payload, err = h.handleReady(ctx, cl)
	case "lt-ping":
		payload, err = h.handlePing(req.Payload)
	default:
		err = &ports.InputError{Reason: "unknown verb " + req.Verb}
	}

	if err != nil {
		cl.sendJSON(ack{ID: req.ID, OK: false, Error: toWireError(err)})
		return
	}
	cl.sendJSON(ack{ID: req.ID, OK: true, Payload: payload})
}

func (h *Hub) handleJoin(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GroupID == "" {
		return nil, &ports.InputError{Reason: "groupId required"}
	}
	if cur := cl.group(); cur != "" && cur != p.GroupID {
		return nil, &ports.InputError{Reason: "already in a group"}
	}

	snap, err := h.coord.Join(ctx, p.GroupID, cl.identity)
	if err != nil {
		return nil, err
	}
	cl.setGroup(p.GroupID)
	h.joinRoom(p.GroupID, cl)
	if err := h.coord.AttachSocket(p.GroupID, cl.identity.UserID, cl.id); err != nil {
		return nil, err
	}
	h.noteReattach(p.GroupID, cl.identity.UserID)

	// Initial state goes out as a unicast group:state frame so clients use
	// one render path for joins and cross-pod refreshes.
	state := model.GroupState{Snapshot: snap}
	cl.sendJSON(eventFrame{Event: state.Name(), Payload: state})
	return nil, nil
}

func (h *Hub) handleLeave(ctx context.Context, cl *client) error {
	groupID := cl.group()
	if groupID == "" {
		return ports.ErrNotInGroup
	}
	if _, err := h.coord.DetachSocket(groupID, cl.identity.UserID, cl.id); err != nil && !errors.Is(err, ports.ErrNotFound) {
		return err
	}
	h.leaveRoom(groupID, cl)
	cl.setGroup("")

	// An explicit leave only removes the member when this was their last
	// socket on the pod; other devices stay in the group.
	if h.coord.SocketCount(groupID, cl.identity.UserID) > 0 {
		return nil
	}
	err := h.coord.Leave(ctx, groupID, cl.identity.UserID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Hub) handlePlayback(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	groupID := cl.group()
	if groupID == "" {
		return nil, ports.ErrNotInGroup
	}
	var p playbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ports.InputError{Reason: "malformed playback payload"}
	}

	var cmd model.Command
	switch p.Action {
	case "play":
		cmd = model.Play{}
	case "pause":
		cmd = model.Pause{}
	case "seek":
		cmd = model.Seek{PositionMs: p.PositionMs}
	case "next":
		cmd = model.Next{}
	case "previous":
		cmd = model.Previous{}
	case "setTrack":
		cmd = model.SetTrack{Index: p.Index}
	default:
		return nil, &ports.InputError{Reason: "unknown playback action " + p.Action}
	}
	return h.mutate(ctx, groupID, cl, cmd)
}

func (h *Hub) handleQueue(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	groupID := cl.group()
	if groupID == "" {
		return nil, ports.ErrNotInGroup
	}
	var p queuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ports.InputError{Reason: "malformed queue payload"}
	}

	var cmd model.Command
	switch p.Op {
	case "add", "insertNext":
		items, err := h.catalog.Validate(ctx, p.TrackIDs)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, &ports.InputError{Reason: "no playable tracks"}
		}
		if p.Op == "add" {
			cmd = model.QueueAdd{Items: items}
		} else {
			cmd = model.QueueInsertNext{Items: items}
		}
	case "remove":
		cmd = model.QueueRemove{Index: p.Index}
	case "reorder":
		cmd = model.QueueReorder{From: p.From, To: p.To}
	case "clear":
		cmd = model.QueueClear{}
	default:
		return nil, &ports.InputError{Reason: "unknown queue op " + p.Op}
	}
	return h.mutate(ctx, groupID, cl, cmd)
}

func (h *Hub) handleReady(ctx context.Context, cl *client) (any, error) {
	groupID := cl.group()
	if groupID == "" {
		return nil, ports.ErrNotInGroup
	}
	return h.mutate(ctx, groupID, cl, model.ReportReady{})
}

// handlePing answers a latency probe without touching group state. Clients
// use the echoed timestamp and the server clock to schedule play-at starts.
func (h *Hub) handlePing(raw json.RawMessage) (any, error) {
	var p pingPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ports.InputError{Reason: "malformed ping payload"}
		}
	}
	return pongPayload{T: p.T, ServerMs: time.Now().UnixMilli()}, nil
}

type mutationResult struct {
	Version uint64 `json:"version,omitempty"`
	NoOp    bool   `json:"noop,omitempty"`
}

func (h *Hub) mutate(ctx context.Context, groupID string, cl *client, cmd model.Command) (any, error) {
	snap, err := h.coord.Mutate(ctx, groupID, cl.identity.UserID, cmd)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return mutationResult{NoOp: true}, nil
	}
	return mutationResult{Version: snap.Version}, nil
}

// toWireError maps the error taxonomy onto ack error codes. Conflicts carry
// the retry-after hint so clients back off instead of hammering the lock.
func toWireError(err error) *wireError {
	var ce *ports.ConflictError
	if errors.As(err, &ce) {
		return &wireError{
			Code:         codeConflict,
			Message:      "group is busy, retry shortly",
			Transient:    true,
			Retryable:    true,
			RetryAfterMs: ce.RetryAfter.Milliseconds(),
		}
	}
	var ie *ports.InputError
	if errors.As(err, &ie) {
		return &wireError{Code: codeInvalidInput, Message: ie.Error()}
	}
	switch {
	case errors.Is(err, ports.ErrNotInGroup):
		return &wireError{Code: codeNotInGroup, Message: "Not in a group"}
	case errors.Is(err, ports.ErrNotMember):
		return &wireError{Code: codeNotMember, Message: "not a member of this group"}
	case errors.Is(err, ports.ErrNotFound):
		return &wireError{Code: codeNotFound, Message: "group not found"}
	case errors.Is(err, ports.ErrInvalidInput):
		return &wireError{Code: codeInvalidInput, Message: err.Error()}
	default:
		return &wireError{Code: codeInternal, Message: "internal error"}
	}
}
