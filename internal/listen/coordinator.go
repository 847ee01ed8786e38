// SPDX-License-Identifier: MIT

// Package listen wires the group state machine to its infrastructure: the
// shared snapshot store, the cluster bus, the per-group mutation lock and the
// persist pipeline. Every mutation follows the same path: acquire the lock,
// rehydrate from the store, apply in memory, persist and publish, flush,
// release.
package listen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/listen/bus"
	"github.com/soundspan/listend/internal/listen/group"
	"github.com/soundspan/listend/internal/listen/lock"
	"github.com/soundspan/listend/internal/listen/model"
	"github.com/soundspan/listend/internal/listen/pipeline"
	"github.com/soundspan/listend/internal/listen/ports"
	"github.com/soundspan/listend/internal/listen/store"
	"github.com/soundspan/listend/internal/log"
	"github.com/soundspan/listend/internal/metrics"
)

// gateDeadlineRetries bounds how often a fired deadline timer retries a
// contended lock before giving up and leaving the gate to the next mutation.
const gateDeadlineRetries = 3

// Fanout delivers events to every socket in a group's room on this pod.
type Fanout interface {
	Broadcast(groupID string, events []model.Event)
}

// Options bundles the coordinator's collaborators.
type Options struct {
	Manager    *group.Manager
	Store      store.SnapshotStore
	Bus        bus.SnapshotBus
	Lock       lock.MutationLock
	Pipeline   *pipeline.Pipeline
	Fanout     Fanout
	Membership ports.Membership
	LockTTL    time.Duration
	Logger     zerolog.Logger
	Aggregator *metrics.Aggregator
}

// Coordinator runs the mutation path and the cross-pod convergence loop.
type Coordinator struct {
	manager    *group.Manager
	store      store.SnapshotStore
	bus        bus.SnapshotBus
	lock       lock.MutationLock
	pipeline   *pipeline.Pipeline
	fanout     Fanout
	membership ports.Membership
	lockTTL    time.Duration
	logger     zerolog.Logger
	agg        *metrics.Aggregator

	mu     sync.Mutex
	timers map[string]*gateTimer
}

type gateTimer struct {
	seq   uint64
	timer *time.Timer
}

// New creates a coordinator. LockTTL 0 defaults to 3s.
func New(opts Options) *Coordinator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 3 * time.Second
	}
	return &Coordinator{
		manager:    opts.Manager,
		store:      opts.Store,
		bus:        opts.Bus,
		lock:       opts.Lock,
		pipeline:   opts.Pipeline,
		fanout:     opts.Fanout,
		membership: opts.Membership,
		lockTTL:    opts.LockTTL,
		logger:     opts.Logger,
		agg:        opts.Aggregator,
		timers:     make(map[string]*gateTimer),
	}
}

// SetFanout installs the room broadcaster. The websocket hub depends on the
// coordinator, so the hub is wired in after construction.
func (c *Coordinator) SetFanout(f Fanout) {
	c.fanout = f
}

// Start subscribes to the cluster bus.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, c.onBusSnapshot)
}

// Shutdown cancels pending gate timers, drains the persist pipeline and
// closes the bus.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for id, gt := range c.timers {
		gt.timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	var errs []error
	if err := c.pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Join admits a user to a group: the membership collaborator authorizes the
// join (creating the group row when permitted), then the member is added
// under the mutation lock. Returns the full post-join snapshot for unicast
// to the joining socket.
func (c *Coordinator) Join(ctx context.Context, groupID string, id ports.Identity) (*model.Snapshot, error) {
	seed, err := c.membership.JoinGroupByID(ctx, id.UserID, id.Username, groupID)
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", groupID, err)
	}

	res, err := c.withLock(ctx, groupID, func(context.Context) (group.Result, error) {
		if _, err := c.manager.Snapshot(groupID); errors.Is(err, ports.ErrNotFound) {
			base := seed
			if base == nil {
				base = &model.Snapshot{
					SchemaVersion: model.SchemaVersion,
					GroupID:       groupID,
					Cursor:        model.CursorNone,
				}
			}
			c.manager.Hydrate(base)
		}
		return c.manager.Join(groupID, id.UserID, id.Username)
	})
	if err != nil {
		return nil, err
	}
	c.broadcast(groupID, res.Events)
	return c.manager.Snapshot(groupID)
}

// Leave removes a member under the mutation lock and clears the membership
// row. The last member leaving terminates the group.
func (c *Coordinator) Leave(ctx context.Context, groupID, userID string) error {
	res, err := c.withLock(ctx, groupID, func(context.Context) (group.Result, error) {
		return c.manager.Leave(groupID, userID)
	})
	if err != nil {
		return err
	}
	if err := c.membership.LeaveGroup(ctx, userID, groupID); err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldGroupID, groupID).
			Str(log.FieldUserID, userID).
			Str(log.FieldEvent, "membership.leave_failed").
			Msg("membership row removal failed")
	}
	c.broadcast(groupID, res.Events)
	return nil
}

// Mutate applies one command for a member under the mutation lock. The
// returned snapshot is nil when the command was an idempotent no-op.
func (c *Coordinator) Mutate(ctx context.Context, groupID, userID string, cmd model.Command) (*model.Snapshot, error) {
	res, err := c.withLock(ctx, groupID, func(context.Context) (group.Result, error) {
		return c.manager.Apply(groupID, userID, cmd)
	})
	if err != nil {
		return nil, err
	}
	c.broadcast(groupID, res.Events)
	return res.Snapshot, nil
}

// Snapshot returns the pod-local view of a group.
func (c *Coordinator) Snapshot(groupID string) (*model.Snapshot, error) {
	return c.manager.Snapshot(groupID)
}

// IsMember reports pod-local membership.
func (c *Coordinator) IsMember(groupID, userID string) bool {
	return c.manager.IsMember(groupID, userID)
}

// AttachSocket registers a live socket for a member. Pod-local, no lock.
func (c *Coordinator) AttachSocket(groupID, userID, socketID string) error {
	return c.manager.AddSocket(groupID, userID, socketID)
}

// DetachSocket removes a socket and returns the member's remaining count.
func (c *Coordinator) DetachSocket(groupID, userID, socketID string) (int, error) {
	return c.manager.RemoveSocket(groupID, userID, socketID)
}

// SocketCount returns a member's live socket count on this pod.
func (c *Coordinator) SocketCount(groupID, userID string) int {
	return c.manager.SocketCount(groupID, userID)
}

// withLock runs fn under the group's mutation lock with the rehydrate,
// persist, flush, release sequence around it. At most one snapshot is
// persisted per acquisition.
func (c *Coordinator) withLock(ctx context.Context, groupID string, fn func(context.Context) (group.Result, error)) (group.Result, error) {
	token := uuid.NewString()
	if err := c.lock.Acquire(ctx, groupID, token, c.lockTTL); err != nil {
		var ce *ports.ConflictError
		if errors.As(err, &ce) && ce.Infrastructure {
			c.agg.LockFailure()
		} else {
			c.agg.Conflict()
		}
		return group.Result{}, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.lock.Release(rctx, groupID, token); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldGroupID, groupID).
				Str(log.FieldEvent, "lock.release_failed").
				Msg("mutation lock release failed")
		}
	}()

	if snap, err := c.store.Get(ctx, groupID); err != nil {
		c.agg.LockFailure()
		return group.Result{}, &ports.ConflictError{
			RetryAfter:     lock.RetryAfterHint(c.lockTTL),
			Infrastructure: true,
			Err:            err,
		}
	} else if snap != nil {
		c.manager.Hydrate(snap)
	}

	res, err := fn(ctx)
	if err != nil {
		return res, err
	}

	if res.Snapshot != nil {
		c.enqueuePersist(groupID, res.Snapshot, res.Ended)
		// Flush before releasing the lock so no other pod can acquire it
		// and read a snapshot older than what this mutation produced.
		if err := c.pipeline.Flush(ctx, groupID); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldGroupID, groupID).
				Str(log.FieldEvent, "pipeline.flush_interrupted").
				Msg("persist flush interrupted")
		}
	}

	if res.GateClosed {
		c.cancelGateTimer(groupID)
	}
	if res.Gate != nil {
		c.scheduleGateTimer(res.Gate)
	}
	return res, nil
}

func (c *Coordinator) enqueuePersist(groupID string, snap *model.Snapshot, ended bool) {
	c.pipeline.Enqueue(groupID, func(ctx context.Context) {
		if ended {
			if err := c.store.Delete(ctx, groupID); err != nil {
				c.logger.Error().Err(err).
					Str(log.FieldGroupID, groupID).
					Str(log.FieldEvent, "store.delete_failed").
					Msg("snapshot delete failed")
			}
		} else {
			if err := c.store.Set(ctx, groupID, snap); err != nil {
				c.logger.Error().Err(err).
					Str(log.FieldGroupID, groupID).
					Str(log.FieldEvent, "store.set_failed").
					Msg("snapshot persist failed")
			}
		}
		// The ended tombstone (empty members) is published too so other
		// pods drop the group.
		if err := c.bus.Publish(ctx, groupID, snap); err != nil {
			c.logger.Error().Err(err).
				Str(log.FieldGroupID, groupID).
				Str(log.FieldEvent, "bus.publish_failed").
				Msg("snapshot publish failed")
		}
	})
}

func (c *Coordinator) scheduleGateTimer(ref *group.GateRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.timers[ref.GroupID]; ok {
		prev.timer.Stop()
	}
	groupID, seq := ref.GroupID, ref.Seq
	c.timers[groupID] = &gateTimer{
		seq:   seq,
		timer: time.AfterFunc(time.Until(ref.Deadline), func() {
			c.fireGateDeadline(groupID, seq)
		}),
	}
}

func (c *Coordinator) cancelGateTimer(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gt, ok := c.timers[groupID]; ok {
		gt.timer.Stop()
		delete(c.timers, groupID)
	}
}

// fireGateDeadline runs when a ready gate's deadline passes without the full
// quorum: playback starts with whoever is ready. A contended lock is retried
// a few times; a stale seq inside the manager is a no-op.
func (c *Coordinator) fireGateDeadline(groupID string, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTTL)
	defer cancel()

	for attempt := 0; attempt < gateDeadlineRetries; attempt++ {
		res, err := c.withLock(ctx, groupID, func(context.Context) (group.Result, error) {
			return c.manager.ApplyGateDeadline(groupID, seq)
		})
		if err == nil {
			c.broadcast(groupID, res.Events)
			return
		}
		if errors.Is(err, ports.ErrNotFound) {
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
		c.logger.Error().Err(err).
			Str(log.FieldGroupID, groupID).
			Uint64("gate_seq", seq).
			Str(log.FieldEvent, "gate.deadline_failed").
			Msg("gate deadline mutation failed")
		return
	}
	c.logger.Warn().
		Str(log.FieldGroupID, groupID).
		Uint64("gate_seq", seq).
		Str(log.FieldEvent, "gate.deadline_abandoned").
		Msg("gate deadline abandoned after lock contention")
}

// onBusSnapshot applies a snapshot published by another pod. The manager
// enforces the monotone version rule; a tombstone with no members removes
// the group and ends its room.
func (c *Coordinator) onBusSnapshot(groupID string, snap *model.Snapshot) {
	applied, ended := c.manager.ApplyExternal(snap)
	switch {
	case ended:
		metrics.IncBusSnapshot("ended")
		c.cancelGateTimer(groupID)
		c.broadcast(groupID, []model.Event{model.Ended{Reason: "empty"}})
	case applied:
		metrics.IncBusSnapshot("applied")
		c.broadcast(groupID, []model.Event{model.GroupState{Snapshot: snap}})
	default:
		metrics.IncBusSnapshot("stale")
	}
}

func (c *Coordinator) broadcast(groupID string, events []model.Event) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		metrics.IncFanoutEvent(e.Name())
	}
	if c.fanout != nil {
		c.fanout.Broadcast(groupID, events)
	}
}
