// SPDX-License-Identifier: MIT

// Package pipeline serializes snapshot persistence per group: every task
// enqueued for a group runs strictly after the previous one, without holding
// the mutation lock during I/O.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/soundspan/listend/internal/log"
)

const queueDepth = 64

// Task performs one persist-and-publish step. Errors are the task's own
// business: it logs and swallows them so the chain keeps moving.
type Task func(ctx context.Context)

// Pipeline owns one FIFO task chain per group.
type Pipeline struct {
	logger zerolog.Logger

	mu      sync.Mutex
	chains  map[string]chan Task
	closed  bool
	wg      sync.WaitGroup
	senders sync.WaitGroup // in-flight channel sends, registered under mu

	base   context.Context
	cancel context.CancelFunc
}

// New creates a pipeline. Tasks run with a context that is cancelled on
// Shutdown.
func New(logger zerolog.Logger) *Pipeline {
	base, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger: logger,
		chains: make(map[string]chan Task),
		base:   base,
		cancel: cancel,
	}
}

// Enqueue appends a task to the group's chain. When the chain is saturated
// the call blocks (drop-oldest would reorder persistence) and the stall is
// logged once per occurrence.
func (p *Pipeline) Enqueue(groupID string, task Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ch, ok := p.chains[groupID]
	if !ok {
		ch = make(chan Task, queueDepth)
		p.chains[groupID] = ch
		p.wg.Add(1)
		go p.run(ch)
	}
	// Registering the send while still holding mu keeps Shutdown from
	// closing the chain underneath it.
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case ch <- task:
	default:
		p.logger.Warn().
			Str(log.FieldGroupID, groupID).
			Str(log.FieldEvent, "pipeline.saturated").
			Msg("snapshot chain full, blocking")
		ch <- task
	}
}

// Flush blocks until every task enqueued for the group before this call has
// completed. It is called before releasing the mutation lock so cross-pod
// observers never see a state older than the lock holder's view.
func (p *Pipeline) Flush(ctx context.Context, groupID string) error {
	p.mu.Lock()
	ch, ok := p.chains[groupID]
	if !ok || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.senders.Add(1)
	p.mu.Unlock()

	done := make(chan struct{})
	err := func() error {
		defer p.senders.Done()
		select {
		case ch <- func(context.Context) { close(done) }:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}()
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, drains every chain and waits for workers
// to exit or the context to expire.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	chains := make([]chan Task, 0, len(p.chains))
	for _, ch := range p.chains {
		chains = append(chains, ch)
	}
	p.mu.Unlock()

	// No new sends register once closed is set; wait out the in-flight ones
	// before closing any chain.
	p.senders.Wait()
	for _, ch := range chains {
		close(ch)
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return errors.New("pipeline shutdown timed out")
	}
}

func (p *Pipeline) run(ch chan Task) {
	defer p.wg.Done()
	for task := range ch {
		task(p.base)
	}
}
