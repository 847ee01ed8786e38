// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInFIFOOrderPerGroup(t *testing.T) {
	p := New(zerolog.Nop())
	defer func() { _ = p.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		p.Enqueue("g1", func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	require.NoError(t, p.Flush(context.Background(), "g1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestGroupsRunIndependently(t *testing.T) {
	p := New(zerolog.Nop())
	defer func() { _ = p.Shutdown(context.Background()) }()

	block := make(chan struct{})
	p.Enqueue("slow", func(context.Context) { <-block })

	ran := make(chan struct{})
	p.Enqueue("fast", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("fast group was stalled behind the slow group")
	}
	close(block)
}

func TestFlushWaitsForPriorTasks(t *testing.T) {
	p := New(zerolog.Nop())
	defer func() { _ = p.Shutdown(context.Background()) }()

	done := false
	var mu sync.Mutex
	p.Enqueue("g1", func(context.Context) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		done = true
		mu.Unlock()
	})
	require.NoError(t, p.Flush(context.Background(), "g1"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, done)
}

func TestFlushUnknownGroupReturnsImmediately(t *testing.T) {
	p := New(zerolog.Nop())
	defer func() { _ = p.Shutdown(context.Background()) }()
	assert.NoError(t, p.Flush(context.Background(), "never-seen"))
}

func TestFlushHonorsContext(t *testing.T) {
	p := New(zerolog.Nop())
	defer func() { _ = p.Shutdown(context.Background()) }()

	block := make(chan struct{})
	defer close(block)
	p.Enqueue("g1", func(context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Flush(ctx, "g1"))
}

func TestShutdownDrainsAndRejectsNewWork(t *testing.T) {
	p := New(zerolog.Nop())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		p.Enqueue("g1", func(context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	assert.Equal(t, 5, ran)
	mu.Unlock()

	// Post-shutdown enqueues are dropped, not panicking on a closed chain.
	p.Enqueue("g1", func(context.Context) { t.Fatal("must not run") })
	time.Sleep(20 * time.Millisecond)
}

func TestShutdownRacingEnqueueDoesNotPanic(t *testing.T) {
	p := New(zerolog.Nop())

	// Hammer Enqueue and Flush from several goroutines while Shutdown runs.
	// A send must never land on a chain Shutdown already closed.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		id := "g" + strconv.Itoa(g)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 500; i++ {
				p.Enqueue(id, func(context.Context) {})
				if i%100 == 0 {
					_ = p.Flush(context.Background(), id)
				}
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
	wg.Wait()
}
