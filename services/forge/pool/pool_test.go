// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// blockingTask returns a task that waits on release before returning.
func blockingTask(id string, priority int, release <-chan struct{}) Task {
	return Task{
		ID:       id,
		Kind:     "test",
		Priority: priority,
		Execute: func(ctx context.Context) (any, error) {
			select {
			case <-release:
				return id, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestSubmitAndWait(t *testing.T) {
	p := New(Config{Size: 2}, nil)
	defer p.Shutdown(context.Background())

	c, err := p.Submit(Task{
		Kind: "test",
		Execute: func(ctx context.Context) (any, error) {
			return 42, nil
		},
	})
	require.NoError(t, err)

	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPriorityDispatchOrder(t *testing.T) {
	// Pool of 2; block both workers, then queue tasks with priorities
	// [10, 10, 5, 5, 5]. The two 10s must run first, then the 5s in
	// submission order.
	p := New(Config{Size: 2}, nil)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	for i := 0; i < 2; i++ {
		_, err := p.Submit(blockingTask("blocker", 100, block))
		require.NoError(t, err)
	}
	// Wait until both blockers are running.
	require.Eventually(t, func() bool {
		return p.Stats().Busy == 2
	}, time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(id string) Task {
		priority := 5
		if id == "hi-1" || id == "hi-2" {
			priority = 10
		}
		return Task{
			ID:       id,
			Kind:     "test",
			Priority: priority,
			Execute: func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil, nil
			},
		}
	}

	// Submit low priorities before one of the highs to prove ordering is
	// by priority, not submission.
	completions := make([]*Completion, 0, 5)
	for _, id := range []string{"lo-1", "hi-1", "lo-2", "lo-3", "hi-2"} {
		c, err := p.Submit(record(id))
		require.NoError(t, err)
		completions = append(completions, c)
	}

	close(block)
	for _, c := range completions {
		_, err := c.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	assert.ElementsMatch(t, []string{"hi-1", "hi-2"}, order[:2])
	assert.Equal(t, []string{"lo-1", "lo-2", "lo-3"}, order[2:])
}

func TestTaskTimeout(t *testing.T) {
	p := New(Config{Size: 1}, nil)
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	defer close(release)

	c, err := p.Submit(Task{
		Kind:    "test",
		Timeout: 20 * time.Millisecond,
		Execute: func(ctx context.Context) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrTaskTimeout))
	assert.Equal(t, int64(1), p.Stats().Timeouts)
}

func TestQueuedTaskTimeoutIsRemoved(t *testing.T) {
	p := New(Config{Size: 1}, nil)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	_, err := p.Submit(blockingTask("blocker", 1, block))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)

	c, err := p.Submit(Task{
		Kind:    "test",
		Timeout: 10 * time.Millisecond,
		Execute: func(ctx context.Context) (any, error) { return "never", nil },
	})
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrTaskTimeout))
	assert.Equal(t, 0, p.QueueDepth())

	close(block)
}

func TestQueueFull(t *testing.T) {
	p := New(Config{Size: 1, QueueCapacity: 1}, nil)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)

	_, err := p.Submit(blockingTask("running", 1, block))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)

	_, err = p.Submit(blockingTask("queued", 1, block))
	require.NoError(t, err)

	_, err = p.Submit(blockingTask("rejected", 1, block))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(Config{Size: 1}, nil)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Submit(Task{Kind: "test", Execute: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.True(t, errors.Is(err, ErrPoolClosed))
	assert.Error(t, p.Ping())
}

func TestWorkerPanicReplacement(t *testing.T) {
	p := New(Config{Size: 2}, nil)
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	var replaced []string
	p.Notify(func(ev Event) {
		if ev.Kind == EventWorkerReplaced {
			mu.Lock()
			replaced = append(replaced, ev.WorkerID)
			mu.Unlock()
		}
	})

	c, err := p.Submit(Task{
		Kind: "test",
		Execute: func(ctx context.Context) (any, error) {
			panic("backend corrupted")
		},
	})
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	var failure *WorkerFailureError
	require.True(t, errors.As(err, &failure))
	assert.NotEmpty(t, failure.WorkerID)

	// Pool size is restored and the replacement event fired.
	require.Eventually(t, func() bool {
		return p.Stats().Workers == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, replaced, 1)
	assert.Equal(t, int64(1), p.Stats().Replaced)
}

func TestScale(t *testing.T) {
	p := New(Config{Size: 2}, nil)
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Scale(4))
	assert.Equal(t, 4, p.Stats().Workers)

	require.NoError(t, p.Scale(1))
	require.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, p.Scale(0))
}

func TestScaleDownDrainsBusyWorker(t *testing.T) {
	p := New(Config{Size: 2}, nil)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	c1, err := p.Submit(blockingTask("a", 1, block))
	require.NoError(t, err)
	c2, err := p.Submit(blockingTask("b", 1, block))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Busy == 2 }, time.Second, time.Millisecond)

	// Both workers busy: the shrink must wait for a task to finish.
	require.NoError(t, p.Scale(1))
	assert.Equal(t, 2, p.Stats().Workers)

	close(block)
	_, err = c1.Wait(context.Background())
	require.NoError(t, err)
	_, err = c2.Wait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPickWorkerPrefersFastest(t *testing.T) {
	p := New(Config{Size: 1, LoadBalanced: true}, nil)
	defer p.Shutdown(context.Background())

	p.mu.Lock()
	fast := p.spawnLocked()
	slow := p.spawnLocked()
	fast.stats = WorkerStats{Completed: 10, TotalTime: 10 * time.Millisecond}
	slow.stats = WorkerStats{Completed: 10, TotalTime: 10 * time.Second}
	// Occupy the original pristine worker so the choice is between the
	// two seeded ones.
	for _, rec := range p.workers {
		if rec != fast && rec != slow {
			rec.busy = true
		}
	}
	picked := p.pickWorkerLocked()
	for _, rec := range p.workers {
		rec.busy = false
	}
	p.mu.Unlock()

	assert.Same(t, fast, picked)
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p := New(Config{Size: 1}, nil)

	var mu sync.Mutex
	var ran []string
	mk := func(id string) Task {
		return Task{
			ID:   id,
			Kind: "test",
			Execute: func(ctx context.Context) (any, error) {
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				ran = append(ran, id)
				mu.Unlock()
				return nil, nil
			},
		}
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := p.Submit(mk(id))
		require.NoError(t, err)
	}

	require.NoError(t, p.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ran, 3)
}

func TestEventLifecycle(t *testing.T) {
	p := New(Config{Size: 1}, nil)
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	kinds := map[EventKind]int{}
	p.Notify(func(ev Event) {
		mu.Lock()
		kinds[ev.Kind]++
		mu.Unlock()
	})

	c, err := p.Submit(Task{Kind: "test", Execute: func(ctx context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)
	_, err = c.Wait(context.Background())
	require.NoError(t, err)

	c, err = p.Submit(Task{Kind: "test", Execute: func(ctx context.Context) (any, error) { return nil, errors.New("boom") }})
	require.NoError(t, err)
	_, err = c.Wait(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[EventTaskCompleted] == 1 && kinds[EventTaskError] == 1 && kinds[EventTaskAssigned] == 2
	}, time.Second, 5*time.Millisecond)
}

// testTracerProvider is shared across tests: the otel global tracer
// delegates to the first provider ever set, so each test registers its
// own recorder on this one provider instead of installing a new one.
var testTracerProvider = sdktrace.NewTracerProvider()

func startSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	testTracerProvider.RegisterSpanProcessor(recorder)
	otel.SetTracerProvider(testTracerProvider)
	t.Cleanup(func() { testTracerProvider.UnregisterSpanProcessor(recorder) })
	return recorder
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestSubmitAndExecuteEmitSpans(t *testing.T) {
	recorder := startSpanRecorder(t)

	p := New(Config{Size: 1}, nil)
	defer p.Shutdown(context.Background())

	c, err := p.Submit(Task{
		ID:   "traced",
		Kind: "test",
		Execute: func(ctx context.Context) (any, error) {
			return 1, nil
		},
	})
	require.NoError(t, err)
	_, err = c.Wait(context.Background())
	require.NoError(t, err)

	names := spanNames(recorder)
	assert.Contains(t, names, "Pool.Submit")
	assert.Contains(t, names, "Pool.Execute")
}

func TestQueueFullRecordsSpanError(t *testing.T) {
	recorder := startSpanRecorder(t)

	p := New(Config{Size: 1, QueueCapacity: 1}, nil)
	block := make(chan struct{})
	defer p.Shutdown(context.Background())
	defer close(block)

	_, err := p.Submit(blockingTask("running", 1, block))
	require.NoError(t, err)
	_, err = p.Submit(blockingTask("queued", 1, block))
	require.NoError(t, err)
	_, err = p.Submit(blockingTask("rejected", 1, block))
	require.ErrorIs(t, err, ErrQueueFull)

	var rejected sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "Pool.Submit" && s.Status().Code == codes.Error {
			rejected = s
		}
	}
	require.NotNil(t, rejected, "rejected submit should end its span with an error status")
	assert.Equal(t, ErrQueueFull.Error(), rejected.Status().Description)
}
