// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/keyforge/services/forge/cache"
	"github.com/AleutianAI/keyforge/services/forge/pool"
)

type harness struct {
	svc   *Service
	pool  *pool.Pool
	cache *cache.MultiTierCache
	execs atomic.Int64
}

func newHarness(t *testing.T, cfg Config, exec ExecFunc) *harness {
	t.Helper()
	h := &harness{}
	p := pool.New(pool.Config{Size: 4, QueueCapacity: 64}, nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	c := cache.New(cache.DefaultConfig())
	t.Cleanup(func() { _ = c.Close() })

	wrapped := func(ctx context.Context, op Op) (any, error) {
		h.execs.Add(1)
		return exec(ctx, op)
	}
	svc, err := New(cfg, p, c, wrapped, nil)
	require.NoError(t, err)
	h.svc, h.pool, h.cache = svc, p, c
	return h
}

func echoExec(_ context.Context, op Op) (any, error) {
	return fmt.Sprintf("%s:%v", op.Kind, op.Params), nil
}

func TestDoReturnsResult(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1}, echoExec)

	v, err := h.svc.Do(context.Background(), Op{Kind: "sign", Params: "payload-1"})
	require.NoError(t, err)
	assert.Equal(t, "sign:payload-1", v)
	assert.Equal(t, int64(1), h.execs.Load())
}

func TestCacheHitSkipsExecution(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1}, echoExec)
	ctx := context.Background()

	op := Op{Kind: "sign", Params: "payload"}
	_, err := h.svc.Do(ctx, op)
	require.NoError(t, err)

	v, err := h.svc.Do(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, "sign:payload", v)

	assert.Equal(t, int64(1), h.execs.Load(), "second call must come from cache")
	assert.Equal(t, int64(1), h.svc.Stats().CacheHits)
}

func TestFullWindowFlushesImmediately(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2, BatchTimeout: time.Hour}, echoExec)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.svc.Do(ctx, Op{Kind: "sign", Params: i})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("window never flushed despite being full")
	}
	assert.Equal(t, "sign:0", results[0])
	assert.Equal(t, "sign:1", results[1])
	assert.Equal(t, int64(1), h.svc.Stats().Flushes)
}

func TestPartialWindowFlushesOnTimer(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100, BatchTimeout: 20 * time.Millisecond}, echoExec)

	start := time.Now()
	v, err := h.svc.Do(context.Background(), Op{Kind: "verify", Params: "lonely"})
	require.NoError(t, err)
	assert.Equal(t, "verify:lonely", v)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, Config{BatchSize: 100, BatchTimeout: 10 * time.Millisecond},
		func(_ context.Context, op Op) (any, error) {
			<-block
			return "shared", nil
		})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	vals := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], errs[i] = h.svc.Do(ctx, Op{Kind: "sign", Params: "same"})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", vals[i])
	}
	assert.Equal(t, int64(1), h.execs.Load(), "identical concurrent requests must execute once")
}

func TestSiblingFailureIsIsolated(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2, BatchTimeout: time.Hour},
		func(_ context.Context, op Op) (any, error) {
			if op.Params == "bad" {
				return nil, fmt.Errorf("boom")
			}
			return "ok", nil
		})
	ctx := context.Background()

	var wg sync.WaitGroup
	var goodVal any
	var goodErr, badErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		goodVal, goodErr = h.svc.Do(ctx, Op{Kind: "sign", Params: "good"})
	}()
	go func() {
		defer wg.Done()
		_, badErr = h.svc.Do(ctx, Op{Kind: "sign", Params: "bad"})
	}()
	wg.Wait()

	require.NoError(t, goodErr)
	assert.Equal(t, "ok", goodVal)
	require.Error(t, badErr)
	assert.ErrorContains(t, badErr, "boom")
}

func TestKindsPartitionSeparately(t *testing.T) {
	var mu sync.Mutex
	kinds := map[string]int{}
	h := newHarness(t, Config{BatchSize: 4, BatchTimeout: time.Hour},
		func(_ context.Context, op Op) (any, error) {
			mu.Lock()
			kinds[op.Kind]++
			mu.Unlock()
			return op.Kind, nil
		})
	ctx := context.Background()

	ops := []Op{
		{Kind: "sign", Params: 1},
		{Kind: "verify", Params: 2},
		{Kind: "sign", Params: 3},
		{Kind: "generate", Params: 4},
	}
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op Op) {
			defer wg.Done()
			v, err := h.svc.Do(ctx, op)
			assert.NoError(t, err)
			assert.Equal(t, op.Kind, v)
		}(op)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, kinds["sign"])
	assert.Equal(t, 1, kinds["verify"])
	assert.Equal(t, 1, kinds["generate"])
}

func TestCloseFlushesPending(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100, BatchTimeout: time.Hour}, echoExec)
	ctx := context.Background()

	var v any
	var err error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err = h.svc.Do(ctx, Op{Kind: "sign", Params: "pending"})
	}()

	// Let the request land in the window before closing.
	require.Eventually(t, func() bool {
		return h.svc.Stats().Requests == 1
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, h.svc.Close(ctx))
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "sign:pending", v)

	_, err = h.svc.Do(ctx, Op{Kind: "sign", Params: "late"})
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.Error(t, h.svc.Ping())
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func startSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func TestFlushEmitsSpan(t *testing.T) {
	recorder := startSpanRecorder(t)
	h := newHarness(t, Config{BatchSize: 1}, echoExec)

	_, err := h.svc.Do(context.Background(), Op{Kind: "sign", Params: "traced"})
	require.NoError(t, err)

	// The flush span ends after results are delivered, so poll for it.
	assert.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			if s.Name() != "Batch.Flush" {
				continue
			}
			for _, kv := range s.Attributes() {
				if kv == attribute.Int("batch.size", 1) {
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
