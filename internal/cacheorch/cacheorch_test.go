// Copyright 2025 James Ross
package cacheorch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{Cache: config.Cache{
		DefaultTTL:      time.Minute,
		FlightMarkerTTL: 5 * time.Second,
		PollInitial:     time.Millisecond,
		PollCeiling:     20 * time.Millisecond,
		LocalLRUSize:    128,
	}}
	o, err := New(cfg, rdb)
	require.NoError(t, err)
	return o, mr
}

func TestGetOrComputeCachesResult(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	var calls int32

	producer := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("computed"), nil
	}

	v1, err := o.GetOrCompute(ctx, "fp-1", time.Minute, producer)
	require.NoError(t, err)
	require.Equal(t, "computed", string(v1))

	v2, err := o.GetOrCompute(ctx, "fp-1", time.Minute, producer)
	require.NoError(t, err)
	require.Equal(t, "computed", string(v2))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "producer should run once per fingerprint")
}

// TestGetOrComputeSingleFlightUnderConcurrency reproduces spec §8's
// concurrency property directly: 50 concurrent callers racing a cold key
// must collapse to exactly one producer invocation, with every caller
// getting back the same computed value.
func TestGetOrComputeSingleFlightUnderConcurrency(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	const callers = 50

	var calls int32
	producer := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the window so late callers must poll
		return []byte("computed-once"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	var ready sync.WaitGroup
	ready.Add(callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ready.Done()
			<-start
			v, err := o.GetOrCompute(ctx, "fp-concurrent", time.Minute, producer)
			results[idx] = v
			errs[idx] = err
		}(i)
	}
	ready.Wait()
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "computed-once", string(results[i]))
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "exactly one producer invocation across all concurrent callers")
}

func TestInvalidateClearsCachedValue(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.GetOrCompute(ctx, "report:acme:q1", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Invalidate(ctx, "report:acme"))

	var calls int32
	v, err := o.GetOrCompute(ctx, "report:acme:q1", time.Minute, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
	require.EqualValues(t, 1, calls)
}

func TestFingerprintIsStable(t *testing.T) {
	params := map[string]interface{}{"a": 1, "b": "x"}
	f1 := Fingerprint("tenant-1", "report", params, "v1")
	f2 := Fingerprint("tenant-1", "report", params, "v1")
	require.Equal(t, f1, f2)

	f3 := Fingerprint("tenant-1", "report", params, "v2")
	require.NotEqual(t, f1, f3)
}
