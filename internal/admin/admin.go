// Copyright 2025 James Ross
// Package admin implements the operator surface over the queue engine:
// stats, peek, manual enqueue, dead-letter replay and purge, and bench.
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/redis/go-redis/v9"
)

// StatsResult reports per-queue set sizes for every named queue the caller
// asks about.
type StatsResult struct {
	Queues map[string]queue.Stats `json:"queues"`
}

func Stats(ctx context.Context, engine *queue.Engine, queueNames []string) (StatsResult, error) {
	res := StatsResult{Queues: map[string]queue.Stats{}}
	for _, name := range queueNames {
		s, err := engine.Stats(ctx, name)
		if err != nil {
			return res, fmt.Errorf("stats for queue %s: %w", name, err)
		}
		res.Queues[name] = s
	}
	return res, nil
}

// PeekResult lists the raw job IDs currently in a queue's dead-letter set,
// most-recently-dead-lettered first.
type PeekResult struct {
	Queue string   `json:"queue"`
	IDs   []string `json:"ids"`
}

func PeekDead(ctx context.Context, rdb *redis.Client, cfg *config.Config, queueName string, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	key := fmt.Sprintf("%s:queue:%s:dead", cfg.Queue.KeyPrefix, queueName)
	ids, err := rdb.ZRevRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: queueName, IDs: ids}, nil
}

// PurgeDead removes every job in a queue's dead-letter set. It returns the
// number of jobs purged.
func PurgeDead(ctx context.Context, rdb *redis.Client, cfg *config.Config, queueName string) (int64, error) {
	key := fmt.Sprintf("%s:queue:%s:dead", cfg.Queue.KeyPrefix, queueName)
	n, err := rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := rdb.Del(ctx, key).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// Replay re-enqueues a dead-lettered job as a fresh waiting job with a
// reset attempt counter, for manual operator-triggered retry.
func Replay(ctx context.Context, engine *queue.Engine, rdb *redis.Client, cfg *config.Config, queueName, jobID string) (string, error) {
	job, err := engine.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load dead job: %w", err)
	}
	if job.State != queue.StateDead {
		return "", fmt.Errorf("job %s is not dead-lettered (state=%s)", jobID, job.State)
	}
	deadKey := fmt.Sprintf("%s:queue:%s:dead", cfg.Queue.KeyPrefix, queueName)
	if err := rdb.ZRem(ctx, deadKey, jobID).Err(); err != nil {
		return "", err
	}
	return engine.Enqueue(ctx, queueName, job.Kind, job.Payload, queue.EnqueueOpts{
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		Backoff:     job.Backoff,
		TenantID:    job.TenantID,
	})
}

// Enqueue is the operator-facing wrapper around the engine's enqueue op.
// The --admin-cmd CLI has no enqueue command that calls it.
func Enqueue(ctx context.Context, engine *queue.Engine, queueName, kind string, payload []byte, opts queue.EnqueueOpts) (string, error) {
	return engine.Enqueue(ctx, queueName, kind, payload, opts)
}

// BenchResult summarizes a synthetic enqueue/drain load test.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench enqueues count synthetic jobs onto queueName and polls completion,
// measuring end-to-end enqueue-to-complete latency.
func Bench(ctx context.Context, engine *queue.Engine, queueName, kind string, count, rate, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if payloadSize <= 0 {
		payloadSize = 64
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = 'x'
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	ids := make([]string, 0, count)
	enqueuedAt := make(map[string]time.Time, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		id, err := engine.Enqueue(ctx, queueName, kind, payload, queue.EnqueueOpts{})
		if err != nil {
			return res, err
		}
		ids = append(ids, id)
		enqueuedAt[id] = time.Now()
	}

	doneBy := time.Now().Add(timeout)
	lats := make([]float64, 0, count)
	remaining := map[string]struct{}{}
	for _, id := range ids {
		remaining[id] = struct{}{}
	}
	for time.Now().Before(doneBy) && len(remaining) > 0 {
		for id := range remaining {
			job, err := engine.Get(ctx, id)
			if err != nil {
				continue
			}
			if job.State == queue.StateCompleted || job.State == queue.StateDead {
				lats = append(lats, time.Since(enqueuedAt[id]).Seconds())
				delete(remaining, id)
			}
		}
		if len(remaining) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}
