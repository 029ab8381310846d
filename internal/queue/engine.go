// Copyright 2025 James Ross
// Package queue implements the named-queue job engine: priority and delay
// scheduling, at-least-once delivery via a lease-based claim/settle cycle,
// exponential backoff retry, and dead-lettering once max_attempts is spent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/exactly_once"
	"github.com/dlearley/bi-agent-core/internal/obs"
	"github.com/dlearley/bi-agent-core/internal/tenant"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoJob is returned by Claim when a queue currently has nothing ready.
var ErrNoJob = errors.New("queue: no job ready")

// ErrDuplicateJob is returned by Enqueue when a deduplication_key has
// already been reserved for this queue within its TTL window.
var ErrDuplicateJob = errors.New("queue: duplicate deduplication_key")

const dedupTTL = 24 * time.Hour

// priorityScale bounds the priority range the ready-set scoring assumes.
// Jobs outside [-priorityScale, priorityScale] still work but lose strict
// priority ordering against jobs within range.
const priorityScale = 1e13

// Engine is the Redis-backed job queue engine. One Engine instance serves
// every named queue; queue identity lives entirely in Redis key names.
type Engine struct {
	cfg     *config.Config
	rdb     *redis.Client
	dedup   exactly_once.IdempotencyManager
	tenants *tenant.Manager
	log     *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		rdb:     rdb,
		dedup:   exactly_once.NewRedisIdempotencyManager(rdb, cfg.Queue.KeyPrefix+":dedup", dedupTTL),
		tenants: tenant.New(rdb, log),
		log:     log,
	}
}

func (e *Engine) readyKey(queueName string) string      { return fmt.Sprintf("%s:queue:%s:ready", e.cfg.Queue.KeyPrefix, queueName) }
func (e *Engine) delayedKey(queueName string) string    { return fmt.Sprintf("%s:queue:%s:delayed", e.cfg.Queue.KeyPrefix, queueName) }
func (e *Engine) processingKey(queueName string) string { return fmt.Sprintf("%s:queue:%s:processing", e.cfg.Queue.KeyPrefix, queueName) }
func (e *Engine) deadKey(queueName string) string       { return fmt.Sprintf("%s:queue:%s:dead", e.cfg.Queue.KeyPrefix, queueName) }
func (e *Engine) jobKey(id string) string               { return fmt.Sprintf("%s:job:%s", e.cfg.Queue.KeyPrefix, id) }
func (e *Engine) completedCounterKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:stats:completed", e.cfg.Queue.KeyPrefix, queueName)
}
func (e *Engine) failedCounterKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:stats:failed", e.cfg.Queue.KeyPrefix, queueName)
}
func (e *Engine) pausedKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:paused", e.cfg.Queue.KeyPrefix, queueName)
}

func readyScore(priority int, availableAt time.Time) float64 {
	return float64(-priority)*priorityScale + float64(availableAt.UnixMilli())
}

// Enqueue admits a new job onto queueName, applying the queue's configured
// defaults for any unset option, per the enqueue(queue, job_kind, payload,
// opts) contract.
func (e *Engine) Enqueue(ctx context.Context, queueName, kind string, payload []byte, opts EnqueueOpts) (string, error) {
	settings := e.cfg.QueueSettings(queueName)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = settings.DefaultMaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = Backoff(settings.DefaultBackoff)
	}

	ctx, span := obs.StartEnqueueSpan(ctx, queueName, fmt.Sprintf("%d", opts.Priority))
	defer span.End()

	if opts.TenantID != "" {
		if err := e.enforceTenantQuota(ctx, opts.TenantID, len(payload)); err != nil {
			obs.RecordError(ctx, err)
			var quotaErr *tenant.ErrQuotaExceeded
			if errors.As(err, &quotaErr) {
				return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "tenant quota")
			}
			return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "tenant quota check")
		}
	}

	if opts.DeduplicationKey != "" {
		reserved, err := e.dedup.CheckAndReserve(ctx, queueName+":"+opts.DeduplicationKey, dedupTTL)
		if err != nil {
			obs.RecordError(ctx, err)
			return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "dedup reservation")
		}
		if reserved {
			return "", ErrDuplicateJob
		}
	}

	id := uuid.NewString()
	job := NewJob(id, queueName, kind, payload, opts)

	data, err := job.Marshal()
	if err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "marshal job")
	}
	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, e.jobKey(id), data, 0)
	if job.State == StateDelayed {
		pipe.ZAdd(ctx, e.delayedKey(queueName), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, e.readyKey(queueName), redis.Z{Score: readyScore(job.Priority, job.AvailableAt), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.RecordError(ctx, err)
		return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "enqueue write")
	}

	obs.JobsProduced.Inc()
	obs.SetSpanSuccess(ctx)
	return id, nil
}

// enforceTenantQuota checks the enqueue-rate, job-size, and hourly-count
// budgets for tenantID. Tenants with no registered config pass through
// unbounded, matching spec.md's "quotas are opt-in per tenant" stance.
func (e *Engine) enforceTenantQuota(ctx context.Context, tenantID string, payloadSize int) error {
	t, found, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := e.tenants.CheckJobSize(tenantID, int64(payloadSize), t.Quotas.MaxJobSizeBytes); err != nil {
		return err
	}
	if err := e.tenants.CheckEnqueueRate(ctx, tenantID, t.Quotas.EnqueueRatePerSec, t.Quotas.EnqueueBurst); err != nil {
		return err
	}
	return e.tenants.CheckAndIncrementHourlyJobs(ctx, tenantID, t.Quotas.MaxJobsPerHour)
}

// promote moves delayed jobs whose available_at has passed into the ready
// set, now scored by priority.
func (e *Engine) promote(ctx context.Context, queueName string) error {
	now := time.Now()
	due, err := e.rdb.ZRangeByScore(ctx, e.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		data, err := e.rdb.Get(ctx, e.jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			e.rdb.ZRem(ctx, e.delayedKey(queueName), id)
			continue
		}
		if err != nil {
			return err
		}
		job, err := UnmarshalJob(data)
		if err != nil {
			e.rdb.ZRem(ctx, e.delayedKey(queueName), id)
			continue
		}
		job.State = StateWaiting
		out, err := job.Marshal()
		if err != nil {
			continue
		}
		pipe := e.rdb.TxPipeline()
		pipe.Set(ctx, e.jobKey(id), out, 0)
		pipe.ZRem(ctx, e.delayedKey(queueName), id)
		pipe.ZAdd(ctx, e.readyKey(queueName), redis.Z{Score: readyScore(job.Priority, job.AvailableAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Claim leases the highest-priority ready job on queueName to workerID for
// leaseDuration. Returns ErrNoJob when nothing is currently ready.
func (e *Engine) Claim(ctx context.Context, queueName, workerID string, leaseDuration time.Duration) (*Job, error) {
	paused, err := e.IsPaused(ctx, queueName)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "check pause state")
	}
	if paused {
		return nil, ErrNoJob
	}

	if err := e.promote(ctx, queueName); err != nil {
		e.log.Warn("promote delayed jobs failed", obs.Err(err))
	}

	ctx, span := obs.StartDequeueSpan(ctx, queueName)
	defer span.End()

	popped, err := e.rdb.ZPopMin(ctx, e.readyKey(queueName), 1).Result()
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "claim pop")
	}
	if len(popped) == 0 {
		return nil, ErrNoJob
	}
	id, _ := popped[0].Member.(string)

	data, err := e.rdb.Get(ctx, e.jobKey(id)).Result()
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "load claimed job")
	}
	job, err := UnmarshalJob(data)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindPermanentHandler, err, "unmarshal claimed job")
	}

	job.State = StateActive
	job.Attempts++
	job.LeaseUntil = time.Now().Add(leaseDuration)
	job.LeaseOwner = workerID
	out, err := job.Marshal()
	if err != nil {
		return nil, err
	}
	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, e.jobKey(id), out, 0)
	pipe.ZAdd(ctx, e.processingKey(queueName), redis.Z{Score: float64(job.LeaseUntil.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "lease claimed job")
	}

	obs.JobsConsumed.Inc()
	obs.SetSpanSuccess(ctx)
	return &job, nil
}

// Complete settles a leased job as successfully processed.
func (e *Engine) Complete(ctx context.Context, queueName, id, result string) error {
	job, err := e.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.Result = result
	out, err := job.Marshal()
	if err != nil {
		return err
	}
	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, e.jobKey(id), out, 24*time.Hour)
	pipe.ZRem(ctx, e.processingKey(queueName), id)
	pipe.Incr(ctx, e.completedCounterKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	obs.JobsCompleted.Inc()
	return nil
}

// Fail settles a leased job as failed, retrying with exponential backoff
// while execErr is classified retryable and attempts remain, otherwise
// dead-lettering it.
func (e *Engine) Fail(ctx context.Context, queueName, id string, execErr error) error {
	job, err := e.loadJob(ctx, id)
	if err != nil {
		return err
	}
	job.LastError = execErr.Error()

	if bierrors.Retryable(execErr) && job.Attempts < job.MaxAttempts {
		delay := job.Backoff.NextDelay(job.Attempts, jitterize)
		job.AvailableAt = time.Now().Add(delay)
		job.State = StateDelayed
		out, err := job.Marshal()
		if err != nil {
			return err
		}
		pipe := e.rdb.TxPipeline()
		pipe.Set(ctx, e.jobKey(id), out, 0)
		pipe.ZRem(ctx, e.processingKey(queueName), id)
		pipe.ZAdd(ctx, e.delayedKey(queueName), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: id})
		pipe.Incr(ctx, e.failedCounterKey(queueName))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		obs.JobsRetried.Inc()
		return nil
	}

	job.State = StateDead
	out, err := job.Marshal()
	if err != nil {
		return err
	}
	pipe := e.rdb.TxPipeline()
	pipe.Set(ctx, e.jobKey(id), out, 7*24*time.Hour)
	pipe.ZRem(ctx, e.processingKey(queueName), id)
	pipe.ZAdd(ctx, e.deadKey(queueName), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
	pipe.Incr(ctx, e.failedCounterKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	obs.JobsDeadLetter.Inc()
	return nil
}

// Cancel removes a not-yet-active job from its waiting or delayed set.
func (e *Engine) Cancel(ctx context.Context, queueName, id string) error {
	job, err := e.loadJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.State {
	case StateWaiting:
		e.rdb.ZRem(ctx, e.readyKey(queueName), id)
	case StateDelayed:
		e.rdb.ZRem(ctx, e.delayedKey(queueName), id)
	default:
		return fmt.Errorf("cannot cancel job %s in state %s", id, job.State)
	}
	job.State = StateCancelled
	job.LastError = "canceled"
	out, err := job.Marshal()
	if err != nil {
		return err
	}
	return e.rdb.Set(ctx, e.jobKey(id), out, time.Hour).Err()
}

// Pause marks queueName as paused: Claim refuses to dispatch new leases
// until Resume is called, matching the admin control-plane's ability to
// quiesce a queue without losing its waiting/delayed work.
func (e *Engine) Pause(ctx context.Context, queueName string) error {
	return e.rdb.Set(ctx, e.pausedKey(queueName), "1", 0).Err()
}

// Resume lifts a pause set by Pause.
func (e *Engine) Resume(ctx context.Context, queueName string) error {
	return e.rdb.Del(ctx, e.pausedKey(queueName)).Err()
}

// IsPaused reports whether queueName is currently paused.
func (e *Engine) IsPaused(ctx context.Context, queueName string) (bool, error) {
	n, err := e.rdb.Exists(ctx, e.pausedKey(queueName)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecoverExpiredLeases is the reaper's entry point: it scans queueName's
// processing set for leases past their lease_until and routes each back
// through the retry/dead-letter path as a transient-storage failure.
func (e *Engine) RecoverExpiredLeases(ctx context.Context, queueName string) (int, error) {
	now := time.Now()
	expired, err := e.rdb.ZRangeByScore(ctx, e.processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range expired {
		err := e.Fail(ctx, queueName, id, bierrors.New(bierrors.KindTransientStorage, "lease expired"))
		if err != nil {
			e.log.Warn("reaper recovery failed", obs.String("job_id", id), obs.Err(err))
			continue
		}
		recovered++
		obs.ReaperRecovered.Inc()
	}
	return recovered, nil
}

func (e *Engine) loadJob(ctx context.Context, id string) (Job, error) {
	data, err := e.rdb.Get(ctx, e.jobKey(id)).Result()
	if err != nil {
		return Job{}, bierrors.Wrap(bierrors.KindTransientStorage, err, "load job")
	}
	return UnmarshalJob(data)
}

// Get returns the current persisted state of a job.
func (e *Engine) Get(ctx context.Context, id string) (Job, error) {
	return e.loadJob(ctx, id)
}

// Stats reports a named queue's state, matching the engine's documented
// stats(queue) -> {waiting, delayed, active, completed, failed, dead,
// paused} contract: waiting/delayed/active/dead are live gauges over the
// queue's current Redis sets, completed/failed are cumulative counters
// (so purging the dead-letter set doesn't erase the historical failure
// count), and paused is 1 when the queue has been quiesced via Pause.
type Stats struct {
	Waiting    int64
	Delayed    int64
	Processing int64
	Completed  int64
	Failed     int64
	Dead       int64
	Paused     int64
}

func (e *Engine) Stats(ctx context.Context, queueName string) (Stats, error) {
	var s Stats
	var err error
	if s.Waiting, err = e.rdb.ZCard(ctx, e.readyKey(queueName)).Result(); err != nil {
		return s, err
	}
	if s.Delayed, err = e.rdb.ZCard(ctx, e.delayedKey(queueName)).Result(); err != nil {
		return s, err
	}
	if s.Processing, err = e.rdb.ZCard(ctx, e.processingKey(queueName)).Result(); err != nil {
		return s, err
	}
	if s.Dead, err = e.rdb.ZCard(ctx, e.deadKey(queueName)).Result(); err != nil {
		return s, err
	}
	if s.Completed, err = e.statCounter(ctx, e.completedCounterKey(queueName)); err != nil {
		return s, err
	}
	if s.Failed, err = e.statCounter(ctx, e.failedCounterKey(queueName)); err != nil {
		return s, err
	}
	paused, err := e.IsPaused(ctx, queueName)
	if err != nil {
		return s, err
	}
	if paused {
		s.Paused = 1
	}
	return s, nil
}

// statCounter reads a cumulative counter key, treating an unset key (no
// events recorded yet) as zero rather than an error.
func (e *Engine) statCounter(ctx context.Context, key string) (int64, error) {
	n, err := e.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func jitterize(d time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(d) / 5)) // +/-20%
	if rand.Intn(2) == 0 {
		return d - delta
	}
	return d + delta
}
