package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/tenant"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{Queue: config.Queue{
		KeyPrefix: "test",
		Defaults: config.QueueDefaults{
			Concurrency:        1,
			VisibilityTimeout:  time.Second,
			DefaultMaxAttempts: 3,
			DefaultBackoff:     config.Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond},
		},
		Overrides: map[string]config.QueueDefaults{},
	}}
	return New(cfg, rdb, zap.NewNop())
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{Priority: 1})
	require.NoError(t, err)

	job, err := e.Claim(ctx, "reports", "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, StateActive, job.State)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, e.Complete(ctx, "reports", id, "ok"))
	stats, err := e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Processing)
}

func TestEnqueueRejectsOverTenantJobSizeQuota(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.tenants.Upsert(ctx, &tenant.Tenant{
		ID:     "acme-corp",
		Quotas: tenant.Quotas{MaxJobSizeBytes: 4},
	}))

	_, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{"big":true}`), EnqueueOpts{TenantID: "acme-corp"})
	require.Error(t, err)
	require.Equal(t, bierrors.KindPermanentHandler, bierrors.KindOf(err))
}

func TestEnqueuePassesThroughForUnregisteredTenant(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{TenantID: "unknown-tenant"})
	require.NoError(t, err)
}

func TestCancelUsesDedicatedCancelledStateNotFailed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{DelayMS: 60000})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, "reports", id))

	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, job.State)
	require.NotEqual(t, StateFailed, job.State)

	stats, err := e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Failed)
	require.Equal(t, int64(0), stats.Dead)
}

func TestStatsTracksCompletedFailedAndPaused(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Complete(ctx, "reports", id, "ok"))

	failID, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, "reports", failID, bierrors.New(bierrors.KindPermanentHandler, "bad")))

	stats, err := e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(1), stats.Dead)
	require.Equal(t, int64(0), stats.Paused)

	require.NoError(t, e.Pause(ctx, "reports"))
	stats, err = e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Paused)

	_, err = e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{})
	require.NoError(t, err)
	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.ErrorIs(t, err, ErrNoJob)

	require.NoError(t, e.Resume(ctx, "reports"))
	stats, err = e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Paused)

	job, err := e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
}

func TestClaimReturnsErrNoJobWhenEmpty(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.Claim(ctx, "empty", "worker-1", time.Minute)
	require.ErrorIs(t, err, ErrNoJob)
}

func TestEnqueueDeduplication(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{DeduplicationKey: "dk-1"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{DeduplicationKey: "dk-1"})
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{MaxAttempts: 2})
	require.NoError(t, err)

	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, "reports", id, bierrors.New(bierrors.KindTransientStorage, "boom")))

	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, job.State)

	// Force availability and claim the retry.
	job.AvailableAt = time.Now().Add(-time.Second)
	data, _ := job.Marshal()
	require.NoError(t, e.rdb.Set(ctx, e.jobKey(id), data, 0).Err())
	require.NoError(t, e.rdb.ZAdd(ctx, e.delayedKey("reports"), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: id}).Err())

	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, "reports", id, bierrors.New(bierrors.KindTransientStorage, "boom again")))

	job, err = e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDead, job.State)

	stats, err := e.Stats(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Dead)
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{MaxAttempts: 5})
	require.NoError(t, err)
	_, err = e.Claim(ctx, "reports", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, "reports", id, bierrors.New(bierrors.KindPermanentHandler, "bad payload")))
	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDead, job.State)
}

func TestRecoverExpiredLeases(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	id, err := e.Enqueue(ctx, "reports", "export_render", []byte(`{}`), EnqueueOpts{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = e.Claim(ctx, "reports", "w1", -time.Second) // already-expired lease
	require.NoError(t, err)

	n, err := e.RecoverExpiredLeases(ctx, "reports")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, job.State)
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Enqueue(ctx, "q", "k", []byte(`{}`), EnqueueOpts{Priority: 1})
	require.NoError(t, err)
	highID, err := e.Enqueue(ctx, "q", "k", []byte(`{}`), EnqueueOpts{Priority: 10})
	require.NoError(t, err)

	job, err := e.Claim(ctx, "q", "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, highID, job.ID)
}
