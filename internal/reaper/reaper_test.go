package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReaperRequeuesExpiredLease(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := &config.Config{Queue: config.Queue{
		KeyPrefix: "test",
		Defaults: config.QueueDefaults{
			Concurrency:        1,
			VisibilityTimeout:  time.Second,
			DefaultMaxAttempts: 3,
			DefaultBackoff:     config.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		},
		Overrides:          map[string]config.QueueDefaults{},
		ReaperScanInterval: 5 * time.Second,
	}}
	log := zap.NewNop()
	engine := queue.New(cfg, rdb, log)

	ctx := context.Background()
	id, err := engine.Enqueue(ctx, "reports", "export_render", []byte(`{}`), queue.EnqueueOpts{})
	require.NoError(t, err)
	_, err = engine.Claim(ctx, "reports", "dead-worker", -time.Second)
	require.NoError(t, err)

	rep := New(cfg, engine, log, func() []string { return []string{"reports"} })
	rep.scanOnce(ctx)

	job, err := engine.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StateDelayed, job.State)
}
