// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples named-queue ready-set sizes and updates a
// gauge. Queue names to poll are passed explicitly since they are no longer
// a fixed config list but whatever queues callers register handlers for.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueNames []string) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queueNames {
					key := cfg.Queue.KeyPrefix + ":queue:" + q + ":ready"
					n, err := rdb.ZCard(ctx, key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", q), Err(err))
						continue
					}
					QueueLength.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}()
}
