// Copyright 2025 James Ross
// Package reaper recovers jobs whose lease expired before the worker that
// claimed them settled them (crash, hang, or network partition), putting
// them back through the retry/dead-letter path.
package reaper

import (
	"context"
	"time"

	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/obs"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg    *config.Config
	engine *queue.Engine
	log    *zap.Logger
	// queues is supplied by the caller (the same set of names a worker
	// pool has registered handlers for) since queue identity is no longer
	// a fixed config list.
	queues func() []string
}

func New(cfg *config.Config, engine *queue.Engine, log *zap.Logger, queues func() []string) *Reaper {
	return &Reaper{cfg: cfg, engine: engine, log: log, queues: queues}
}

func (r *Reaper) Run(ctx context.Context) {
	interval := r.cfg.Queue.ReaperScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	for _, queueName := range r.queues() {
		n, err := r.engine.RecoverExpiredLeases(ctx, queueName)
		if err != nil {
			r.log.Warn("reaper scan error", obs.String("queue", queueName), obs.Err(err))
			continue
		}
		if n > 0 {
			r.log.Warn("recovered abandoned jobs", obs.String("queue", queueName), obs.Int("count", n))
		}
	}
}
