// Copyright 2025 James Ross
// Package worker runs named-queue handler pools against internal/queue's
// Engine: one circuit breaker per queue, a claim/run/settle loop per worker
// goroutine, and a register_handler(queue, job_kind, handler, concurrency)
// entry point matching the job queue engine's contract.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/breaker"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/obs"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"go.uber.org/zap"
)

// Handler processes one claimed job and returns a result string, or an
// error classified via bierrors to decide retry vs dead-letter.
type Handler func(ctx context.Context, job queue.Job) (result string, err error)

type registration struct {
	concurrency int
	handlers    map[string]Handler // job kind -> handler
}

// Pool runs registered handlers against one or more named queues.
type Pool struct {
	cfg    *config.Config
	engine *queue.Engine
	log    *zap.Logger
	baseID string

	mu       sync.Mutex
	queues   map[string]*registration
	breakers map[string]*breaker.CircuitBreaker
}

func New(cfg *config.Config, engine *queue.Engine, log *zap.Logger) *Pool {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Pool{
		cfg:      cfg,
		engine:   engine,
		log:      log,
		baseID:   base,
		queues:   map[string]*registration{},
		breakers: map[string]*breaker.CircuitBreaker{},
	}
}

// RegisterHandler binds a handler for job_kind on queueName, requesting
// concurrency worker goroutines for that queue (the max across all kinds
// registered on the same queue wins).
func (p *Pool) RegisterHandler(queueName, jobKind string, concurrency int, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.queues[queueName]
	if !ok {
		reg = &registration{handlers: map[string]Handler{}}
		p.queues[queueName] = reg
	}
	reg.handlers[jobKind] = h
	if concurrency > reg.concurrency {
		reg.concurrency = concurrency
	}
	if _, ok := p.breakers[queueName]; !ok {
		cb := breaker.New(p.cfg.CircuitBreaker.Window, p.cfg.CircuitBreaker.CooldownPeriod,
			p.cfg.CircuitBreaker.FailureThreshold, p.cfg.CircuitBreaker.MinSamples)
		p.breakers[queueName] = cb
	}
}

// QueueNames lists queues with at least one registered handler.
func (p *Pool) QueueNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.queues))
	for n := range p.queues {
		names = append(names, n)
	}
	return names
}

// Run spawns the configured concurrency of worker goroutines for every
// registered queue and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	p.mu.Lock()
	for queueName, reg := range p.queues {
		settings := p.cfg.QueueSettings(queueName)
		concurrency := reg.concurrency
		if concurrency <= 0 {
			concurrency = settings.Concurrency
		}
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%s-%d", p.baseID, queueName, i)
			go func(qName, wID string) {
				defer wg.Done()
				obs.WorkerActive.Inc()
				defer obs.WorkerActive.Dec()
				p.runQueue(ctx, qName, wID)
			}(queueName, workerID)
		}
	}
	p.mu.Unlock()

	go p.reportBreakerStates(ctx)

	wg.Wait()
	return nil
}

func (p *Pool) reportBreakerStates(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			for _, cb := range p.breakers {
				switch cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) runQueue(ctx context.Context, queueName, workerID string) {
	p.mu.Lock()
	reg := p.queues[queueName]
	cb := p.breakers[queueName]
	p.mu.Unlock()

	settings := p.cfg.QueueSettings(queueName)
	pollInterval := 50 * time.Millisecond

	for ctx.Err() == nil {
		if !cb.Allow() {
			time.Sleep(pollInterval)
			continue
		}

		job, err := p.engine.Claim(ctx, queueName, workerID, settings.VisibilityTimeout)
		if errors.Is(err, queue.ErrNoJob) {
			time.Sleep(pollInterval)
			continue
		}
		if err != nil {
			p.log.Warn("claim failed", obs.String("queue", queueName), obs.Err(err))
			time.Sleep(pollInterval)
			continue
		}

		ok := p.process(ctx, queueName, reg, *job)

		prev := cb.State()
		cb.Record(ok)
		if curr := cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (p *Pool) process(ctx context.Context, queueName string, reg *registration, job queue.Job) bool {
	ctx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()

	handler, ok := reg.handlers[job.Kind]
	if !ok {
		err := bierrors.New(bierrors.KindPermanentHandler, fmt.Sprintf("no handler registered for kind %q on queue %q", job.Kind, queueName))
		obs.RecordError(ctx, err)
		if ferr := p.engine.Fail(ctx, queueName, job.ID, err); ferr != nil {
			p.log.Error("settle fail (no handler) errored", obs.Err(ferr))
		}
		obs.JobsFailed.Inc()
		return false
	}

	start := time.Now()
	result, err := handler(ctx, job)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		obs.RecordError(ctx, err)
		obs.JobsFailed.Inc()
		if ferr := p.engine.Fail(ctx, queueName, job.ID, err); ferr != nil {
			p.log.Error("settle fail errored", obs.Err(ferr))
		}
		p.log.Warn("job failed", obs.String("id", job.ID), obs.String("queue", queueName), obs.String("kind", job.Kind), obs.Err(err))
		return false
	}

	obs.SetSpanSuccess(ctx)
	if cerr := p.engine.Complete(ctx, queueName, job.ID, result); cerr != nil {
		p.log.Error("settle complete errored", obs.Err(cerr))
	}
	p.log.Info("job completed", obs.String("id", job.ID), obs.String("queue", queueName), obs.String("kind", job.Kind))
	return true
}
