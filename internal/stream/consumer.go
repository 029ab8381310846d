// Copyright 2025 James Ross
package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandleFunc processes one decoded record. offset is the message's stream
// sequence number within topic/partition, carried through for the event
// log's audit/replay trail. A returned error classified as retryable by
// bierrors.Retryable leaves the record unacknowledged (at least once, no
// offset advance); any other outcome (nil error, or a permanent error)
// acknowledges it.
type HandleFunc func(ctx context.Context, env Envelope, topic string, partition int, offset int64) error

// Consumer owns one pull-subscription per partition this member is
// assigned, reconnecting with jittered backoff and honoring per-partition
// pause/resume backpressure signals.
type Consumer struct {
	cfg     config.Stream
	conn    *nats.Conn
	js      nats.JetStreamContext
	log     *zap.Logger
	handle  HandleFunc
	resolve ResolveSchema

	mu      sync.Mutex
	paused  map[string]bool // "topic:partition" -> paused
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	resumeLimiter *rate.Limiter
}

func NewConsumer(cfg config.Stream, log *zap.Logger, resolve ResolveSchema, handle HandleFunc) *Consumer {
	ratePerSec := cfg.ResumeRatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	burst := cfg.ResumeBurst
	if burst <= 0 {
		burst = 10
	}
	return &Consumer{
		cfg:           cfg,
		log:           log,
		handle:        handle,
		resolve:       resolve,
		paused:        map[string]bool{},
		cancels:       map[string]context.CancelFunc{},
		resumeLimiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// Start connects to the log and begins consuming each of the given
// partitions of topic.
func (c *Consumer) Start(ctx context.Context, topic string, partitions []int, self string) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	for _, p := range partitions {
		c.startPartition(ctx, topic, p, self)
	}
	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := nats.Connect(c.cfg.URL,
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.cfg.ReconnectBase),
	)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransport, err, "connect to partitioned log")
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return bierrors.Wrap(bierrors.KindTransport, err, "create jetstream context")
	}
	c.conn = conn
	c.js = js
	return nil
}

func (c *Consumer) durableName(topic string, partition int) string {
	return fmt.Sprintf("%s-%s-%d", c.cfg.ConsumerGroup, topic, partition)
}

func (c *Consumer) startPartition(parentCtx context.Context, topic string, partition int, self string) {
	ctx, cancel := context.WithCancel(parentCtx)
	key := fmt.Sprintf("%s:%d", topic, partition)
	c.mu.Lock()
	c.cancels[key] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runPartition(ctx, topic, partition)
	}()
}

func (c *Consumer) runPartition(ctx context.Context, topic string, partition int) {
	durable := c.durableName(topic, partition)
	subject := fmt.Sprintf("%s.%d", topic, partition)

	var sub *nats.Subscription
	attempt := 0
	for ctx.Err() == nil {
		if c.isPaused(topic, partition) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if sub == nil {
			var err error
			sub, err = c.js.PullSubscribe(subject, durable, nats.ManualAck())
			if err != nil {
				c.log.Warn("pull subscribe failed, reconnecting with backoff",
					zap.String("topic", topic), zap.Int("partition", partition), zap.Error(err))
				c.sleepBackoff(ctx, &attempt)
				continue
			}
			attempt = 0
		}

		msgs, err := sub.Fetch(32, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			c.log.Warn("fetch failed, reconnecting with backoff",
				zap.String("topic", topic), zap.Int("partition", partition), zap.Error(err))
			sub = nil
			c.sleepBackoff(ctx, &attempt)
			continue
		}

		for _, msg := range msgs {
			c.processMessage(ctx, msg, topic, partition)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg *nats.Msg, topic string, partition int) {
	env, err := Decode(msg.Data, c.resolve)
	if err != nil {
		// decode_failed is a permanent error for this record: skip and advance.
		c.log.Warn("decode_failed, skipping record", zap.String("topic", topic), zap.Int("partition", partition), zap.Error(err))
		msg.Ack()
		return
	}

	var seq uint64
	if meta, err := msg.Metadata(); err == nil {
		seq = meta.Sequence.Stream
	} else {
		c.log.Warn("could not read message metadata, offset will be recorded as 0",
			zap.String("topic", topic), zap.Int("partition", partition), zap.Error(err))
	}

	if err := c.handle(ctx, env, topic, partition, int64(seq)); err != nil {
		if bierrors.Retryable(err) {
			msg.Nak()
			return
		}
		c.log.Warn("permanent ingestion failure, advancing offset",
			zap.String("event_id", env.EventID), zap.Error(err))
	}
	msg.Ack()
}

func (c *Consumer) sleepBackoff(ctx context.Context, attempt *int) {
	*attempt++
	base := c.cfg.ReconnectBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := c.cfg.ReconnectMax
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base * time.Duration(1<<uint(min(*attempt, 10)))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4 + 1))
	select {
	case <-ctx.Done():
	case <-time.After(delay + jitter):
	}
}

// SeekToOffset repositions a partition's durable consumer to a specific
// stream sequence (spec §4.6's crm_ingest_offset replay hook): the
// existing durable is deleted and recreated anchored at that sequence, so
// the next Fetch redelivers from there.
func (c *Consumer) SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error {
	durable := c.durableName(topic, partition)
	_ = c.js.DeleteConsumer(topic, durable)

	subject := fmt.Sprintf("%s.%d", topic, partition)
	_, err := c.js.AddConsumer(topic, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverByStartSequencePolicy,
		OptStartSeq:   uint64(offset),
	})
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransport, err, "reposition consumer")
	}
	return nil
}

// Pause stops fetching new records for a partition once the ingestion
// handler signals saturation (spec §5 "consumer pauses partitions when the
// ingestion handler is saturated").
func (c *Consumer) Pause(topic string, partition int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused[fmt.Sprintf("%s:%d", topic, partition)] = true
}

// Resume lifts a pause, rate-limited so a burst of saturated partitions
// doesn't all resume fetching in the same instant.
func (c *Consumer) Resume(ctx context.Context, topic string, partition int) error {
	if err := c.resumeLimiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paused, fmt.Sprintf("%s:%d", topic, partition))
	return nil
}

func (c *Consumer) isPaused(topic string, partition int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[fmt.Sprintf("%s:%d", topic, partition)]
}

// Stop cancels every partition goroutine and closes the connection.
func (c *Consumer) Stop() {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
