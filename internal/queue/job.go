// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a Job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
	StateCancelled State = "cancelled"
)

// Backoff describes the retry delay policy for a job:
// delay_k = min(max, base * 2^(k-1)) +/- jitter.
type Backoff struct {
	Base   time.Duration `json:"base"`
	Max    time.Duration `json:"max"`
	Jitter bool          `json:"jitter"`
}

// Job is a unit of work on a named queue, per the queue engine's entity
// shape: queue_name, job_kind, payload, priority, attempts/max_attempts,
// a backoff policy, a lease for in-flight claims, and optional dedup key.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	Priority         int             `json:"priority"`
	AvailableAt      time.Time       `json:"available_at"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Backoff          Backoff         `json:"backoff"`
	State            State           `json:"state"`
	LeaseUntil       time.Time       `json:"lease_until,omitempty"`
	LeaseOwner       string          `json:"lease_owner,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	Result           string          `json:"result,omitempty"`
	DeduplicationKey string          `json:"deduplication_key,omitempty"`
	TenantID         string          `json:"tenant_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	TraceID          string          `json:"trace_id,omitempty"`
	SpanID           string          `json:"span_id,omitempty"`
}

// EnqueueOpts mirrors the engine's enqueue(queue, job_kind, payload, opts)
// contract: priority, delay, retry policy, and an optional dedup key.
type EnqueueOpts struct {
	Priority         int
	DelayMS          int64
	MaxAttempts      int
	Backoff          Backoff
	DeduplicationKey string
	TenantID         string
	TraceID          string
	SpanID           string
}

// NewJob builds a Job in the waiting (or delayed) state ready for enqueue.
func NewJob(id, queueName, kind string, payload json.RawMessage, opts EnqueueOpts) Job {
	now := time.Now().UTC()
	availableAt := now
	state := StateWaiting
	if opts.DelayMS > 0 {
		availableAt = now.Add(time.Duration(opts.DelayMS) * time.Millisecond)
		state = StateDelayed
	}
	return Job{
		ID:               id,
		Queue:            queueName,
		Kind:             kind,
		Payload:          payload,
		Priority:         opts.Priority,
		AvailableAt:      availableAt,
		Attempts:         0,
		MaxAttempts:      opts.MaxAttempts,
		Backoff:          opts.Backoff,
		State:            state,
		DeduplicationKey: opts.DeduplicationKey,
		TenantID:         opts.TenantID,
		CreatedAt:        now,
		TraceID:          opts.TraceID,
		SpanID:           opts.SpanID,
	}
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// NextDelay computes delay_k = min(max, base * 2^(k-1)) for the k'th retry,
// optionally perturbed by +/-20% jitter.
func (b Backoff) NextDelay(attempt int, jitter func(d time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d <= 0 || d > max {
		d = max
	}
	if b.Jitter && jitter != nil {
		d = jitter(d)
	}
	return d
}
