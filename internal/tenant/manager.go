// Copyright 2025 James Ross
// Package tenant enforces per-tenant accounting: an enqueue rate limit, an
// hourly job count and a job size ceiling; dequeue is not rate-limited. Every ingested event and enqueued job carries a
// tenant_id (spec §4.2, §3) that must be bounded somewhere in the system.
package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Quotas bounds a tenant's resource usage.
type Quotas struct {
	MaxJobsPerHour   int64   `json:"max_jobs_per_hour"`
	MaxJobSizeBytes  int64   `json:"max_job_size_bytes"`
	EnqueueRatePerSec float64 `json:"enqueue_rate_per_sec"`
	EnqueueBurst     int     `json:"enqueue_burst"`
}

// Tenant is the persisted configuration for a tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Quotas    Quotas    `json:"quotas"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrQuotaExceeded is returned when an enqueue would exceed a tenant's budget.
type ErrQuotaExceeded struct {
	TenantID string
	Reason   string
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("tenant %s exceeded quota: %s", e.TenantID, e.Reason)
}

func configKey(id string) string { return fmt.Sprintf("tenant:%s:config", id) }
func hourBucketKey(id string, t time.Time) string {
	return fmt.Sprintf("tenant:%s:jobs:%s", id, t.UTC().Format("2006010215"))
}
func tokenBucketKey(id string) string { return fmt.Sprintf("tenant:%s:tokens", id) }

// consumeScript atomically refills and consumes a token bucket, grounded on
// the teacher's token-bucket rate limiter Lua script.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local requested = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  last_refill = now_ms
end

local elapsed_ms = now_ms - last_refill
if elapsed_ms < 0 then elapsed_ms = 0 end
local refill = (elapsed_ms / 1000.0) * refill_rate
tokens = math.min(capacity, tokens + refill)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now_ms)
redis.call('EXPIRE', key, ttl)
return {allowed, tokens}
`)

// Manager is the Redis-backed tenant accounting service.
type Manager struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Manager {
	return &Manager{rdb: rdb, log: log}
}

// ValidateID enforces the same tenant-id shape the rest of the corpus uses
// for namespaced Redis/Postgres keys: lowercase, hyphenated, 3-32 chars.
func ValidateID(id string) error {
	if len(id) < 3 || len(id) > 32 {
		return fmt.Errorf("tenant id must be 3-32 characters")
	}
	if id[0] == '-' || id[len(id)-1] == '-' {
		return fmt.Errorf("tenant id must start and end with alphanumeric")
	}
	if id != strings.ToLower(id) {
		return fmt.Errorf("tenant id must be lowercase")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return fmt.Errorf("tenant id must be lowercase alphanumeric with hyphens")
		}
	}
	return nil
}

// Upsert creates or replaces a tenant's configuration.
func (m *Manager) Upsert(ctx context.Context, t *Tenant) error {
	if err := ValidateID(t.ID); err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return m.rdb.HSet(ctx, configKey(t.ID), map[string]interface{}{
		"name":                 t.Name,
		"max_jobs_per_hour":    t.Quotas.MaxJobsPerHour,
		"max_job_size_bytes":   t.Quotas.MaxJobSizeBytes,
		"enqueue_rate_per_sec": t.Quotas.EnqueueRatePerSec,
		"enqueue_burst":        t.Quotas.EnqueueBurst,
		"created_at":           t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":           t.UpdatedAt.Format(time.RFC3339Nano),
	}).Err()
}

// Get loads a tenant's configuration, or ok=false if it has never been set
// (callers should fall back to a permissive default in that case).
func (m *Manager) Get(ctx context.Context, tenantID string) (*Tenant, bool, error) {
	vals, err := m.rdb.HGetAll(ctx, configKey(tenantID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	t := &Tenant{ID: tenantID, Name: vals["name"]}
	fmt.Sscanf(vals["max_jobs_per_hour"], "%d", &t.Quotas.MaxJobsPerHour)
	fmt.Sscanf(vals["max_job_size_bytes"], "%d", &t.Quotas.MaxJobSizeBytes)
	fmt.Sscanf(vals["enqueue_rate_per_sec"], "%f", &t.Quotas.EnqueueRatePerSec)
	fmt.Sscanf(vals["enqueue_burst"], "%d", &t.Quotas.EnqueueBurst)
	if ca, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		t.CreatedAt = ca
	}
	if ua, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		t.UpdatedAt = ua
	}
	return t, true, nil
}

// CheckEnqueueRate consumes one token from the tenant's enqueue token
// bucket. It returns ErrQuotaExceeded when the bucket is empty.
func (m *Manager) CheckEnqueueRate(ctx context.Context, tenantID string, ratePerSec float64, burst int) error {
	if ratePerSec <= 0 {
		return nil
	}
	res, err := consumeScript.Run(ctx, m.rdb, []string{tokenBucketKey(tenantID)},
		1, burst, ratePerSec, time.Now().UnixMilli(), 3600).Result()
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	row, ok := res.([]interface{})
	if !ok || len(row) < 1 {
		return fmt.Errorf("rate limit check: unexpected script result")
	}
	allowed, _ := row[0].(int64)
	if allowed == 0 {
		return &ErrQuotaExceeded{TenantID: tenantID, Reason: "enqueue rate limit"}
	}
	return nil
}

// CheckJobSize enforces the per-tenant job payload size ceiling.
func (m *Manager) CheckJobSize(tenantID string, payloadSize int64, maxBytes int64) error {
	if maxBytes > 0 && payloadSize > maxBytes {
		return &ErrQuotaExceeded{TenantID: tenantID, Reason: fmt.Sprintf("job size %d exceeds max %d", payloadSize, maxBytes)}
	}
	return nil
}

// CheckAndIncrementHourlyJobs enforces MaxJobsPerHour using an hour-bucketed
// Redis counter; the bucket key rotates every hour and expires itself.
func (m *Manager) CheckAndIncrementHourlyJobs(ctx context.Context, tenantID string, maxPerHour int64) error {
	if maxPerHour <= 0 {
		return nil
	}
	key := hourBucketKey(tenantID, time.Now())
	count, err := m.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("job count increment: %w", err)
	}
	if count == 1 {
		m.rdb.Expire(ctx, key, 2*time.Hour)
	}
	if count > maxPerHour {
		return &ErrQuotaExceeded{TenantID: tenantID, Reason: fmt.Sprintf("hourly job count %d exceeds max %d", count, maxPerHour)}
	}
	return nil
}
