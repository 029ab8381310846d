// Copyright 2025 James Ross
// Package cacheorch implements the Cache Orchestrator: a Redis-backed
// get-or-compute cache with single-flight collapsing of concurrent misses
// and prefix-based invalidation (spec §4.5).
package cacheorch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Producer computes the value for a cache miss. It is invoked at most once
// per fingerprint across the fleet while a flight marker is held.
type Producer func(ctx context.Context) ([]byte, error)

// Orchestrator is the Cache Orchestrator component.
type Orchestrator struct {
	rdb          *redis.Client
	local        *lru.Cache[string, []byte]
	defaultTTL   time.Duration
	flightTTL    time.Duration
	pollInitial  time.Duration
	pollCeiling  time.Duration
	keyPrefix    string
}

func New(cfg *config.Config, rdb *redis.Client) (*Orchestrator, error) {
	size := cfg.Cache.LocalLRUSize
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindConfig, err, "create local cache lru")
	}
	return &Orchestrator{
		rdb:         rdb,
		local:       local,
		defaultTTL:  cfg.Cache.DefaultTTL,
		flightTTL:   cfg.Cache.FlightMarkerTTL,
		pollInitial: cfg.Cache.PollInitial,
		pollCeiling: cfg.Cache.PollCeiling,
		keyPrefix:   "cache",
	}, nil
}

// Fingerprint is a stable hash of {tenant_id, query_name, parameters,
// dependency_version} per spec §4.5.
func Fingerprint(tenantID, queryName string, parameters map[string]interface{}, dependencyVersion string) string {
	payload := struct {
		TenantID          string                 `json:"tenant_id"`
		QueryName         string                 `json:"query_name"`
		Parameters        map[string]interface{} `json:"parameters"`
		DependencyVersion string                 `json:"dependency_version"`
	}{tenantID, queryName, parameters, dependencyVersion}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) valueKey(fingerprint string) string {
	return fmt.Sprintf("%s:value:%s", o.keyPrefix, fingerprint)
}

func (o *Orchestrator) flightKey(fingerprint string) string {
	return fmt.Sprintf("%s:flight:%s", o.keyPrefix, fingerprint)
}

// flightAcquire is a SETNX-with-TTL lock: only one caller across the fleet
// wins it for a given fingerprint, mirroring exactly_once's
// CheckAndReserve insert-if-absent pattern.
var flightAcquireScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
`)

// GetOrCompute implements the four-step algorithm from spec §4.5:
//  1. Look up the fingerprint in cache; return on a fresh hit.
//  2. On a miss, attempt to acquire the flight marker for this fingerprint.
//  3. If acquired, run producer, store the result with ttl, release the
//     marker, return the value.
//  4. If not acquired, another caller is already computing it; poll with
//     exponential backoff (bounded by poll_ceiling) until the value
//     appears or the flight marker itself expires, at which point retry
//     from step 2.
func (o *Orchestrator) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, producer Producer) ([]byte, error) {
	if ttl <= 0 {
		ttl = o.defaultTTL
	}

	if v, ok := o.local.Get(fingerprint); ok {
		return v, nil
	}
	vKey := o.valueKey(fingerprint)
	if v, err := o.rdb.Get(ctx, vKey).Bytes(); err == nil {
		o.local.Add(fingerprint, v)
		return v, nil
	} else if err != redis.Nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "cache get")
	}

	fKey := o.flightKey(fingerprint)
	flightTTL := o.flightTTL
	if flightTTL <= 0 {
		flightTTL = 30 * time.Second
	}

	acquired, err := flightAcquireScript.Run(ctx, o.rdb, []string{fKey}, "1", flightTTL.Milliseconds()).Int()
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "acquire flight marker")
	}
	if acquired == 1 {
		defer o.rdb.Del(ctx, fKey)
		val, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		if err := o.rdb.Set(ctx, vKey, val, ttl).Err(); err != nil {
			return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "cache set")
		}
		o.local.Add(fingerprint, val)
		return val, nil
	}

	return o.pollForValue(ctx, fingerprint, vKey, fKey, ttl, producer)
}

func (o *Orchestrator) pollForValue(ctx context.Context, fingerprint, vKey, fKey string, ttl time.Duration, producer Producer) ([]byte, error) {
	initial := o.pollInitial
	if initial <= 0 {
		initial = 10 * time.Millisecond
	}
	ceiling := o.pollCeiling
	if ceiling <= 0 {
		ceiling = time.Second
	}

	delay := initial
	for {
		select {
		case <-ctx.Done():
			return nil, bierrors.Wrap(bierrors.KindDeadlineExceeded, ctx.Err(), "poll for computed value")
		case <-time.After(delay):
		}

		if v, err := o.rdb.Get(ctx, vKey).Bytes(); err == nil {
			o.local.Add(fingerprint, v)
			return v, nil
		} else if err != redis.Nil {
			return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "cache get during poll")
		}

		exists, err := o.rdb.Exists(ctx, fKey).Result()
		if err != nil {
			return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "flight marker check during poll")
		}
		if exists == 0 {
			// The marker expired or was released without a value landing
			// (producer failed); retry the whole operation from step 2.
			return o.GetOrCompute(ctx, fingerprint, ttl, producer)
		}

		delay *= 2
		if delay > ceiling {
			delay = ceiling
		}
	}
}

// Invalidate drops every cached value whose fingerprint key starts with
// keyPrefix, both locally and in Redis.
func (o *Orchestrator) Invalidate(ctx context.Context, keyPrefix string) error {
	o.local.Purge()
	pattern := fmt.Sprintf("%s:value:%s*", o.keyPrefix, keyPrefix)
	iter := o.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "scan cache keys for invalidation")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := o.rdb.Del(ctx, keys...).Err(); err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "delete invalidated cache keys")
	}
	return nil
}
