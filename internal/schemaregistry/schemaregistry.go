// Copyright 2025 James Ross
// Package schemaregistry resolves and caches binary schemas by id for the
// stream consumer's decode step (spec §4.1, §6 "Schema Registry").
package schemaregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Schema is a resolved schema record. Schema is opaque to the registry
// client; callers (the decode path) interpret Raw according to its Type.
type Schema struct {
	ID      uint32 `json:"id"`
	Subject string `json:"subject"`
	Version int    `json:"version"`
	Raw     []byte `json:"schema"`
}

// Client resolves schema ids against an HTTP schema registry, caching
// results so a transient outage doesn't stall decoding of already-seen
// schema ids.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache[uint32, Schema]
	log     *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) (*Client, error) {
	size := cfg.SchemaRegistry.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[uint32, Schema](size)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindConfig, err, "create schema cache")
	}
	timeout := cfg.SchemaRegistry.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.SchemaRegistry.BaseURL,
		http:    &http.Client{Timeout: timeout},
		cache:   cache,
		log:     log,
	}, nil
}

// ResolveByID returns the schema for id, serving from cache when possible.
// A 4xx response (the id doesn't exist, or is malformed) is permanent — it
// is wrapped as KindSchema. Network failures and 5xx responses are
// transient (KindTransport) and leave any previously cached copy usable.
func (c *Client) ResolveByID(ctx context.Context, id uint32) (Schema, error) {
	if s, ok := c.cache.Get(id); ok {
		return s, nil
	}

	url := fmt.Sprintf("%s/schemas/ids/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Schema{}, bierrors.Wrap(bierrors.KindSchema, err, "build schema request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Schema{}, bierrors.Wrap(bierrors.KindTransport, err, "schema registry unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Schema{}, bierrors.New(bierrors.KindSchema, fmt.Sprintf("schema id %d not found (status %d)", id, resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return Schema{}, bierrors.New(bierrors.KindTransport, fmt.Sprintf("schema registry returned %d", resp.StatusCode))
	}

	var s Schema
	if err := json.Unmarshal(body, &s); err != nil {
		return Schema{}, bierrors.Wrap(bierrors.KindSchema, err, "decode schema registry response")
	}
	s.ID = id
	c.cache.Add(id, s)
	return s, nil
}

// CheckCompatibility registers or validates a schema for a subject prior to
// a producer publishing under it. Not used by the consumer path; exposed
// for administrative tooling.
func (c *Client) CheckCompatibility(ctx context.Context, subject string, raw []byte) (bool, error) {
	url := fmt.Sprintf("%s/compatibility/subjects/%s/versions/latest", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return false, bierrors.Wrap(bierrors.KindSchema, err, "build compatibility request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, bierrors.Wrap(bierrors.KindTransport, err, "schema registry unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, bierrors.New(bierrors.KindTransport, fmt.Sprintf("schema registry returned %d", resp.StatusCode))
	}

	var out struct {
		IsCompatible bool `json:"is_compatible"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, bierrors.Wrap(bierrors.KindSchema, err, "decode compatibility response")
	}
	return out.IsCompatible, nil
}

// Ping verifies the registry is reachable at startup. Per spec §6,
// permanent unavailability at startup is fatal; callers should exit with
// status 3 when this fails before the consumer begins reading.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/subjects", nil)
	if err != nil {
		return bierrors.Wrap(bierrors.KindConfig, err, "build ping request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransport, err, "schema registry unreachable at startup")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return bierrors.New(bierrors.KindTransport, fmt.Sprintf("schema registry returned %d at startup", resp.StatusCode))
	}
	return nil
}

