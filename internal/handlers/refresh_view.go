// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/cacheorch"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
)

// RefreshViewPayload is the refresh_view(view_name) job payload.
type RefreshViewPayload struct {
	ViewName string `json:"view_name"`
}

// RefreshViewHandler invokes the pre-registered refresh statement, updates
// the refresh record, and invalidates dependent cache fingerprints.
// Concurrency is bounded by the job's own dedup key (= view_name), set at
// enqueue time, so two concurrent refreshes of the same view collapse into
// one (spec §4.6).
type RefreshViewHandler struct {
	warehouse *warehouse.Warehouse
	store     *store.Store
	cache     *cacheorch.Orchestrator
}

func NewRefreshViewHandler(wh *warehouse.Warehouse, st *store.Store, cache *cacheorch.Orchestrator) *RefreshViewHandler {
	return &RefreshViewHandler{warehouse: wh, store: st, cache: cache}
}

func (h *RefreshViewHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p RefreshViewPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode refresh_view payload")
	}
	if p.ViewName == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "refresh_view requires view_name")
	}

	start := time.Now()
	refreshErr := h.warehouse.RefreshMaterializedView(ctx, p.ViewName)
	duration := time.Since(start)

	if err := h.store.UpdateRefreshRecord(ctx, p.ViewName, duration.Milliseconds(), refreshErr); err != nil {
		return "", err
	}
	if refreshErr != nil {
		return "", refreshErr
	}

	if h.cache != nil {
		if err := h.cache.Invalidate(ctx, "view:"+p.ViewName); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("refreshed %s in %s", p.ViewName, duration), nil
}
