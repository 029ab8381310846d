// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
)

// ExportRenderPayload is export_render(export_job_id).
type ExportRenderPayload struct {
	ExportJobID string `json:"export_job_id"`
	Query       string `json:"query"`
}

// ExportRenderHandler materializes a query result into blob storage and
// records the signed URL.
type ExportRenderHandler struct {
	warehouse *warehouse.Warehouse
	blob      *BlobStore
	store     *store.Store
}

func NewExportRenderHandler(wh *warehouse.Warehouse, blob *BlobStore, st *store.Store) *ExportRenderHandler {
	return &ExportRenderHandler{warehouse: wh, blob: blob, store: st}
}

func (h *ExportRenderHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p ExportRenderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode export_render payload")
	}
	if p.ExportJobID == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "export_render requires export_job_id")
	}
	if p.Query == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "export_render requires query")
	}

	rows, err := h.warehouse.Query(ctx, p.Query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "read export columns")
	}

	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "scan export row")
		}
		record := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			record[c] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "iterate export rows")
	}

	body, err := json.Marshal(records)
	if err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "marshal export body")
	}

	now := time.Now().UTC()
	key := ObjectKey("exports", p.ExportJobID, now)
	signedURL, expiresAt, err := h.blob.PutObject(ctx, key, body, "application/json")
	if err != nil {
		return "", err
	}

	if err := h.store.RecordExport(ctx, store.ExportRecord{
		ExportJobID:  p.ExportJobID,
		TenantID:     job.TenantID,
		BlobKey:      key,
		SignedURL:    signedURL,
		URLExpiresAt: expiresAt,
		RenderedAt:   now,
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("rendered export %s (%d rows) to %s", p.ExportJobID, len(records), key), nil
}
