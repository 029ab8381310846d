// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
	"github.com/google/uuid"
)

// ReportGeneratePayload is report_generate(report_id).
type ReportGeneratePayload struct {
	ReportID string   `json:"report_id"`
	Title    string   `json:"title"`
	Queries  []string `json:"queries"`
}

// ReportGenerateHandler composes metrics from one or more queries into a
// narrative artifact and attaches it to a delivery.
type ReportGenerateHandler struct {
	warehouse *warehouse.Warehouse
	blob      *BlobStore
	store     *store.Store
}

func NewReportGenerateHandler(wh *warehouse.Warehouse, blob *BlobStore, st *store.Store) *ReportGenerateHandler {
	return &ReportGenerateHandler{warehouse: wh, blob: blob, store: st}
}

func (h *ReportGenerateHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p ReportGeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode report_generate payload")
	}
	if p.ReportID == "" || len(p.Queries) == 0 {
		return "", bierrors.New(bierrors.KindPermanentHandler, "report_generate requires report_id and queries")
	}

	var narrative strings.Builder
	fmt.Fprintf(&narrative, "# %s\n\n", defaultTitle(p.Title, p.ReportID))

	for i, q := range p.Queries {
		section, err := h.renderSection(ctx, i, q)
		if err != nil {
			return "", err
		}
		narrative.WriteString(section)
	}

	now := time.Now().UTC()
	deliveryID := uuid.NewString()
	key := ObjectKey("reports", p.ReportID, now)
	_, _, err := h.blob.PutObject(ctx, key, []byte(narrative.String()), "text/markdown")
	if err != nil {
		return "", err
	}

	if err := h.store.RecordReportGeneration(ctx, store.ReportGenerationRecord{
		ReportID:    p.ReportID,
		DeliveryID:  deliveryID,
		BlobKey:     key,
		GeneratedAt: now,
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("generated report %s, delivery %s, at %s", p.ReportID, deliveryID, key), nil
}

func (h *ReportGenerateHandler) renderSection(ctx context.Context, index int, query string) (string, error) {
	rows, err := h.warehouse.Query(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "read report section columns")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Section %d\n\n%s\n", index+1, strings.Join(cols, " | "))

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", bierrors.Wrap(bierrors.KindTransientStorage, err, "scan report row")
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%v", v)
		}
		sb.WriteString(strings.Join(parts, " | "))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String(), rows.Err()
}

func defaultTitle(title, reportID string) string {
	if title != "" {
		return title
	}
	return "Report " + reportID
}
