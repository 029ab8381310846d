// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/queue"
)

// CrmIngestOffsetPayload is crm_ingest_offset(topic, partition, offset): an
// explicit replay hook that repositions a consumer to re-read a range.
type CrmIngestOffsetPayload struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Repositioner moves a partition's consumer cursor, implemented by
// whichever stream consumer owns that partition.
type Repositioner interface {
	SeekToOffset(ctx context.Context, topic string, partition int, offset int64) error
}

// CrmIngestOffsetHandler drives a manual offset replay, used by operators
// to re-process a range after a downstream fix.
type CrmIngestOffsetHandler struct {
	repositioner Repositioner
}

func NewCrmIngestOffsetHandler(r Repositioner) *CrmIngestOffsetHandler {
	return &CrmIngestOffsetHandler{repositioner: r}
}

func (h *CrmIngestOffsetHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p CrmIngestOffsetPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode crm_ingest_offset payload")
	}
	if p.Topic == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "crm_ingest_offset requires topic")
	}

	if err := h.repositioner.SeekToOffset(ctx, p.Topic, p.Partition, p.Offset); err != nil {
		return "", err
	}
	return fmt.Sprintf("repositioned %s:%d to offset %d", p.Topic, p.Partition, p.Offset), nil
}
