// Copyright 2025 James Ross
// Package ingest implements the Ingestion Handler: accept(event, origin)
// per spec §4.2, bridging decoded stream records into the Persistent Store.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/stream"
	"go.uber.org/zap"
)

// Origin identifies where a record came from, for offset bookkeeping and
// the event log's topic/partition/offset columns.
type Origin struct {
	Topic     string
	Partition int
	Offset    int64
}

// Handler is the Ingestion Handler component.
type Handler struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Handler {
	return &Handler{store: st, log: log}
}

// Accept implements spec §4.2's algorithm:
//  1. tenant_id is required; its absence is a permanent failure.
//  2. compute event_id (carried on the envelope already).
//  3. insert the staging row and event-log row transactionally; a
//     unique-constraint hit on event_id is a duplicate, not an error.
//  4. transient storage errors propagate without advancing the offset;
//     everything else (processed, duplicate, or a non-duplicate permanent
//     rejection) advances it.
func (h *Handler) Accept(ctx context.Context, env stream.Envelope, origin Origin) (store.Outcome, error) {
	if env.TenantID == "" {
		h.log.Warn("event missing tenant_id, permanent failure", zap.String("event_id", env.EventID))
		err := h.store.InsertLogOnly(ctx, store.EventLogEntry{
			EventID:          env.EventID,
			Topic:            origin.Topic,
			Partition:        origin.Partition,
			Offset:           origin.Offset,
			TenantID:         "",
			ProcessingStatus: store.StatusFailed,
			ProcessedAt:      time.Now().UTC(),
			ErrorMessage:     strPtr("missing tenant_id"),
		})
		if err != nil {
			return store.OutcomeFailedTransient, err
		}
		return store.OutcomeFailedPermanent, nil
	}

	row := store.StagingRow{
		EventID:        env.EventID,
		TenantID:       env.TenantID,
		EventTimestamp: env.Timestamp,
		EventType:      env.EventType,
		ProcessedAt:    time.Now().UTC(),
		PayloadJSON:    env.Data,
	}
	logEntry := store.EventLogEntry{
		EventID:   env.EventID,
		Topic:     origin.Topic,
		Partition: origin.Partition,
		Offset:    origin.Offset,
		TenantID:  env.TenantID,
	}

	outcome, err := h.store.InsertStagingAndLog(ctx, env.EventType, row, logEntry)
	if err != nil {
		return store.OutcomeFailedTransient, err
	}
	return outcome, nil
}

// AsHandleFunc adapts Accept to stream.HandleFunc, translating an
// ingestion outcome back into the retryable/permanent distinction the
// consumer's ack/nak logic expects.
func (h *Handler) AsHandleFunc() stream.HandleFunc {
	return func(ctx context.Context, env stream.Envelope, topic string, partition int, offset int64) error {
		outcome, err := h.Accept(ctx, env, Origin{Topic: topic, Partition: partition, Offset: offset})
		if err != nil {
			return err
		}
		switch outcome {
		case store.OutcomeProcessed, store.OutcomeSkippedDuplicate, store.OutcomeFailedPermanent:
			return nil
		case store.OutcomeFailedTransient:
			return bierrors.New(bierrors.KindTransientStorage, fmt.Sprintf("transient failure ingesting %s", env.EventID))
		default:
			return nil
		}
	}
}

func strPtr(s string) *string { return &s }
