// Copyright 2025 James Ross
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
)

// CatalogDiscoveryPayload is catalog_discovery(connector_id, schema_filter?, table_pattern?).
type CatalogDiscoveryPayload struct {
	ConnectorID  string `json:"connector_id"`
	SchemaFilter string `json:"schema_filter,omitempty"`
	TablePattern string `json:"table_pattern,omitempty"`
}

// CatalogDiscoveryHandler enumerates datasets from the warehouse and
// upserts metadata rows. Runs sequentially per connector: the job's
// per-connector dedup key (set at enqueue time) keeps two discovery runs
// for the same connector from racing.
type CatalogDiscoveryHandler struct {
	warehouse *warehouse.Warehouse
	store     *store.Store
}

func NewCatalogDiscoveryHandler(wh *warehouse.Warehouse, st *store.Store) *CatalogDiscoveryHandler {
	return &CatalogDiscoveryHandler{warehouse: wh, store: st}
}

func (h *CatalogDiscoveryHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p CatalogDiscoveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode catalog_discovery payload")
	}
	if p.ConnectorID == "" {
		return "", bierrors.New(bierrors.KindPermanentHandler, "catalog_discovery requires connector_id")
	}

	tables, err := h.warehouse.DiscoverTables(ctx, p.SchemaFilter)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	upserted := 0
	for _, t := range tables {
		if p.TablePattern != "" {
			matched, err := doublestar.Match(p.TablePattern, t.TableName)
			if err != nil {
				return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "invalid table_pattern")
			}
			if !matched {
				continue
			}
		}

		ds := store.Dataset{
			DatasetID:    fmt.Sprintf("%s.%s.%s", p.ConnectorID, t.SchemaName, t.TableName),
			ConnectorID:  p.ConnectorID,
			SchemaName:   t.SchemaName,
			TableName:    t.TableName,
			TenantID:     job.TenantID,
			DiscoveredAt: now,
		}
		if err := h.store.UpsertDataset(ctx, ds); err != nil {
			return "", err
		}
		upserted++
	}

	return fmt.Sprintf("discovered %d datasets for connector %s", upserted, p.ConnectorID), nil
}
