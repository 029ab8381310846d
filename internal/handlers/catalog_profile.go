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
	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"
)

// CatalogProfilePayload is catalog_profile(dataset_ids, include_pii_detection).
type CatalogProfilePayload struct {
	DatasetIDs         []string `json:"dataset_ids"`
	IncludePIIDetection bool    `json:"include_pii_detection"`
}

var piiColumnTerms = []string{"email", "ssn", "phone", "address", "dob", "birthdate", "passport", "credit_card"}

// classifyPII fuzzy-matches a column name against known PII vocabulary.
// Exact domain-specific classifiers belong to a dedicated PII service;
// this is the coarse heuristic catalog_profile applies inline.
func classifyPII(columnName string) *string {
	lower := strings.ToLower(columnName)
	for _, term := range piiColumnTerms {
		if fuzzy.Match(term, lower) || strings.Contains(lower, term) {
			class := term
			return &class
		}
	}
	return nil
}

// CatalogProfileHandler samples datasets and persists per-column
// statistics. Each column is profiled and persisted independently so one
// column's failure doesn't abort the rest (spec §4.6).
type CatalogProfileHandler struct {
	warehouse *warehouse.Warehouse
	store     *store.Store
	log       *zap.Logger
}

func NewCatalogProfileHandler(wh *warehouse.Warehouse, st *store.Store, log *zap.Logger) *CatalogProfileHandler {
	return &CatalogProfileHandler{warehouse: wh, store: st, log: log}
}

func (h *CatalogProfileHandler) Handle(ctx context.Context, job queue.Job) (string, error) {
	var p CatalogProfilePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", bierrors.Wrap(bierrors.KindPermanentHandler, err, "decode catalog_profile payload")
	}
	if len(p.DatasetIDs) == 0 {
		return "", bierrors.New(bierrors.KindPermanentHandler, "catalog_profile requires dataset_ids")
	}

	profiled, failed := 0, 0
	for _, datasetID := range p.DatasetIDs {
		schemaName, tableName, columns, err := h.columnsFor(ctx, datasetID)
		if err != nil {
			h.log.Warn("skipping dataset, could not resolve columns", zap.String("dataset_id", datasetID), zap.Error(err))
			failed++
			continue
		}

		for _, col := range columns {
			stats, err := h.warehouse.ProfileColumn(ctx, schemaName, tableName, col, "")
			if err != nil {
				h.log.Warn("column profile failed, continuing", zap.String("dataset_id", datasetID), zap.String("column", col), zap.Error(err))
				failed++
				continue
			}

			record := store.ColumnProfile{
				DatasetID:     datasetID,
				ColumnName:    col,
				DataType:      stats.DataType,
				NullCount:     stats.NullCount,
				DistinctCount: stats.DistinctCount,
				MinValue:      stats.MinValue,
				MaxValue:      stats.MaxValue,
				ProfiledAt:    time.Now().UTC(),
			}
			if p.IncludePIIDetection {
				record.PIIClass = classifyPII(col)
			}
			if err := h.store.UpsertColumnProfile(ctx, record); err != nil {
				h.log.Warn("persisting column profile failed, continuing", zap.String("dataset_id", datasetID), zap.String("column", col), zap.Error(err))
				failed++
				continue
			}
			profiled++
		}
	}

	return fmt.Sprintf("profiled %d columns, %d failures", profiled, failed), nil
}

// columnsFor resolves a dataset's schema/table and column list. Datasets
// are keyed "connector.schema.table" by catalog_discovery.
func (h *CatalogProfileHandler) columnsFor(ctx context.Context, datasetID string) (schemaName, tableName string, columns []string, err error) {
	parts := strings.SplitN(datasetID, ".", 3)
	if len(parts) != 3 {
		return "", "", nil, bierrors.New(bierrors.KindPermanentHandler, "malformed dataset_id "+datasetID)
	}
	schemaName, tableName = parts[1], parts[2]

	tables, err := h.warehouse.DiscoverTables(ctx, schemaName)
	if err != nil {
		return "", "", nil, err
	}
	found := false
	for _, t := range tables {
		if t.TableName == tableName {
			found = true
			break
		}
	}
	if !found {
		return "", "", nil, bierrors.New(bierrors.KindPermanentHandler, "dataset table not found: "+datasetID)
	}

	rows, err := h.warehouse.Query(ctx, "SELECT name FROM system.columns WHERE database = ? AND table = ?", schemaName, tableName)
	if err != nil {
		return "", "", nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", "", nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "scan column name")
		}
		columns = append(columns, name)
	}
	return schemaName, tableName, columns, rows.Err()
}
