// Copyright 2025 James Ross
// Package warehouse executes analytical queries against ClickHouse on
// behalf of the refresh_view, catalog_discovery, catalog_profile, and
// report_generate job handlers.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
)

// Warehouse is a pooled connection to the analytical store.
type Warehouse struct {
	db      *sql.DB
	timeout time.Duration
}

func New(cfg *config.Config) (*Warehouse, error) {
	opts, err := clickhouse.ParseDSN(cfg.Warehouse.DSN)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindConfig, err, "parse warehouse dsn")
	}
	db := clickhouse.OpenDB(opts)
	if err := db.Ping(); err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransport, err, "connect warehouse")
	}
	timeout := cfg.Warehouse.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Warehouse{db: db, timeout: timeout}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.timeout)
}

// RefreshMaterializedView issues the OPTIMIZE/refresh statement backing a
// refresh_view job. ClickHouse has no native materialized-view refresh
// verb for a MergeTree target; OPTIMIZE ... FINAL forces the merge that
// makes the latest inserted data queryable as a single logical state.
func (w *Warehouse) RefreshMaterializedView(ctx context.Context, viewName string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	_, err := w.db.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s FINAL", viewName))
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "refresh view "+viewName)
	}
	return nil
}

// ConnectorTable is one row returned by discovering a connector's schema.
type ConnectorTable struct {
	SchemaName string
	TableName  string
}

// DiscoverTables lists tables visible to a connector, honoring an optional
// schema filter, for catalog_discovery.
func (w *Warehouse) DiscoverTables(ctx context.Context, schemaFilter string) ([]ConnectorTable, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	query := "SELECT database, name FROM system.tables WHERE database NOT IN ('system', 'information_schema')"
	args := []interface{}{}
	if schemaFilter != "" {
		query += " AND database = ?"
		args = append(args, schemaFilter)
	}
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "discover tables")
	}
	defer rows.Close()

	var out []ConnectorTable
	for rows.Next() {
		var t ConnectorTable
		if err := rows.Scan(&t.SchemaName, &t.TableName); err != nil {
			return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "scan discovered table")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ColumnStats is one column's profile, computed for catalog_profile.
type ColumnStats struct {
	ColumnName    string
	DataType      string
	NullCount     int64
	DistinctCount int64
	MinValue      *string
	MaxValue      *string
}

// ProfileColumn computes one column's statistics. Callers call this once
// per column so a single column's failure (e.g. an unsupported type for
// MIN/MAX) doesn't abort the rest of the profile.
func (w *Warehouse) ProfileColumn(ctx context.Context, schemaName, tableName, columnName, dataType string) (ColumnStats, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT countIf(%[1]s IS NULL), uniqExact(%[1]s), toString(min(%[1]s)), toString(max(%[1]s)) FROM %[2]s.%[3]s`,
		columnName, schemaName, tableName,
	)
	stats := ColumnStats{ColumnName: columnName, DataType: dataType}
	var minVal, maxVal sql.NullString
	row := w.db.QueryRowContext(ctx, query)
	if err := row.Scan(&stats.NullCount, &stats.DistinctCount, &minVal, &maxVal); err != nil {
		return ColumnStats{}, bierrors.Wrap(bierrors.KindTransientStorage, err, "profile column "+columnName)
	}
	if minVal.Valid {
		stats.MinValue = &minVal.String
	}
	if maxVal.Valid {
		stats.MaxValue = &maxVal.String
	}
	return stats, nil
}

// Query runs an arbitrary read query for report_generate, returning raw
// rows; the caller must Close() them and is responsible for its own
// timeout via ctx, since rows are consumed after this call returns.
func (w *Warehouse) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "warehouse query")
	}
	return rows, nil
}
