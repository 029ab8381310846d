// Copyright 2025 James Ross
package warehouse

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockWarehouse(t *testing.T) (*Warehouse, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Warehouse{db: db, timeout: time.Second}, mock
}

func TestRefreshMaterializedView(t *testing.T) {
	w, mock := newMockWarehouse(t)
	mock.ExpectExec(`OPTIMIZE TABLE mv_daily_revenue FINAL`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := w.RefreshMaterializedView(context.Background(), "mv_daily_revenue")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscoverTablesAppliesSchemaFilter(t *testing.T) {
	w, mock := newMockWarehouse(t)
	rows := sqlmock.NewRows([]string{"database", "name"}).
		AddRow("analytics", "leads").
		AddRow("analytics", "opportunities")
	mock.ExpectQuery(`SELECT database, name FROM system.tables`).
		WithArgs("analytics").
		WillReturnRows(rows)

	tables, err := w.DiscoverTables(context.Background(), "analytics")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "leads", tables[0].TableName)
}

func TestProfileColumn(t *testing.T) {
	w, mock := newMockWarehouse(t)
	rows := sqlmock.NewRows([]string{"nulls", "distinct", "min", "max"}).AddRow(int64(3), int64(100), "1", "999")
	mock.ExpectQuery(`SELECT countIf`).WillReturnRows(rows)

	stats, err := w.ProfileColumn(context.Background(), "analytics", "leads", "score", "Int32")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.NullCount)
	require.EqualValues(t, 100, stats.DistinctCount)
	require.Equal(t, "1", *stats.MinValue)
}
