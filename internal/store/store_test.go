// Copyright 2025 James Ross
package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestInsertStagingAndLogProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO staging_leads`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := s.InsertStagingAndLog(ctx, "lead.created",
		StagingRow{EventID: "evt-1", TenantID: "t1", EventTimestamp: now, EventType: "lead.created", ProcessedAt: now, PayloadJSON: []byte(`{}`)},
		EventLogEntry{EventID: "evt-1", Topic: "leads", Partition: 0, Offset: 1, TenantID: "t1"},
	)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStagingAndLogDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO staging_leads`).WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))

	outcome, err := s.InsertStagingAndLog(ctx, "lead.created",
		StagingRow{EventID: "evt-1", TenantID: "t1", EventTimestamp: now, EventType: "lead.created", ProcessedAt: now, PayloadJSON: []byte(`{}`)},
		EventLogEntry{EventID: "evt-1", Topic: "leads", Partition: 0, Offset: 2, TenantID: "t1"},
	)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkippedDuplicate, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStagingAndLogUnknownKindIsPermanent(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))

	outcome, err := s.InsertStagingAndLog(ctx, "unknown.kind",
		StagingRow{EventID: "evt-2", TenantID: "t1", EventTimestamp: now, EventType: "unknown.kind", ProcessedAt: now, PayloadJSON: []byte(`{}`)},
		EventLogEntry{EventID: "evt-2", Topic: "misc", Partition: 0, Offset: 3, TenantID: "t1"},
	)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailedPermanent, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertScheduleAndAdvance(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.UpsertSchedule(ctx, Schedule{ScheduleID: "sch-1", CronExpr: "*/5 * * * *", Queue: "reports", JobKind: "report_generate", Payload: []byte(`{}`), TenantID: "t1", Enabled: true, NextFireAt: now})
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE schedules SET last_fired_at`).WillReturnResult(sqlmock.NewResult(1, 1))
	err = s.AdvanceSchedule(ctx, "sch-1", now, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
