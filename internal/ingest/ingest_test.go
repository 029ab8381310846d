// Copyright 2025 James Ross
package ingest

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/stream"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewFromDB(sqlx.NewDb(db, "postgres"))
	return New(st, zap.NewNop()), mock
}

func TestAcceptMissingTenantIsPermanent(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))

	outcome, err := h.Accept(context.Background(), stream.Envelope{EventID: "e1", EventType: "lead.created", Timestamp: time.Now()}, Origin{Topic: "leads", Partition: 0, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeFailedPermanent, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptProcessesValidEvent(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO staging_leads`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	env := stream.Envelope{EventID: "e2", EventType: "lead.created", TenantID: "t1", Timestamp: time.Now(), Data: []byte(`{}`)}
	outcome, err := h.Accept(context.Background(), env, Origin{Topic: "leads", Partition: 0, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeProcessed, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAsHandleFuncAcksOnPermanentFailure(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectExec(`INSERT INTO event_log`).WillReturnResult(sqlmock.NewResult(1, 1))

	fn := h.AsHandleFunc()
	err := fn(context.Background(), stream.Envelope{EventID: "e3", EventType: "lead.created"}, "leads", 0, 7)
	require.NoError(t, err, "permanent failures should not be retried")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAsHandleFuncThreadsStreamOffsetIntoOrigin guards against the offset
// silently defaulting to 0: the consumer-observed stream sequence number
// must reach the event_log row's offset column.
func TestAsHandleFuncThreadsStreamOffsetIntoOrigin(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectExec(`INSERT INTO event_log`).
		WithArgs("e4", "leads", 3, int64(42), "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	fn := h.AsHandleFunc()
	err := fn(context.Background(), stream.Envelope{EventID: "e4", EventType: "lead.created"}, "leads", 3, 42)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
