// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique-constraint hit
// (spec §4.2 step 4: "On unique-constraint violation ... skipped_duplicate").
const uniqueViolation = "23505"

// Store wraps the relational Persistent Store: staging tables, event log,
// schedules, refresh records, and catalog metadata.
type Store struct {
	db *sqlx.DB
}

// New opens a pooled PostgreSQL connection per the configured DSN.
func New(cfg *config.Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindConfig, err, "connect postgres")
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open connection, for tests and for callers
// that manage the pool themselves.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// Outcome mirrors the ingestion handler's accept() result per spec §4.2.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeFailedTransient  Outcome = "failed_transient"
	OutcomeFailedPermanent  Outcome = "failed_permanent"
)

// stagingTableFor maps an event_kind to its physical staging table. A real
// deployment adds one branch per kind-specific schema; unregistered kinds
// are a permanent failure so catalog changes are explicit.
func stagingTableFor(eventKind string) (string, bool) {
	switch eventKind {
	case "lead.created", "lead.updated":
		return "staging_leads", true
	case "contact.created", "contact.updated":
		return "staging_contacts", true
	case "opportunity.created", "opportunity.won", "opportunity.lost":
		return "staging_opportunities", true
	default:
		return "", false
	}
}

// InsertStagingAndLog implements the ingestion handler's core algorithm
// (spec §4.2): insert the staging row and event-log row in one transaction,
// treating a unique-constraint hit on event_id as a duplicate.
func (s *Store) InsertStagingAndLog(ctx context.Context, eventKind string, row StagingRow, logEntry EventLogEntry) (Outcome, error) {
	table, ok := stagingTableFor(eventKind)
	if !ok {
		logEntry.ProcessingStatus = StatusFailed
		msg := fmt.Sprintf("unknown event_kind %q", eventKind)
		logEntry.ErrorMessage = &msg
		if err := s.insertLogOnly(ctx, logEntry); err != nil {
			return OutcomeFailedTransient, err
		}
		return OutcomeFailedPermanent, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return OutcomeFailedTransient, bierrors.Wrap(bierrors.KindTransientStorage, err, "begin ingest tx")
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (event_id, tenant_id, event_timestamp, event_type, processed_at, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, table)
	_, err = tx.ExecContext(ctx, insertSQL, row.EventID, row.TenantID, row.EventTimestamp, row.EventType, row.ProcessedAt, []byte(row.PayloadJSON))
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			logEntry.ProcessingStatus = StatusSkipped
			if err := s.insertLogOnly(ctx, logEntry); err != nil {
				return OutcomeFailedTransient, err
			}
			return OutcomeSkippedDuplicate, nil
		}
		if isPartitionMissing(err) {
			logEntry.ProcessingStatus = StatusFailed
			msg := "partition_missing"
			logEntry.ErrorMessage = &msg
			if err := s.insertLogOnly(ctx, logEntry); err != nil {
				return OutcomeFailedTransient, err
			}
			return OutcomeFailedPermanent, nil
		}
		if isConstraintViolation(err) {
			logEntry.ProcessingStatus = StatusFailed
			msg := err.Error()
			logEntry.ErrorMessage = &msg
			if err := s.insertLogOnly(ctx, logEntry); err != nil {
				return OutcomeFailedTransient, err
			}
			return OutcomeFailedPermanent, nil
		}
		return OutcomeFailedTransient, bierrors.Wrap(bierrors.KindTransientStorage, err, "insert staging row")
	}

	logEntry.ProcessingStatus = StatusProcessed
	if err := s.insertLogTx(ctx, tx, logEntry); err != nil {
		tx.Rollback()
		return OutcomeFailedTransient, err
	}
	if err := tx.Commit(); err != nil {
		return OutcomeFailedTransient, bierrors.Wrap(bierrors.KindTransientStorage, err, "commit ingest tx")
	}
	return OutcomeProcessed, nil
}

func (s *Store) insertLogTx(ctx context.Context, tx *sqlx.Tx, e EventLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (event_id, topic, partition, "offset", tenant_id, processing_status, processed_at, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.EventID, e.Topic, e.Partition, e.Offset, e.TenantID, e.ProcessingStatus, e.ProcessedAt, e.ErrorMessage, e.RetryCount)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "insert event log")
	}
	return nil
}

// InsertLogOnly writes a standalone event-log row with no corresponding
// staging row, used for permanent rejections (e.g. a missing tenant_id)
// that never reach the staging insert.
func (s *Store) InsertLogOnly(ctx context.Context, e EventLogEntry) error {
	return s.insertLogOnly(ctx, e)
}

func (s *Store) insertLogOnly(ctx context.Context, e EventLogEntry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, topic, partition, "offset", tenant_id, processing_status, processed_at, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.EventID, e.Topic, e.Partition, e.Offset, e.TenantID, e.ProcessingStatus, e.ProcessedAt, e.ErrorMessage, e.RetryCount)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "insert standalone event log")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// isPartitionMissing reports a write rejected because its target range
// partition no longer exists (dropped by retention). PostgreSQL rejects
// these as a check_violation (23514) on declarative-partitioned parents
// when no partition covers the key.
func isPartitionMissing(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23514" || pqErr.Code == "23P01"
	}
	return false
}

func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return true
		}
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UpsertSchedule creates or updates a Schedule row.
func (s *Store) UpsertSchedule(ctx context.Context, sch Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (schedule_id, cron_expr, template_queue, template_kind, template_payload, tenant_id, enabled, next_fire_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (schedule_id) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			template_queue = EXCLUDED.template_queue,
			template_kind = EXCLUDED.template_kind,
			template_payload = EXCLUDED.template_payload,
			tenant_id = EXCLUDED.tenant_id,
			enabled = EXCLUDED.enabled,
			next_fire_at = EXCLUDED.next_fire_at
	`, sch.ScheduleID, sch.CronExpr, sch.Queue, sch.JobKind, []byte(sch.Payload), sch.TenantID, sch.Enabled, sch.NextFireAt)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "upsert schedule")
	}
	return nil
}

// DueSchedules returns enabled schedules whose next_fire_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	var out []Schedule
	err := s.db.SelectContext(ctx, &out, `
		SELECT schedule_id, cron_expr, template_queue, template_kind, template_payload, tenant_id, enabled, last_fired_at, next_fire_at
		FROM schedules WHERE enabled = true AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
	`, now)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "query due schedules")
	}
	return out, nil
}

// AdvanceSchedule records a fire and sets the next boundary. Transactional
// per schedule, per spec §4.4's "all schedule advances are transactional".
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID string, firedAt, nextFireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_fired_at = $1, next_fire_at = $2 WHERE schedule_id = $3
	`, firedAt, nextFireAt, scheduleID)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "advance schedule")
	}
	return nil
}

// ListSchedules lists schedules, optionally filtered by enabled state.
func (s *Store) ListSchedules(ctx context.Context, enabled *bool) ([]Schedule, error) {
	var out []Schedule
	var err error
	if enabled == nil {
		err = s.db.SelectContext(ctx, &out, `SELECT schedule_id, cron_expr, template_queue, template_kind, template_payload, tenant_id, enabled, last_fired_at, next_fire_at FROM schedules ORDER BY schedule_id`)
	} else {
		err = s.db.SelectContext(ctx, &out, `SELECT schedule_id, cron_expr, template_queue, template_kind, template_payload, tenant_id, enabled, last_fired_at, next_fire_at FROM schedules WHERE enabled = $1 ORDER BY schedule_id`, *enabled)
	}
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindTransientStorage, err, "list schedules")
	}
	return out, nil
}

func (s *Store) DisableSchedule(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = false WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "disable schedule")
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "delete schedule")
	}
	return nil
}

// UpdateRefreshRecord is written exclusively by the refresh_view handler.
func (s *Store) UpdateRefreshRecord(ctx context.Context, viewName string, durationMS int64, refreshErr error) error {
	var errMsg *string
	if refreshErr != nil {
		m := refreshErr.Error()
		errMsg = &m
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_records (view_name, last_refreshed_at, last_success_duration_ms, last_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (view_name) DO UPDATE SET
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			last_success_duration_ms = EXCLUDED.last_success_duration_ms,
			last_error = EXCLUDED.last_error
	`, viewName, now, durationMS, errMsg)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "update refresh record")
	}
	return nil
}

// UpsertDataset records a dataset discovered by catalog_discovery.
func (s *Store) UpsertDataset(ctx context.Context, d Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (dataset_id, connector_id, schema_name, table_name, tenant_id, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dataset_id) DO UPDATE SET
			schema_name = EXCLUDED.schema_name, table_name = EXCLUDED.table_name, discovered_at = EXCLUDED.discovered_at
	`, d.DatasetID, d.ConnectorID, d.SchemaName, d.TableName, d.TenantID, d.DiscoveredAt)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "upsert dataset")
	}
	return nil
}

// UpsertColumnProfile persists one column's profile. Caller is expected to
// call this per-column so that one column's failure doesn't abort others.
func (s *Store) UpsertColumnProfile(ctx context.Context, p ColumnProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO column_profiles (dataset_id, column_name, data_type, null_count, distinct_count, min_value, max_value, pii_class, profiled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset_id, column_name) DO UPDATE SET
			data_type = EXCLUDED.data_type, null_count = EXCLUDED.null_count, distinct_count = EXCLUDED.distinct_count,
			min_value = EXCLUDED.min_value, max_value = EXCLUDED.max_value, pii_class = EXCLUDED.pii_class, profiled_at = EXCLUDED.profiled_at
	`, p.DatasetID, p.ColumnName, p.DataType, p.NullCount, p.DistinctCount, p.MinValue, p.MaxValue, p.PIIClass, p.ProfiledAt)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "upsert column profile")
	}
	return nil
}

// RecordExport persists the export_render handler's materialized artifact location.
func (s *Store) RecordExport(ctx context.Context, r ExportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_records (export_job_id, tenant_id, blob_key, signed_url, url_expires_at, rendered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (export_job_id) DO UPDATE SET
			blob_key = EXCLUDED.blob_key, signed_url = EXCLUDED.signed_url, url_expires_at = EXCLUDED.url_expires_at, rendered_at = EXCLUDED.rendered_at
	`, r.ExportJobID, r.TenantID, r.BlobKey, r.SignedURL, r.URLExpiresAt, r.RenderedAt)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "record export")
	}
	return nil
}

// RecordReportGeneration persists report_generate's generation row.
func (s *Store) RecordReportGeneration(ctx context.Context, r ReportGenerationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_generations (report_id, delivery_id, blob_key, generated_at)
		VALUES ($1, $2, $3, $4)
	`, r.ReportID, r.DeliveryID, r.BlobKey, r.GeneratedAt)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "record report generation")
	}
	return nil
}

// RecordAlertNotification persists one channel dispatch row for alert_evaluate.
func (s *Store) RecordAlertNotification(ctx context.Context, r AlertNotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_notifications (alert_id, channel, triggered, sent_at, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, r.AlertID, r.Channel, r.Triggered, r.SentAt, r.Detail)
	if err != nil {
		return bierrors.Wrap(bierrors.KindTransientStorage, err, "record alert notification")
	}
	return nil
}

// MarshalPayload is a small helper for handlers building a StagingRow/template payload.
func MarshalPayload(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

var _ = sql.ErrNoRows
