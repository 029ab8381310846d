// Copyright 2025 James Ross
// Package store implements the Persistent Store component: partitioned
// staging tables, the event log, schedules, refresh records, and catalog
// metadata, against PostgreSQL.
package store

import (
	"encoding/json"
	"time"
)

// ProcessingStatus is the terminal state of an EventLogEntry.
type ProcessingStatus string

const (
	StatusProcessed ProcessingStatus = "processed"
	StatusSkipped   ProcessingStatus = "skipped"
	StatusFailed    ProcessingStatus = "failed"
)

// EventLogEntry is written in the same transaction as the staging row (or
// standalone when an event is skipped as a duplicate or rejected).
type EventLogEntry struct {
	EventID          string           `db:"event_id"`
	Topic            string           `db:"topic"`
	Partition        int              `db:"partition"`
	Offset           int64            `db:"offset"`
	TenantID         string           `db:"tenant_id"`
	ProcessingStatus ProcessingStatus `db:"processing_status"`
	ProcessedAt      time.Time        `db:"processed_at"`
	ErrorMessage     *string          `db:"error_message"`
	RetryCount       int              `db:"retry_count"`
}

// StagingRow lands a validated event into its kind-specific staging table.
// Kind-specific columns live in Payload; the envelope columns are common to
// every staging table per spec §6 "Persisted state layout".
type StagingRow struct {
	EventID       string          `db:"event_id"`
	TenantID      string          `db:"tenant_id"`
	EventTimestamp time.Time      `db:"event_timestamp"`
	EventType     string          `db:"event_type"`
	ProcessedAt   time.Time       `db:"processed_at"`
	PayloadJSON   json.RawMessage `db:"payload_json"`
}

// Schedule drives the cron-style recurrence evaluator.
type Schedule struct {
	ScheduleID  string    `db:"schedule_id"`
	CronExpr    string    `db:"cron_expr"`
	Queue       string    `db:"template_queue"`
	JobKind     string    `db:"template_kind"`
	Payload     json.RawMessage `db:"template_payload"`
	TenantID    string    `db:"tenant_id"`
	Enabled     bool      `db:"enabled"`
	LastFiredAt *time.Time `db:"last_fired_at"`
	NextFireAt  time.Time `db:"next_fire_at"`
}

// RefreshRecord is updated exclusively by the refresh_view handler.
type RefreshRecord struct {
	ViewName              string     `db:"view_name"`
	LastRefreshedAt       *time.Time `db:"last_refreshed_at"`
	LastSuccessDurationMS *int64     `db:"last_success_duration_ms"`
	LastError             *string    `db:"last_error"`
}

// Dataset is a catalog entry discovered by catalog_discovery.
type Dataset struct {
	DatasetID   string    `db:"dataset_id"`
	ConnectorID string    `db:"connector_id"`
	SchemaName  string    `db:"schema_name"`
	TableName   string    `db:"table_name"`
	TenantID    string    `db:"tenant_id"`
	DiscoveredAt time.Time `db:"discovered_at"`
}

// ColumnProfile is one column's statistics from catalog_profile. Persisted
// individually so a failure on one column does not abort the others.
type ColumnProfile struct {
	DatasetID    string    `db:"dataset_id"`
	ColumnName   string    `db:"column_name"`
	DataType     string    `db:"data_type"`
	NullCount    int64     `db:"null_count"`
	DistinctCount int64    `db:"distinct_count"`
	MinValue     *string   `db:"min_value"`
	MaxValue     *string   `db:"max_value"`
	PIIClass     *string   `db:"pii_class"`
	ProfiledAt   time.Time `db:"profiled_at"`
}

// ExportRecord tracks export_render's materialized artifact.
type ExportRecord struct {
	ExportJobID string     `db:"export_job_id"`
	TenantID    string     `db:"tenant_id"`
	BlobKey     string     `db:"blob_key"`
	SignedURL   string     `db:"signed_url"`
	URLExpiresAt time.Time `db:"url_expires_at"`
	RenderedAt  time.Time  `db:"rendered_at"`
}

// ReportGenerationRecord tracks report_generate's output.
type ReportGenerationRecord struct {
	ReportID    string    `db:"report_id"`
	DeliveryID  string    `db:"delivery_id"`
	BlobKey     string    `db:"blob_key"`
	GeneratedAt time.Time `db:"generated_at"`
}

// AlertNotificationRecord records one channel dispatch for alert_evaluate.
type AlertNotificationRecord struct {
	AlertID   string    `db:"alert_id"`
	Channel   string    `db:"channel"`
	Triggered bool      `db:"triggered"`
	SentAt    time.Time `db:"sent_at"`
	Detail    string    `db:"detail"`
}
