// Copyright 2025 James Ross
// Package bierrors implements the error taxonomy shared across the
// ingestion pipeline, queue engine, scheduler, and cache orchestrator.
package bierrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy. Values are semantic, not HTTP codes.
type Kind int

const (
	// KindUnknown is the zero value; it should never appear on a wrapped Error.
	KindUnknown Kind = iota
	// KindConfig marks an invalid-at-startup condition; fatal.
	KindConfig
	// KindTransport marks a network failure talking to the log, store, cache, or registry.
	// Retryable with backoff; budgeted by the caller.
	KindTransport
	// KindSchema marks a record that failed schema validation; permanent for that record.
	KindSchema
	// KindDuplicateEvent marks an idempotency hit. Not an error to callers; recorded as skipped.
	KindDuplicateEvent
	// KindTransientStorage marks a deadlock, contention, or timeout; retryable bounded by
	// the job's attempt policy.
	KindTransientStorage
	// KindPermanentHandler marks a handler-signaled non-retryable failure; job moves to dead.
	KindPermanentHandler
	// KindDeadlineExceeded marks an operation that lost its lease or deadline.
	KindDeadlineExceeded
	// KindPoisonJob marks a job that exceeded max_attempts; dead-lettered with the last error preserved.
	KindPoisonJob
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindTransport:
		return "TransportError"
	case KindSchema:
		return "SchemaError"
	case KindDuplicateEvent:
		return "DuplicateEvent"
	case KindTransientStorage:
		return "TransientStorageError"
	case KindPermanentHandler:
		return "PermanentHandlerError"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindPoisonJob:
		return "PoisonJob"
	default:
		return "Unknown"
	}
}

// Error is the single wrapper type carried through the system. Every error
// that crosses a component boundary is either one of these, or gets
// classified into one on its way out.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	TenantID      string
	cause         error
}

func (e *Error) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("%s: %s (tenant=%s correlation=%s)", e.Kind, e.Message, e.TenantID, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s (correlation=%s)", e.Kind, e.Message, e.CorrelationID)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithCorrelation returns a copy annotated with a correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// WithTenant returns a copy annotated with a tenant id.
func (e *Error) WithTenant(id string) *Error {
	c := *e
	c.TenantID = id
	return &c
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err isn't a tagged Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the queue engine should retry a job that failed
// with this error rather than dead-lettering it immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTransientStorage, KindDeadlineExceeded:
		return true
	case KindPermanentHandler, KindPoisonJob, KindSchema, KindConfig:
		return false
	default:
		// Unclassified errors default to retryable; §9 says handlers must
		// convert exceptions into the taxonomy, but an escaped error from a
		// third-party client shouldn't silently dead-letter a job.
		return true
	}
}
