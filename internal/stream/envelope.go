// Copyright 2025 James Ross
// Package stream implements the partitioned-log consumer: partition
// assignment, binary/JSON decoding, and backpressure-aware fetch (spec §4.1).
package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON event envelope decoded records are normalized into
// before reaching the ingestion handler (spec §6 "Event envelope").
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	TenantID  string          `json:"tenantId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  struct {
		Source        string `json:"source"`
		Version       string `json:"version"`
		CorrelationID string `json:"correlationId,omitempty"`
	} `json:"metadata"`
}

// binaryFrameLen is the 5-byte framing prefix: {0x00, schema_id u32 BE}.
const binaryFrameLen = 5

// ResolveSchema looks up a schema by id, used to decode a binary-framed record.
type ResolveSchema func(schemaID uint32) (decodeBinary func([]byte) (Envelope, error), err error)

// Decode interprets a raw record per spec §6: a 5-byte prefix of
// {0x00, schema_id: u32 big-endian} indicates a registered binary schema;
// anything else is UTF-8 JSON. Decode failure is permanent for that record.
func Decode(raw []byte, resolve ResolveSchema) (Envelope, error) {
	if len(raw) >= binaryFrameLen && raw[0] == 0x00 {
		schemaID := binary.BigEndian.Uint32(raw[1:5])
		decodeBinary, err := resolve(schemaID)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode_failed: resolve schema %d: %w", schemaID, err)
		}
		env, err := decodeBinary(raw[binaryFrameLen:])
		if err != nil {
			return Envelope{}, fmt.Errorf("decode_failed: binary schema %d: %w", schemaID, err)
		}
		return env, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode_failed: %w", err)
	}
	return env, nil
}
