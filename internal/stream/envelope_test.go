// Copyright 2025 James Ross
package stream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJSONEnvelope(t *testing.T) {
	raw := []byte(`{"eventId":"e1","eventType":"lead.created","tenantId":"t1","timestamp":"2026-07-31T00:00:00Z","data":{"name":"a"},"metadata":{"source":"crm","version":"1"}}`)
	env, err := Decode(raw, nil)
	require.NoError(t, err)
	require.Equal(t, "e1", env.EventID)
	require.Equal(t, "t1", env.TenantID)
}

func TestDecodeBinaryFrameResolvesSchema(t *testing.T) {
	frame := make([]byte, 5)
	frame[0] = 0x00
	binary.BigEndian.PutUint32(frame[1:], 42)
	frame = append(frame, []byte("payload")...)

	var resolvedID uint32
	resolve := func(schemaID uint32) (func([]byte) (Envelope, error), error) {
		resolvedID = schemaID
		return func(b []byte) (Envelope, error) {
			return Envelope{EventID: string(b)}, nil
		}, nil
	}

	env, err := Decode(frame, resolve)
	require.NoError(t, err)
	require.Equal(t, uint32(42), resolvedID)
	require.Equal(t, "payload", env.EventID)
}

func TestDecodeFailsOnInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not json"), nil)
	require.Error(t, err)
}
