// Copyright 2025 James Ross
package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectKeyPartitionsByDate(t *testing.T) {
	at := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	key := ObjectKey("exports", "job-1", at)
	require.Equal(t, "exports/2026/07/31/job-1.json.gz", key)
}

func TestCompressProducesValidGzip(t *testing.T) {
	body := []byte("hello world")
	compressed, err := compress(body)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)
	require.NotEqual(t, body, compressed)
	// gzip magic number
	require.Equal(t, byte(0x1f), compressed[0])
	require.Equal(t, byte(0x8b), compressed[1])
}
