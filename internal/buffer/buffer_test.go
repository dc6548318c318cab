package buffer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarlokesh/replay-ingest/internal/buffer"
	"github.com/kumarlokesh/replay-ingest/internal/storage"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

func setupBuffer(t *testing.T) (*buffer.Buffer, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "replay-ingest-test-")
	require.NoError(t, err, "Failed to create temp directory")

	b, err := buffer.New(tempDir, 1, types.SessionKey{TeamID: 42, SessionID: "sid1"})
	require.NoError(t, err, "Failed to create session buffer")

	return b, func() {
		os.RemoveAll(tempDir)
	}
}

func makeMessage(offset int64, ts time.Time, events ...string) (*types.Message, *types.Envelope) {
	raw := make([]json.RawMessage, 0, len(events))
	var size int64
	for _, e := range events {
		raw = append(raw, json.RawMessage(e))
		size += int64(len(e))
	}
	msg := &types.Message{
		Topic:     "session_recording_events",
		Partition: 1,
		Offset:    offset,
		Timestamp: ts,
		SizeBytes: size,
	}
	return msg, &types.Envelope{Token: "token", SessionID: "sid1", Events: raw}
}

func TestBuffer_AddTracksOffsetsAndTimestamps(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	t0 := time.UnixMilli(1_700_000_000_000)
	msg1, env1 := makeMessage(10, t0, `{"a":1}`)
	msg2, env2 := makeMessage(11, t0.Add(2*time.Second), `{"b":2}`, `{"c":3}`)

	require.NoError(t, b.Add(msg1, env1))
	require.NoError(t, b.Add(msg2, env2))

	low, ok := b.LowestOffset()
	require.True(t, ok)
	assert.Equal(t, int64(10), low)
	assert.Equal(t, int64(11), b.NewestOffset())
	assert.Equal(t, int64(3), b.EventCount())
	assert.Equal(t, msg1.SizeBytes+msg2.SizeBytes, b.SizeBytes())
	assert.Equal(t, t0, b.OldestTimestamp())
	assert.Equal(t, buffer.StateOpen, b.State())
}

func TestBuffer_FlushUploadsDataAndMetadata(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)
	msg, env := makeMessage(5, t0, `{"a":1}`, `{"b":2}`)
	require.NoError(t, b.Add(msg, env))

	sink := storage.NewMemoryStore()
	require.NoError(t, b.Flush(ctx, sink))
	assert.Equal(t, buffer.StateFlushed, b.State())

	// Flushed buffers no longer block commits
	_, ok := b.LowestOffset()
	assert.False(t, ok)

	// Both blobs are present under the deterministic path
	assert.Equal(t, "team_42/session_sid1/data-1700000000000-1700000000000.jsonl.gz", b.DataKey())
	data, err := sink.GetObject(ctx, b.DataKey())
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(decompressed))

	rawMeta, err := sink.GetObject(ctx, b.MetadataKey())
	require.NoError(t, err)
	var meta buffer.Metadata
	require.NoError(t, json.Unmarshal(rawMeta, &meta))
	assert.Equal(t, int64(5), meta.OldestOffset)
	assert.Equal(t, int64(5), meta.NewestOffset)
	assert.Equal(t, int64(2), meta.EventCount)
	assert.Equal(t, msg.SizeBytes, meta.SizeBytes)
}

func TestBuffer_FlushFailureReopensForRetry(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)
	msg, env := makeMessage(5, t0, `{"a":1}`)
	require.NoError(t, b.Add(msg, env))

	err := b.Flush(ctx, storage.NewFailingMemoryStore())
	require.ErrorIs(t, err, buffer.ErrFlushFailed)
	assert.Equal(t, buffer.StateOpen, b.State())

	// Offsets are unchanged so the retry is valid
	low, ok := b.LowestOffset()
	require.True(t, ok)
	assert.Equal(t, int64(5), low)

	// The buffer still accepts appends, and a retried flush carries both
	// the old and the new events across the gzip member boundary
	msg2, env2 := makeMessage(6, t0.Add(time.Second), `{"b":2}`)
	require.NoError(t, b.Add(msg2, env2))

	sink := storage.NewMemoryStore()
	require.NoError(t, b.Flush(ctx, sink))

	data, err := sink.GetObject(ctx, b.DataKey())
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(decompressed))
}

func TestBuffer_AddAfterFlushFails(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	ctx := context.Background()
	msg, env := makeMessage(1, time.Now(), `{"a":1}`)
	require.NoError(t, b.Add(msg, env))
	require.NoError(t, b.Flush(ctx, storage.NewMemoryStore()))

	msg2, env2 := makeMessage(2, time.Now(), `{"b":2}`)
	err := b.Add(msg2, env2)
	assert.ErrorIs(t, err, buffer.ErrBufferClosed)
}

func TestBuffer_DestroyRemovesSpillFiles(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	msg, env := makeMessage(1, time.Now(), `{"a":1}`)
	require.NoError(t, b.Add(msg, env))

	dataPath, _ := b.SpillPaths()
	_, err := os.Stat(dataPath)
	require.NoError(t, err)

	b.Destroy()
	assert.Equal(t, buffer.StateDestroyed, b.State())
	_, err = os.Stat(dataPath)
	assert.True(t, os.IsNotExist(err))

	// Destroy is idempotent
	b.Destroy()
	assert.Equal(t, buffer.StateDestroyed, b.State())
}

func TestBuffer_ReopenAfterDestroyFails(t *testing.T) {
	b, cleanup := setupBuffer(t)
	defer cleanup()

	b.Destroy()
	assert.ErrorIs(t, b.Reopen(), buffer.ErrBufferClosed)
}
