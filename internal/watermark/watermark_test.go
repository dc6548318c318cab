package watermark_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarlokesh/replay-ingest/internal/kv"
	"github.com/kumarlokesh/replay-ingest/internal/watermark"
)

func TestSessionMarker_AdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := watermark.NewSessionMarker(store, "@ingester", "group", "topic")

	require.NoError(t, m.Advance(ctx, 1, "sid1", 10))
	require.NoError(t, m.Advance(ctx, 1, "sid1", 5))

	offset, ok := m.Get(1, "sid1")
	require.True(t, ok)
	assert.Equal(t, int64(10), offset)

	// The persisted value also kept the higher mark
	stored, err := store.HGetAll(ctx, "@ingester/sessions/group/topic/1")
	require.NoError(t, err)
	assert.Equal(t, "10", stored["sid1"])
}

func TestSessionMarker_LoadSurvivesHandoff(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	first := watermark.NewSessionMarker(store, "@ingester", "group", "topic")
	require.NoError(t, first.Advance(ctx, 3, "sid1", 42))
	require.NoError(t, first.Advance(ctx, 3, "sid2", 7))
	first.Forget(3)

	// A second consumer assigned the partition sees the first one's marks
	second := watermark.NewSessionMarker(store, "@ingester", "group", "topic")
	require.NoError(t, second.Load(ctx, 3))

	offset, ok := second.Get(3, "sid1")
	require.True(t, ok)
	assert.Equal(t, int64(42), offset)
	offset, ok = second.Get(3, "sid2")
	require.True(t, ok)
	assert.Equal(t, int64(7), offset)
}

func TestSessionMarker_TrimDropsMarksBelowCommitted(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := watermark.NewSessionMarker(store, "@ingester", "group", "topic")

	require.NoError(t, m.Advance(ctx, 1, "old", 10))
	require.NoError(t, m.Advance(ctx, 1, "live", 20))
	require.NoError(t, m.Trim(ctx, 1, 15))

	_, ok := m.Get(1, "old")
	assert.False(t, ok, "mark below the committed offset should be trimmed")
	_, ok = m.Get(1, "live")
	assert.True(t, ok)

	stored, err := store.HGetAll(ctx, "@ingester/sessions/group/topic/1")
	require.NoError(t, err)
	assert.NotContains(t, stored, "old")
	assert.Contains(t, stored, "live")
}

func TestSubsystemMarker_AdvancePerSubsystem(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	m := watermark.NewSubsystemMarker(store, "@ingester", "group", "topic")

	require.NoError(t, m.Advance(ctx, 2, "session-recordings", 100))
	require.NoError(t, m.Advance(ctx, 2, "clickstream", 50))
	require.NoError(t, m.Advance(ctx, 2, "session-recordings", 90))

	offset, ok := m.Get(2, "session-recordings")
	require.True(t, ok)
	assert.Equal(t, int64(100), offset)
	offset, ok = m.Get(2, "clickstream")
	require.True(t, ok)
	assert.Equal(t, int64(50), offset)

	stored, err := store.HGetAll(ctx, "@ingester/subsystems/group/topic/2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"session-recordings": "100", "clickstream": "50"}, stored)
}
