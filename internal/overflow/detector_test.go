package overflow_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarlokesh/replay-ingest/internal/kv"
	"github.com/kumarlokesh/replay-ingest/internal/overflow"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

const quarantineKey = "@ingester/capture-overflow/replay"

func newDetector(store kv.Store) *overflow.Detector {
	return overflow.NewDetector(store, quarantineKey, overflow.Config{
		BurstBytes:              1_000_000,
		ReplenishBytesPerSecond: 1_000,
		MinSessionsPerBatch:     10,
		TTL:                     24 * time.Hour,
	}, zerolog.Nop())
}

func TestDetector_BurstOverflows(t *testing.T) {
	store := kv.NewMemoryStore()
	d := newDetector(store)
	key := types.SessionKey{TeamID: 1, SessionID: "sid1"}

	// 10 messages of 150kB each, 10ms apart: 1.5MB in 100ms blows through a
	// 1MB bucket refilling at 1kB/s
	now := time.UnixMilli(1_700_000_000_000)
	overflowed := false
	for n := 0; n < 10; n++ {
		if d.Observe(now.Add(time.Duration(n)*10*time.Millisecond), key, 150_000) {
			overflowed = true
		}
	}
	require.True(t, overflowed, "burst should exhaust the bucket")

	// Publication lands in the quarantine set with expiry about a day out
	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, now, "sid1"))

	members, err := store.ZRangeByScore(ctx, quarantineKey,
		float64(now.Add(23*time.Hour).Unix()), float64(now.Add(25*time.Hour).Unix()))
	require.NoError(t, err)
	assert.Equal(t, []string{"sid1"}, members)
}

func TestDetector_SlowBackfillDoesNotOverflow(t *testing.T) {
	store := kv.NewMemoryStore()
	d := newDetector(store)
	key := types.SessionKey{TeamID: 1, SessionID: "sid1"}

	// Same total bytes but 150s apart: each gap refills 150kB, matching the
	// message size, so the bucket never goes negative
	now := time.UnixMilli(1_700_000_000_000)
	for n := 0; n < 10; n++ {
		overflowed := d.Observe(now.Add(time.Duration(n)*150*time.Second), key, 150_000)
		assert.False(t, overflowed, "message %d should not overflow", n)
	}

	ctx := context.Background()
	members, err := store.ZRangeByScore(ctx, quarantineKey, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestDetector_PublishKeepsEarlierEntry(t *testing.T) {
	store := kv.NewMemoryStore()
	d := newDetector(store)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, d.Publish(ctx, now, "sid1"))
	require.NoError(t, d.Publish(ctx, now.Add(time.Hour), "sid1"))

	// The second publish must not extend the quarantine window
	members, err := store.ZRangeByScore(ctx, quarantineKey,
		float64(now.Add(24*time.Hour).Unix()), float64(now.Add(24*time.Hour).Unix()))
	require.NoError(t, err)
	assert.Equal(t, []string{"sid1"}, members)
}

func TestDetector_PublishExpiresOldEntries(t *testing.T) {
	store := kv.NewMemoryStore()
	d := newDetector(store)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, d.Publish(ctx, now, "stale"))

	// Two days later the stale entry's window has passed; any write
	// garbage-collects it
	later := now.Add(48 * time.Hour)
	require.NoError(t, d.Publish(ctx, later, "fresh"))

	members, err := store.ZRangeByScore(ctx, quarantineKey, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestDetector_SweepDropsRefilledBuckets(t *testing.T) {
	store := kv.NewMemoryStore()
	d := newDetector(store)

	now := time.UnixMilli(1_700_000_000_000)
	d.Observe(now, types.SessionKey{TeamID: 1, SessionID: "a"}, 500)
	d.Observe(now, types.SessionKey{TeamID: 1, SessionID: "b"}, 900_000)
	require.Equal(t, 2, d.Tracked())

	// After one second, "a" has refilled to capacity; "b" has not
	d.Sweep(now.Add(time.Second))
	assert.Equal(t, 1, d.Tracked())
}
