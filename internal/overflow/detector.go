// Package overflow detects sessions whose byte rate exceeds a token-bucket
// allowance and publishes their ids to a shared quarantine set so upstream
// capture can divert them to the overflow topic.
package overflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kumarlokesh/replay-ingest/internal/kv"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

// Config holds the token-bucket parameters.
type Config struct {
	// BurstBytes is the bucket capacity
	BurstBytes int64
	// ReplenishBytesPerSecond is the refill rate
	ReplenishBytesPerSecond int64
	// MinSessionsPerBatch is the minimum number of tracked sessions examined
	// per sweep, so quiet sessions are not starved of evaluation
	MinSessionsPerBatch int
	// TTL is how long a session stays quarantined
	TTL time.Duration
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Detector evaluates per-session token buckets and publishes overflowing
// session ids to the shared sorted set. It runs only on the primary consumer
// instance; the overflow-reading instance disables it.
type Detector struct {
	store kv.Store
	key   string
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	buckets map[types.SessionKey]*bucket
}

// NewDetector creates an overflow detector publishing to the sorted set at key.
func NewDetector(store kv.Store, key string, cfg Config, log zerolog.Logger) *Detector {
	return &Detector{
		store:   store,
		key:     key,
		cfg:     cfg,
		log:     log.With().Str("component", "overflow").Logger(),
		buckets: make(map[types.SessionKey]*bucket),
	}
}

// Observe accounts size bytes against the session's bucket at time now and
// reports whether the session is overflowing. Tokens refill linearly since
// the bucket was last seen, capped at the burst capacity.
func (d *Detector) Observe(now time.Time, key types.SessionKey, size int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(d.cfg.BurstBytes), lastSeen: now}
		d.buckets[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(d.cfg.BurstBytes),
			b.tokens+elapsed*float64(d.cfg.ReplenishBytesPerSecond))
	}
	b.lastSeen = now
	b.tokens -= float64(size)

	return b.tokens < 0
}

// Publish adds a session to the quarantine set with an expiry score of
// now + TTL, keeping any earlier entry, and garbage-collects entries whose
// quarantine window has passed. Failures are best-effort: the caller logs
// and drops them.
func (d *Detector) Publish(ctx context.Context, now time.Time, sessionID string) error {
	score := float64(now.Add(d.cfg.TTL).Unix())
	added, err := d.store.ZAddNX(ctx, d.key, sessionID, score)
	if err != nil {
		return fmt.Errorf("failed to publish overflowing session %s: %w", sessionID, err)
	}
	if added {
		d.log.Warn().Str("session_id", sessionID).Time("until", now.Add(d.cfg.TTL)).
			Msg("session quarantined for overflow")
	}

	if _, err := d.store.ZRemRangeByScore(ctx, d.key, math.Inf(-1), float64(now.Unix()-1)); err != nil {
		return fmt.Errorf("failed to expire quarantine entries: %w", err)
	}
	return nil
}

// Sweep drops exhausted bookkeeping for sessions whose buckets have refilled
// to capacity. At least MinSessionsPerBatch buckets are examined even when
// the map is large, and the examination position is not sticky because map
// iteration order varies.
func (d *Detector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	examined := 0
	for key, b := range d.buckets {
		elapsed := now.Sub(b.lastSeen).Seconds()
		if b.tokens+elapsed*float64(d.cfg.ReplenishBytesPerSecond) >= float64(d.cfg.BurstBytes) {
			delete(d.buckets, key)
		}
		examined++
		if examined >= d.cfg.MinSessionsPerBatch {
			break
		}
	}
}

// Tracked returns the number of sessions with live bucket state.
func (d *Detector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}
