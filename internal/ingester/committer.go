package ingester

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kumarlokesh/replay-ingest/internal/metrics"
)

// LogClient is the narrow capability surface the ingester needs from the
// partitioned log. The committed offset convention is Kafka's: the value
// points at the next message to be delivered.
type LogClient interface {
	// Commit records that messages below offset on partition need not be
	// redelivered.
	Commit(ctx context.Context, partition int32, offset int64) error
}

// committer computes and forwards the greatest safe offset per partition.
// Commits are strictly increasing per partition; a candidate at or below the
// last committed value is discarded.
type committer struct {
	client LogClient
	log    zerolog.Logger

	mu        sync.Mutex
	committed map[int32]int64
}

func newCommitter(client LogClient, log zerolog.Logger) *committer {
	return &committer{
		client:    client,
		log:       log.With().Str("component", "committer").Logger(),
		committed: make(map[int32]int64),
	}
}

// commitPartition computes the safe offset for one partition and commits it
// if it advances past the last committed value.
//
// The candidate is min(last+1, blocking): either one past the last observed
// offset (fully caught up) or the lowest offset still held by an unflushed
// buffer (commit everything below the block).
func (c *committer) commitPartition(ctx context.Context, partition int32, reg *registry, trk *tracker) error {
	last, ok := trk.last(partition)
	if !ok {
		return nil
	}

	candidate := last + 1
	if blocking, ok := reg.lowestOffset(partition); ok && blocking < candidate {
		candidate = blocking
	}

	// Before the first commit, the baseline is the offset consumption
	// resumed from: the broker already holds a committed position at or
	// above it, so re-committing there would be redundant (and committing
	// below it would move the group backwards).
	c.mu.Lock()
	baseline, committed := c.committed[partition]
	c.mu.Unlock()
	if !committed {
		baseline, _ = trk.first(partition)
	}
	if candidate <= baseline {
		return nil
	}

	if err := c.client.Commit(ctx, partition, candidate); err != nil {
		metrics.OffsetCommits.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to commit offset %d for partition %d: %w", candidate, partition, err)
	}
	metrics.OffsetCommits.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.committed[partition] = candidate
	c.mu.Unlock()

	c.log.Debug().Int32("partition", partition).Int64("offset", candidate).Msg("committed offset")
	return nil
}

// lastCommitted returns the last offset committed for a partition.
func (c *committer) lastCommitted(partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offset, ok := c.committed[partition]
	return offset, ok
}

// forget drops commit bookkeeping for a revoked partition.
func (c *committer) forget(partition int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.committed, partition)
}
