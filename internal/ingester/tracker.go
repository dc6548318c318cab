package ingester

import (
	"sync"
	"time"
)

// partitionProgress records the highest message offset ever observed on a
// partition and when the most recent message arrived. It is the source of
// truth for the offset that would be safe to commit if no session were
// blocking.
type partitionProgress struct {
	firstOffset   int64
	lastOffset    int64
	lastTimestamp time.Time
	lastArrival   time.Time
}

// tracker keeps per-partition progress for the partitions currently owned.
type tracker struct {
	mu         sync.RWMutex
	partitions map[int32]*partitionProgress
}

func newTracker() *tracker {
	return &tracker{partitions: make(map[int32]*partitionProgress)}
}

// observe records a message at offset with event timestamp ts arriving at
// wall-clock time now. Offsets within a partition are strictly monotonic, so
// the record is created on first message and overwritten after.
func (t *tracker) observe(partition int32, offset int64, ts, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionProgress{firstOffset: offset}
		t.partitions[partition] = p
	}
	if offset > p.lastOffset || p.lastArrival.IsZero() {
		p.lastOffset = offset
		p.lastTimestamp = ts
	}
	p.lastArrival = now
}

// last returns the highest observed offset for a partition. ok is false when
// no message has been observed since assignment.
func (t *tracker) last(partition int32) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	return p.lastOffset, true
}

// first returns the offset of the first message observed since assignment,
// the position consumption resumed from.
func (t *tracker) first(partition int32) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	return p.firstOffset, true
}

// idleFor reports how long a partition has gone without a message. ok is
// false when the partition has no recorded progress.
func (t *tracker) idleFor(partition int32, now time.Time) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	return now.Sub(p.lastArrival), true
}

// forget deletes a partition's progress on revocation.
func (t *tracker) forget(partition int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, partition)
}
