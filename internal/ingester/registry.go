package ingester

import (
	"sync"

	"github.com/kumarlokesh/replay-ingest/internal/buffer"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

// registry maps (team, session) to its session buffer for the partitions
// currently owned, with a second index by partition for enumeration during
// flush scheduling and revocation.
type registry struct {
	mu          sync.RWMutex
	buffers     map[types.SessionKey]*buffer.Buffer
	byPartition map[int32]map[types.SessionKey]*buffer.Buffer
}

func newRegistry() *registry {
	return &registry{
		buffers:     make(map[types.SessionKey]*buffer.Buffer),
		byPartition: make(map[int32]map[types.SessionKey]*buffer.Buffer),
	}
}

// get returns the buffer for key, if present.
func (r *registry) get(key types.SessionKey) (*buffer.Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.buffers[key]
	return b, ok
}

// put registers a buffer under its key and partition.
func (r *registry) put(b *buffer.Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffers[b.Key] = b
	partition, ok := r.byPartition[b.Partition]
	if !ok {
		partition = make(map[types.SessionKey]*buffer.Buffer)
		r.byPartition[b.Partition] = partition
	}
	partition[b.Key] = b
}

// remove drops a buffer from both indexes.
func (r *registry) remove(key types.SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[key]
	if !ok {
		return
	}
	delete(r.buffers, key)
	if partition, ok := r.byPartition[b.Partition]; ok {
		delete(partition, key)
		if len(partition) == 0 {
			delete(r.byPartition, b.Partition)
		}
	}
}

// partitionBuffers returns the buffers held for one partition.
func (r *registry) partitionBuffers(partition int32) []*buffer.Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*buffer.Buffer, 0, len(r.byPartition[partition]))
	for _, b := range r.byPartition[partition] {
		out = append(out, b)
	}
	return out
}

// all returns every live buffer.
func (r *registry) all() []*buffer.Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*buffer.Buffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		out = append(out, b)
	}
	return out
}

// lowestOffset returns the minimum offset held by any open or flushing
// buffer of the partition. ok is false when nothing blocks the partition.
func (r *registry) lowestOffset(partition int32) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		low   int64
		found bool
	)
	for _, b := range r.byPartition[partition] {
		offset, ok := b.LowestOffset()
		if !ok {
			continue
		}
		if !found || offset < low {
			low = offset
			found = true
		}
	}
	return low, found
}

// dropPartition removes and returns all buffers of a partition. The caller
// destroys them after flushing.
func (r *registry) dropPartition(partition int32) []*buffer.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := make([]*buffer.Buffer, 0, len(r.byPartition[partition]))
	for key, b := range r.byPartition[partition] {
		dropped = append(dropped, b)
		delete(r.buffers, key)
	}
	delete(r.byPartition, partition)
	return dropped
}

// size returns the number of live buffers.
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}
