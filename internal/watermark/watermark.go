// Package watermark persists per-partition high-water marks in the shared
// key/value store: per-session marks used to drop replayed messages after a
// rebalance, and per-subsystem marks shared by downstream pipelines reading
// the same log position.
package watermark

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kumarlokesh/replay-ingest/internal/kv"
)

// SessionMarker persists session_id -> last durably-flushed offset per
// partition. Marks are monotonically non-decreasing per key.
type SessionMarker struct {
	store  kv.Store
	prefix string
	group  string
	topic  string

	mu    sync.RWMutex
	marks map[int32]map[string]int64
}

// NewSessionMarker creates a session high-water marker for one consumer group
// and topic.
func NewSessionMarker(store kv.Store, prefix, group, topic string) *SessionMarker {
	return &SessionMarker{
		store:  store,
		prefix: prefix,
		group:  group,
		topic:  topic,
		marks:  make(map[int32]map[string]int64),
	}
}

func (m *SessionMarker) key(partition int32) string {
	return fmt.Sprintf("%s/sessions/%s/%s/%d", m.prefix, m.group, m.topic, partition)
}

// Load fetches the stored marks for a newly assigned partition into the
// in-memory cache, replacing anything previously cached for it.
func (m *SessionMarker) Load(ctx context.Context, partition int32) error {
	stored, err := m.store.HGetAll(ctx, m.key(partition))
	if err != nil {
		return fmt.Errorf("failed to load session watermarks for partition %d: %w", partition, err)
	}

	marks := make(map[string]int64, len(stored))
	for sessionID, raw := range stored {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt session watermark %q for partition %d: %w", raw, partition, err)
		}
		marks[sessionID] = offset
	}

	m.mu.Lock()
	m.marks[partition] = marks
	m.mu.Unlock()
	return nil
}

// Get returns the mark for a session within a partition.
func (m *SessionMarker) Get(partition int32, sessionID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, ok := m.marks[partition][sessionID]
	return offset, ok
}

// Advance raises the mark for a session to offset and persists it. A value
// at or below the current mark is a no-op.
func (m *SessionMarker) Advance(ctx context.Context, partition int32, sessionID string, offset int64) error {
	m.mu.RLock()
	current, ok := m.marks[partition][sessionID]
	m.mu.RUnlock()
	if ok && current >= offset {
		return nil
	}

	// Persist first; the cache only reflects marks the store holds, so a
	// failed write leaves the flush retryable.
	err := m.store.HSet(ctx, m.key(partition), map[string]string{
		sessionID: strconv.FormatInt(offset, 10),
	})
	if err != nil {
		return fmt.Errorf("failed to persist session watermark for partition %d: %w", partition, err)
	}

	m.mu.Lock()
	marks, ok := m.marks[partition]
	if !ok {
		marks = make(map[string]int64)
		m.marks[partition] = marks
	}
	if current, ok := marks[sessionID]; !ok || current < offset {
		marks[sessionID] = offset
	}
	m.mu.Unlock()
	return nil
}

// Trim deletes marks whose offset is below the partition's committed offset.
// Such marks can never drop a message again, since the log will not redeliver
// below the committed offset.
func (m *SessionMarker) Trim(ctx context.Context, partition int32, committed int64) error {
	m.mu.Lock()
	var stale []string
	for sessionID, offset := range m.marks[partition] {
		if offset < committed {
			stale = append(stale, sessionID)
		}
	}
	for _, sessionID := range stale {
		delete(m.marks[partition], sessionID)
	}
	m.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	if err := m.store.HDel(ctx, m.key(partition), stale...); err != nil {
		return fmt.Errorf("failed to trim session watermarks for partition %d: %w", partition, err)
	}
	return nil
}

// Forget drops the in-memory cache for a revoked partition. The persisted
// marks remain for the next owner.
func (m *SessionMarker) Forget(partition int32) {
	m.mu.Lock()
	delete(m.marks, partition)
	m.mu.Unlock()
}

// SubsystemMarker persists subsystem_name -> last processed offset per
// partition, generalizing the session marker for multiple downstream
// pipelines sharing one log position.
type SubsystemMarker struct {
	store  kv.Store
	prefix string
	group  string
	topic  string

	mu    sync.RWMutex
	marks map[int32]map[string]int64
}

// NewSubsystemMarker creates a persistent high-water marker for one consumer
// group and topic.
func NewSubsystemMarker(store kv.Store, prefix, group, topic string) *SubsystemMarker {
	return &SubsystemMarker{
		store:  store,
		prefix: prefix,
		group:  group,
		topic:  topic,
		marks:  make(map[int32]map[string]int64),
	}
}

func (m *SubsystemMarker) key(partition int32) string {
	return fmt.Sprintf("%s/subsystems/%s/%s/%d", m.prefix, m.group, m.topic, partition)
}

// Load fetches the stored marks for a newly assigned partition.
func (m *SubsystemMarker) Load(ctx context.Context, partition int32) error {
	stored, err := m.store.HGetAll(ctx, m.key(partition))
	if err != nil {
		return fmt.Errorf("failed to load subsystem watermarks for partition %d: %w", partition, err)
	}

	marks := make(map[string]int64, len(stored))
	for subsystem, raw := range stored {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt subsystem watermark %q for partition %d: %w", raw, partition, err)
		}
		marks[subsystem] = offset
	}

	m.mu.Lock()
	m.marks[partition] = marks
	m.mu.Unlock()
	return nil
}

// Get returns the mark for a subsystem within a partition.
func (m *SubsystemMarker) Get(partition int32, subsystem string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, ok := m.marks[partition][subsystem]
	return offset, ok
}

// Advance raises the mark for a subsystem to offset and persists it.
func (m *SubsystemMarker) Advance(ctx context.Context, partition int32, subsystem string, offset int64) error {
	m.mu.RLock()
	current, ok := m.marks[partition][subsystem]
	m.mu.RUnlock()
	if ok && current >= offset {
		return nil
	}

	err := m.store.HSet(ctx, m.key(partition), map[string]string{
		subsystem: strconv.FormatInt(offset, 10),
	})
	if err != nil {
		return fmt.Errorf("failed to persist subsystem watermark for partition %d: %w", partition, err)
	}

	m.mu.Lock()
	marks, ok := m.marks[partition]
	if !ok {
		marks = make(map[string]int64)
		m.marks[partition] = marks
	}
	if current, ok := marks[subsystem]; !ok || current < offset {
		marks[subsystem] = offset
	}
	m.mu.Unlock()
	return nil
}

// Forget drops the in-memory cache for a revoked partition.
func (m *SubsystemMarker) Forget(partition int32) {
	m.mu.Lock()
	delete(m.marks, partition)
	m.mu.Unlock()
}
