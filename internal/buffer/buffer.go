// Package buffer implements the per-session spill buffer: an append-only
// accumulator for one (team, session) pair within a single partition, backed
// by a gzip-compressed file plus a metadata sidecar, flushed as a unit to
// blob storage.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/kumarlokesh/replay-ingest/internal/storage"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

var (
	// ErrBufferClosed is returned when appending to a buffer that is no longer open.
	ErrBufferClosed = errors.New("session buffer is closed")
	// ErrFlushFailed is returned when a flush could not be completed; the
	// buffer is reopened and the flush may be retried.
	ErrFlushFailed = errors.New("session buffer flush failed")
)

// State represents the lifecycle state of a session buffer.
// Transitions are Open -> Flushing -> Flushed -> Destroyed, with back-edges
// to Open from Flushing on a failed flush and from Flushed through Reopen.
type State int32

const (
	// StateOpen indicates the buffer accepts appends
	StateOpen State = iota
	// StateFlushing indicates a flush is in progress
	StateFlushing
	// StateFlushed indicates the buffer contents are durable in blob storage
	StateFlushed
	// StateDestroyed indicates the on-disk files have been deleted
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Metadata is the sidecar object uploaded next to the compressed session data.
type Metadata struct {
	OldestOffset   int64     `json:"oldestOffset"`
	NewestOffset   int64     `json:"newestOffset"`
	EventCount     int64     `json:"eventCount"`
	SizeBytes      int64     `json:"sizeBytes"`
	FirstTimestamp time.Time `json:"firstTimestamp"`
	LastTimestamp  time.Time `json:"lastTimestamp"`
}

// Buffer accumulates one session's events between flushes. It is owned by
// the registry of the consumer that owns its partition; methods are
// safe for concurrent use.
type Buffer struct {
	Key       types.SessionKey
	Partition int32

	mu              sync.Mutex
	state           State
	oldestOffset    int64
	newestOffset    int64
	oldestTimestamp time.Time
	newestTimestamp time.Time
	sizeBytes       int64
	eventCount      int64

	dataPath string
	metaPath string
	file     *os.File
	gz       *gzip.Writer
}

// New creates an open session buffer with its spill file under dir.
func New(dir string, partition int32, key types.SessionKey) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	nonce := uuid.NewString()
	base := fmt.Sprintf("%d.%s.%s", key.TeamID, key.SessionID, nonce)
	dataPath := filepath.Join(dir, base+".jsonl.gz")
	metaPath := filepath.Join(dir, base+".metadata.json")

	file, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}

	return &Buffer{
		Key:          key,
		Partition:    partition,
		state:        StateOpen,
		oldestOffset: -1,
		newestOffset: -1,
		dataPath:     dataPath,
		metaPath:     metaPath,
		file:         file,
		gz:           gzip.NewWriter(file),
	}, nil
}

// Add appends one message's events to the buffer. The message's offset must
// be higher than any previously added offset; the caller feeds messages in
// partition order.
func (b *Buffer) Add(msg *types.Message, env *types.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return fmt.Errorf("%w: cannot add in state %s", ErrBufferClosed, b.state)
	}

	for _, event := range env.Events {
		if _, err := b.gz.Write(event); err != nil {
			return fmt.Errorf("failed to write event to spill file: %w", err)
		}
		if _, err := b.gz.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write event to spill file: %w", err)
		}
	}

	if b.oldestOffset < 0 {
		b.oldestOffset = msg.Offset
		b.oldestTimestamp = msg.Timestamp
	}
	b.newestOffset = msg.Offset
	if b.newestTimestamp.Before(msg.Timestamp) {
		b.newestTimestamp = msg.Timestamp
	}
	b.sizeBytes += msg.SizeBytes
	b.eventCount += int64(len(env.Events))

	return nil
}

// Flush finalizes the spill file and uploads both it and the metadata
// sidecar to sink under the session's deterministic path. On failure the
// buffer is reopened for appends; the path derives from the held event
// timestamps, so a retry with no new appends reuses the same path.
func (b *Buffer) Flush(ctx context.Context, sink storage.BlobStore) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return fmt.Errorf("%w: cannot flush in state %s", ErrBufferClosed, b.state)
	}
	b.state = StateFlushing

	if err := b.upload(ctx, sink); err != nil {
		// Reopen for appends; offsets are unchanged so a retry is valid.
		if reopenErr := b.reopenLocked(); reopenErr != nil {
			return fmt.Errorf("%w: %v (reopen also failed: %v)", ErrFlushFailed, err, reopenErr)
		}
		return fmt.Errorf("%w: %v", ErrFlushFailed, err)
	}

	b.state = StateFlushed
	return nil
}

// upload finalizes the compressed stream, writes the sidecar, and uploads
// both files. Caller holds b.mu with state Flushing.
func (b *Buffer) upload(ctx context.Context, sink storage.BlobStore) error {
	if err := b.gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize compressed stream: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spill file: %w", err)
	}

	meta, err := json.Marshal(b.metadataLocked())
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(b.metaPath, meta, 0644); err != nil {
		return fmt.Errorf("failed to write metadata sidecar: %w", err)
	}

	data, err := os.ReadFile(b.dataPath)
	if err != nil {
		return fmt.Errorf("failed to read spill file: %w", err)
	}

	if err := sink.PutObject(ctx, b.dataKeyLocked(), data); err != nil {
		return fmt.Errorf("failed to upload session data: %w", err)
	}
	if err := sink.PutObject(ctx, b.metaKeyLocked(), meta); err != nil {
		return fmt.Errorf("failed to upload session metadata: %w", err)
	}

	return nil
}

// Reopen returns a flushed or mid-flush buffer to the open state so that it
// accepts appends and can be flushed again. Used when work after the upload
// (watermark persistence) fails and the flush must be considered incomplete.
func (b *Buffer) Reopen() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return nil
	case StateDestroyed:
		return fmt.Errorf("%w: cannot reopen destroyed buffer", ErrBufferClosed)
	}
	return b.reopenLocked()
}

// reopenLocked reopens the spill file in append mode and starts a new gzip
// member. Concatenated gzip members decompress as one stream.
func (b *Buffer) reopenLocked() error {
	file, err := os.OpenFile(b.dataPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen spill file: %w", err)
	}
	if b.file != nil {
		_ = b.file.Close()
	}
	b.file = file
	b.gz = gzip.NewWriter(file)
	b.state = StateOpen
	return nil
}

// Destroy deletes the on-disk files and marks the buffer destroyed. It is
// idempotent and legal from any state; callers only invoke it on flushed
// buffers or on buffers that never accepted a message.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDestroyed {
		return
	}
	if b.gz != nil && b.state == StateOpen {
		_ = b.gz.Close()
	}
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	_ = os.Remove(b.dataPath)
	_ = os.Remove(b.metaPath)
	b.state = StateDestroyed
}

// LowestOffset returns the lowest log offset held by the buffer. ok is false
// once the buffer has been flushed or destroyed, or if it never accepted a
// message; such a buffer does not block offset commits.
func (b *Buffer) LowestOffset() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen && b.state != StateFlushing {
		return 0, false
	}
	if b.oldestOffset < 0 {
		return 0, false
	}
	return b.oldestOffset, true
}

// NewestOffset returns the highest log offset routed to the buffer.
func (b *Buffer) NewestOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newestOffset
}

// SizeBytes returns the accumulated payload bytes.
func (b *Buffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytes
}

// EventCount returns the number of events accepted.
func (b *Buffer) EventCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventCount
}

// OldestTimestamp returns the wall-clock timestamp of the first event.
func (b *Buffer) OldestTimestamp() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldestTimestamp
}

// State returns the buffer's lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// DataKey returns the blob key the compressed session data uploads to.
func (b *Buffer) DataKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dataKeyLocked()
}

// MetadataKey returns the blob key of the metadata sidecar.
func (b *Buffer) MetadataKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metaKeyLocked()
}

// SpillPaths returns the on-disk spill file paths.
func (b *Buffer) SpillPaths() (data, meta string) {
	return b.dataPath, b.metaPath
}

func (b *Buffer) dataKeyLocked() string {
	return fmt.Sprintf("team_%d/session_%s/data-%d-%d.jsonl.gz",
		b.Key.TeamID, b.Key.SessionID,
		b.oldestTimestamp.UnixMilli(), b.newestTimestamp.UnixMilli())
}

func (b *Buffer) metaKeyLocked() string {
	return fmt.Sprintf("team_%d/session_%s/data-%d-%d.metadata.json",
		b.Key.TeamID, b.Key.SessionID,
		b.oldestTimestamp.UnixMilli(), b.newestTimestamp.UnixMilli())
}

func (b *Buffer) metadataLocked() Metadata {
	return Metadata{
		OldestOffset:   b.oldestOffset,
		NewestOffset:   b.newestOffset,
		EventCount:     b.eventCount,
		SizeBytes:      b.sizeBytes,
		FirstTimestamp: b.oldestTimestamp,
		LastTimestamp:  b.newestTimestamp,
	}
}
