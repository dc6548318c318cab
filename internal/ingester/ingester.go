// Package ingester implements the session-recording ingestion core: routing
// ordered event batches into per-session spill buffers, flushing them to
// blob storage, advancing committed log offsets only past durably persisted
// data, and handing partitions off cleanly on rebalance.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kumarlokesh/replay-ingest/internal/buffer"
	"github.com/kumarlokesh/replay-ingest/internal/config"
	"github.com/kumarlokesh/replay-ingest/internal/kv"
	"github.com/kumarlokesh/replay-ingest/internal/metrics"
	"github.com/kumarlokesh/replay-ingest/internal/overflow"
	"github.com/kumarlokesh/replay-ingest/internal/storage"
	"github.com/kumarlokesh/replay-ingest/internal/team"
	"github.com/kumarlokesh/replay-ingest/internal/types"
	"github.com/kumarlokesh/replay-ingest/internal/watermark"
)

// partitionState tracks the lifecycle of one owned partition.
type partitionState int32

const (
	stateAssigning partitionState = iota
	stateOwned
	stateRevoking
)

// Ingester owns the buffering state machine for the partitions assigned to
// this consumer. One batch is handled at a time; lifecycle callbacks and
// maintenance passes serialize against batch handling through a single
// mutex, so every suspension point below runs with exclusive ownership of
// the process-wide state.
type Ingester struct {
	cfg   *config.Config
	log   zerolog.Logger
	sink  storage.BlobStore
	teams team.Resolver

	sessions   *watermark.SessionMarker
	subsystems *watermark.SubsystemMarker
	detector   *overflow.Detector

	reg *registry
	trk *tracker
	cmt *committer

	mu    sync.Mutex
	owned map[int32]partitionState

	// now is swappable for tests
	now func() time.Time
}

// New creates an ingester over its collaborators. The overflow detector is
// only constructed for the primary instance; the overflow-reading secondary
// never detects.
func New(cfg *config.Config, log zerolog.Logger, client LogClient, sink storage.BlobStore, store kv.Store, teams team.Resolver) *Ingester {
	topic := cfg.Kafka.ConsumedTopic()

	var detector *overflow.Detector
	if cfg.DetectorEnabled() {
		detector = overflow.NewDetector(store, cfg.Watermark.Prefix+"/capture-overflow/replay", overflow.Config{
			BurstBytes:              cfg.Overflow.BurstBytes,
			ReplenishBytesPerSecond: cfg.Overflow.ReplenishBytesPerSecond,
			MinSessionsPerBatch:     cfg.Overflow.MinSessionsPerBatch,
			TTL:                     cfg.Overflow.TTL,
		}, log)
	}

	return &Ingester{
		cfg:        cfg,
		log:        log.With().Str("component", "ingester").Logger(),
		sink:       sink,
		teams:      teams,
		sessions:   watermark.NewSessionMarker(store, cfg.Watermark.Prefix, cfg.Kafka.Group, topic),
		subsystems: watermark.NewSubsystemMarker(store, cfg.Watermark.Prefix, cfg.Kafka.Group, topic),
		detector:   detector,
		reg:        newRegistry(),
		trk:        newTracker(),
		cmt:        newCommitter(client, log),
		owned:      make(map[int32]partitionState),
		now:        time.Now,
	}
}

// plog returns a logger for one partition, raised to trace verbosity when
// the partition is the configured debug partition.
func (i *Ingester) plog(partition int32) zerolog.Logger {
	l := i.log.With().Int32("partition", partition).Logger()
	if i.cfg.Kafka.DebugPartition == partition {
		return l.Level(zerolog.TraceLevel)
	}
	return l
}

// Assign takes ownership of newly granted partitions, loading their stored
// high-water marks before any batch for them is accepted.
func (i *Ingester) Assign(ctx context.Context, partitions []int32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, p := range partitions {
		if _, ok := i.owned[p]; ok {
			continue
		}
		i.owned[p] = stateAssigning

		if err := i.sessions.Load(ctx, p); err != nil {
			delete(i.owned, p)
			return fmt.Errorf("assignment of partition %d failed: %w", p, err)
		}
		if err := i.subsystems.Load(ctx, p); err != nil {
			delete(i.owned, p)
			return fmt.Errorf("assignment of partition %d failed: %w", p, err)
		}

		i.owned[p] = stateOwned
		i.plog(p).Info().Msg("partition assigned")
	}

	metrics.PartitionsOwned.Set(float64(len(i.owned)))
	return nil
}

// Revoke flushes and commits everything owned by the revoked partitions,
// then destroys their buffers. It must complete before the broker hands the
// partitions to another consumer, so the caller blocks on it inside the
// rebalance callback.
func (i *Ingester) Revoke(ctx context.Context, partitions []int32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var firstErr error
	for _, p := range partitions {
		if _, ok := i.owned[p]; !ok {
			continue
		}
		i.owned[p] = stateRevoking
		plog := i.plog(p)

		// Flush everything still buffered. A failed flush leaves its buffer
		// open in the registry, which withholds the commit below, so the
		// next owner replays that session from its lowest held offset.
		for _, b := range i.reg.partitionBuffers(p) {
			if err := i.flushBuffer(ctx, b, types.FlushReasonPartitionRevoked); err != nil {
				plog.Error().Err(err).Str("session", b.Key.String()).Msg("flush during revocation failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if err := i.commitPartition(ctx, p); err != nil {
			plog.Error().Err(err).Msg("commit during revocation failed")
			if firstErr == nil {
				firstErr = err
			}
		}

		for _, b := range i.reg.dropPartition(p) {
			b.Destroy()
		}
		i.trk.forget(p)
		i.cmt.forget(p)
		i.sessions.Forget(p)
		i.subsystems.Forget(p)
		delete(i.owned, p)
		plog.Info().Msg("partition revoked")
	}

	metrics.PartitionsOwned.Set(float64(len(i.owned)))
	metrics.SessionsBuffered.Set(float64(i.reg.size()))
	return firstErr
}

// Shutdown revokes every owned partition.
func (i *Ingester) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	partitions := make([]int32, 0, len(i.owned))
	for p := range i.owned {
		partitions = append(partitions, p)
	}
	i.mu.Unlock()

	sort.Slice(partitions, func(a, b int) bool { return partitions[a] < partitions[b] })
	return i.Revoke(ctx, partitions)
}

// HandleBatch routes one delivered batch into session buffers. Messages for
// unknown teams, disabled teams, or malformed payloads are skipped but still
// advance partition progress so commits can pass drop-only ranges. A local
// disk failure fails the whole batch; the broker redelivers it and the
// watermark filter suppresses the duplicates.
func (i *Ingester) HandleBatch(ctx context.Context, msgs []*types.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	overflowing := make(map[string]struct{})

	for _, msg := range msgs {
		if state, ok := i.owned[msg.Partition]; !ok || state != stateOwned {
			// The broker does not deliver for unowned partitions; drop
			// defensively if it ever does.
			i.plog(msg.Partition).Warn().Int64("offset", msg.Offset).Msg("message for unowned partition dropped")
			continue
		}
		plog := i.plog(msg.Partition)

		env, err := types.DecodeEnvelope(msg.Payload)
		if err != nil {
			plog.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable message")
			metrics.MessagesSkipped.WithLabelValues("decode_error").Inc()
			i.trk.observe(msg.Partition, msg.Offset, msg.Timestamp, now)
			continue
		}

		tm, err := i.teams.Resolve(ctx, env.Token)
		if err != nil {
			if !errors.Is(err, team.ErrUnknownToken) {
				return fmt.Errorf("team lookup failed: %w", err)
			}
			metrics.MessagesSkipped.WithLabelValues("unknown_token").Inc()
			i.trk.observe(msg.Partition, msg.Offset, msg.Timestamp, now)
			continue
		}
		if !tm.RecordingEnabled {
			metrics.MessagesSkipped.WithLabelValues("recording_disabled").Inc()
			i.trk.observe(msg.Partition, msg.Offset, msg.Timestamp, now)
			continue
		}

		// Replay filter: a session already flushed past this offset by a
		// previous owner drops the message without touching the registry.
		if mark, ok := i.sessions.Get(msg.Partition, env.SessionID); ok && mark >= msg.Offset {
			plog.Trace().Int64("offset", msg.Offset).Str("session_id", env.SessionID).Msg("dropping replayed message")
			metrics.MessagesSkipped.WithLabelValues("replay").Inc()
			i.trk.observe(msg.Partition, msg.Offset, msg.Timestamp, now)
			continue
		}

		key := types.SessionKey{TeamID: tm.ID, SessionID: env.SessionID}
		b, ok := i.reg.get(key)
		if !ok {
			b, err = buffer.New(i.cfg.Buffer.SpillDir, msg.Partition, key)
			if err != nil {
				return fmt.Errorf("failed to open session buffer: %w", err)
			}
			i.reg.put(b)
		}

		if err := b.Add(msg, env); err != nil {
			return fmt.Errorf("failed to buffer message at offset %d: %w", msg.Offset, err)
		}
		plog.Trace().Int64("offset", msg.Offset).Str("session_id", env.SessionID).
			Int64("size", msg.SizeBytes).Msg("buffered message")

		i.trk.observe(msg.Partition, msg.Offset, msg.Timestamp, now)
		metrics.MessagesProcessed.Inc()

		if i.detector != nil && i.detector.Observe(now, key, msg.SizeBytes) {
			overflowing[env.SessionID] = struct{}{}
		}
	}

	// Quarantine publication is best-effort; a kv failure here never fails
	// the batch.
	for sessionID := range overflowing {
		if err := i.detector.Publish(ctx, now, sessionID); err != nil {
			i.log.Error().Err(err).Str("session_id", sessionID).Msg("overflow publish failed")
			continue
		}
		metrics.OverflowPublished.Inc()
	}

	metrics.SessionsBuffered.Set(float64(i.reg.size()))
	return nil
}

// FlushReady flushes every buffer whose age or size crossed its threshold,
// and all buffers of partitions that have gone idle. Flush errors are
// logged and retried on the next pass.
func (i *Ingester) FlushReady(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	for p, state := range i.owned {
		if state != stateOwned {
			continue
		}

		idle, tracked := i.trk.idleFor(p, now)
		partitionIdle := tracked && idle >= i.cfg.Buffer.PartitionIdle

		bufs := i.reg.partitionBuffers(p)
		// Oldest first, so memory is reclaimed where it hurts most.
		sort.Slice(bufs, func(a, b int) bool {
			return bufs[a].OldestTimestamp().Before(bufs[b].OldestTimestamp())
		})

		for _, b := range bufs {
			if _, ok := b.LowestOffset(); !ok {
				continue
			}
			var reason types.FlushReason
			switch {
			case partitionIdle:
				reason = types.FlushReasonPartitionShutdown
			case b.SizeBytes() >= i.cfg.Buffer.MaxSizeBytes:
				reason = types.FlushReasonBufferSize
			case now.Sub(b.OldestTimestamp()) >= i.cfg.Buffer.MaxAge:
				reason = types.FlushReasonBufferAge
			default:
				continue
			}

			if err := i.flushBuffer(ctx, b, reason); err != nil {
				i.plog(p).Error().Err(err).Str("session", b.Key.String()).Msg("flush failed, will retry")
				continue
			}
			i.reg.remove(b.Key)
			b.Destroy()
		}
	}

	if i.detector != nil {
		i.detector.Sweep(now)
	}
	metrics.SessionsBuffered.Set(float64(i.reg.size()))
}

// flushBuffer uploads one buffer and records its high-water marks. The flush
// only counts once the session watermark is durable; a failed watermark
// write reopens the buffer so the whole flush retries.
func (i *Ingester) flushBuffer(ctx context.Context, b *buffer.Buffer, reason types.FlushReason) error {
	// A buffer that never accepted a message holds no offset and nothing to
	// persist; one that did must flush even if its messages carried zero
	// events, or the commit coordinator could advance past unpersisted data.
	if _, ok := b.LowestOffset(); !ok {
		return nil
	}

	if err := b.Flush(ctx, i.sink); err != nil {
		metrics.BufferFlushes.WithLabelValues(string(reason), "error").Inc()
		return err
	}

	if err := i.sessions.Advance(ctx, b.Partition, b.Key.SessionID, b.NewestOffset()); err != nil {
		metrics.BufferFlushes.WithLabelValues(string(reason), "error").Inc()
		if reopenErr := b.Reopen(); reopenErr != nil {
			return fmt.Errorf("%v (reopen also failed: %w)", err, reopenErr)
		}
		return err
	}

	// Subsystem marks are advisory positions for the downstream pipelines;
	// a failed write is retried by the next flush on the partition.
	if last, ok := i.trk.last(b.Partition); ok {
		for _, name := range i.cfg.Watermark.Subsystems {
			if err := i.subsystems.Advance(ctx, b.Partition, name, last); err != nil {
				i.plog(b.Partition).Error().Err(err).Str("subsystem", name).Msg("subsystem watermark write failed")
			}
		}
	}

	metrics.BufferFlushes.WithLabelValues(string(reason), "ok").Inc()
	i.plog(b.Partition).Info().Str("session", b.Key.String()).Str("reason", string(reason)).
		Int64("bytes", b.SizeBytes()).Int64("events", b.EventCount()).Msg("session flushed")
	return nil
}

// CommitOffsets runs the commit coordinator across every owned partition and
// trims session watermarks that fell below the new committed offsets. Errors
// are logged; the next periodic pass retries.
func (i *Ingester) CommitOffsets(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for p, state := range i.owned {
		if state != stateOwned {
			continue
		}
		if err := i.commitPartition(ctx, p); err != nil {
			i.plog(p).Error().Err(err).Msg("offset commit failed, will retry")
		}
	}
}

// commitPartition commits one partition and trims its session marks. Caller
// holds i.mu.
func (i *Ingester) commitPartition(ctx context.Context, p int32) error {
	if err := i.cmt.commitPartition(ctx, p, i.reg, i.trk); err != nil {
		return err
	}
	if committed, ok := i.cmt.lastCommitted(p); ok {
		if err := i.sessions.Trim(ctx, p, committed); err != nil {
			i.plog(p).Error().Err(err).Msg("watermark trim failed")
		}
	}
	return nil
}

// Run drives the periodic maintenance passes until ctx is cancelled: flush
// scheduling every second, offset commits on the configured interval.
func (i *Ingester) Run(ctx context.Context) {
	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()
	commitTicker := time.NewTicker(i.cfg.Commit.Interval)
	defer commitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			i.FlushReady(ctx)
		case <-commitTicker.C:
			i.CommitOffsets(ctx)
		}
	}
}

// Sessions returns the keys of all live session buffers.
func (i *Ingester) Sessions() []types.SessionKey {
	keys := make([]types.SessionKey, 0)
	for _, b := range i.reg.all() {
		keys = append(keys, b.Key)
	}
	return keys
}

// SpillPaths returns the on-disk spill file paths for a buffered session.
func (i *Ingester) SpillPaths(key types.SessionKey) (data, meta string, ok bool) {
	b, found := i.reg.get(key)
	if !found {
		return "", "", false
	}
	data, meta = b.SpillPaths()
	return data, meta, true
}

// LastCommitted returns the last offset committed for a partition.
func (i *Ingester) LastCommitted(partition int32) (int64, bool) {
	return i.cmt.lastCommitted(partition)
}

// SetNow replaces the ingester's clock, for tests.
func (i *Ingester) SetNow(now func() time.Time) {
	i.now = now
}
