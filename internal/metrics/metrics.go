// Package metrics registers the ingester's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts messages routed into session buffers
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_ingest_messages_processed_total",
		Help: "Messages accepted into session buffers",
	})

	// MessagesSkipped counts messages skipped without buffering, by cause
	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_ingest_messages_skipped_total",
		Help: "Messages skipped without buffering",
	}, []string{"cause"})

	// BufferFlushes counts session buffer flushes by reason and outcome
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_ingest_buffer_flushes_total",
		Help: "Session buffer flush attempts",
	}, []string{"reason", "outcome"})

	// OffsetCommits counts offsets committed to the log client
	OffsetCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replay_ingest_offset_commits_total",
		Help: "Offset commits issued",
	}, []string{"outcome"})

	// OverflowPublished counts sessions published to the quarantine set
	OverflowPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replay_ingest_overflow_published_total",
		Help: "Sessions published to the overflow quarantine set",
	})

	// PartitionsOwned tracks the number of currently owned partitions
	PartitionsOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_ingest_partitions_owned",
		Help: "Partitions currently owned by this consumer",
	})

	// SessionsBuffered tracks the number of live session buffers
	SessionsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replay_ingest_sessions_buffered",
		Help: "Session buffers currently held in the registry",
	})
)
