// Package kafka adapts a franz-go consumer group to the ingester's narrow
// log client interface. The core never imports kgo; it sees commits and
// lifecycle callbacks only.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kzerolog"

	"github.com/kumarlokesh/replay-ingest/internal/config"
	"github.com/kumarlokesh/replay-ingest/internal/types"
)

// Handler is the consumer-side surface the adapter drives: the ingester's
// lifecycle callbacks and batch entry point.
type Handler interface {
	Assign(ctx context.Context, partitions []int32) error
	Revoke(ctx context.Context, partitions []int32) error
	HandleBatch(ctx context.Context, msgs []*types.Message) error
}

// Consumer wraps a kgo consumer-group client. Offsets are committed only
// through Commit; autocommit is disabled so nothing is acknowledged before
// its session buffer is durable.
type Consumer struct {
	topic   string
	client  *kgo.Client
	handler Handler
	log     zerolog.Logger
}

// NewConsumer creates a consumer-group client for the configured topic and
// wires its rebalance callbacks to the handler. Revocation blocks inside the
// callback until the handler has flushed and committed, which is what keeps
// a second consumer from starting ahead of the committed offset.
func NewConsumer(cfg *config.KafkaConfig, handler Handler, log zerolog.Logger) (*Consumer, error) {
	c := &Consumer{
		topic:   cfg.ConsumedTopic(),
		handler: handler,
		log:     log.With().Str("component", "kafka").Logger(),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(c.topic),
		kgo.DisableAutoCommit(),
		kgo.WithLogger(kzerolog.New(&c.log)),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			if err := handler.Assign(ctx, assigned[c.topic]); err != nil {
				c.log.Error().Err(err).Msg("partition assignment failed")
			}
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			if err := handler.Revoke(ctx, revoked[c.topic]); err != nil {
				c.log.Error().Err(err).Msg("partition revocation incomplete")
			}
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			// Same path as a graceful revocation: the flush is idempotent by
			// blob path and a rejected commit is harmless, while anything not
			// flushed here is replayed by the new owner and deduplicated
			// through the session watermarks.
			if err := handler.Revoke(ctx, lost[c.topic]); err != nil {
				c.log.Error().Err(err).Msg("partition loss cleanup incomplete")
			}
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// Commit records that messages below offset on partition need not be
// redelivered. The committed value points at the next message to deliver.
func (c *Consumer) Commit(ctx context.Context, partition int32, offset int64) error {
	var commitErr error
	c.client.CommitOffsetsSync(ctx, map[string]map[int32]kgo.EpochOffset{
		c.topic: {partition: {Epoch: -1, Offset: offset}},
	}, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
	})
	if commitErr != nil {
		return fmt.Errorf("failed to commit offset %d for partition %d: %w", offset, partition, commitErr)
	}
	return nil
}

// Poll fetches one batch of records and hands it to the handler. It returns
// once the batch is fully drained or the context is cancelled.
func (c *Consumer) Poll(ctx context.Context) error {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return context.Canceled
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		c.log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
	})

	var msgs []*types.Message
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, &types.Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
			Key:       r.Key,
			SizeBytes: int64(len(r.Value)),
			Payload:   r.Value,
		})
	})
	if len(msgs) == 0 {
		return nil
	}

	if err := c.handler.HandleBatch(ctx, msgs); err != nil {
		// The batch is not acknowledged; the broker redelivers it and the
		// watermark filter drops what already reached a buffer.
		return fmt.Errorf("batch handling failed: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("poll failed")
			// Back off briefly so a persistent local failure does not spin.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
