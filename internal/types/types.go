package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a single inbound record from the partitioned log.
// Within a partition, Offset is strictly monotonic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	SizeBytes int64
	Payload   []byte
}

// Envelope is the decoded message payload.
type Envelope struct {
	Token     string            `json:"api_token"`
	SessionID string            `json:"session_id"`
	Events    []json.RawMessage `json:"events"`
}

// DecodeEnvelope decodes a message payload into an Envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message payload: %w", err)
	}
	if env.Token == "" {
		return nil, fmt.Errorf("message payload is missing api_token")
	}
	if env.SessionID == "" {
		return nil, fmt.Errorf("message payload is missing session_id")
	}
	return &env, nil
}

// Team is the owner of a recording session, resolved from an API token.
type Team struct {
	ID               int64
	RecordingEnabled bool
}

// SessionKey identifies one session buffer within a partition.
type SessionKey struct {
	TeamID    int64
	SessionID string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d/%s", k.TeamID, k.SessionID)
}

// FlushReason records why a session buffer was flushed.
type FlushReason string

const (
	// FlushReasonBufferAge indicates the buffer's oldest event crossed the age threshold.
	FlushReasonBufferAge FlushReason = "buffer_age"
	// FlushReasonBufferSize indicates the buffer crossed the size threshold.
	FlushReasonBufferSize FlushReason = "buffer_size"
	// FlushReasonPartitionShutdown indicates the partition went idle.
	FlushReasonPartitionShutdown FlushReason = "partition_shutdown"
	// FlushReasonPartitionRevoked indicates the partition is being handed off.
	FlushReasonPartitionRevoked FlushReason = "partition_revoked"
)
