// Package kv defines the narrow key/value capability surface the ingester
// needs from the shared store: hashes for high-water marks and a sorted set
// for the overflow quarantine.
package kv

import "context"

// Store is the shared key/value store interface.
type Store interface {
	// HGetAll returns all fields of the hash at key. A missing key yields an
	// empty map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet sets the given fields of the hash at key.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HDel deletes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) error

	// ZAddNX adds member with score to the sorted set at key only if member
	// is not already present. Returns whether the member was added.
	ZAddNX(ctx context.Context, key, member string, score float64) (bool, error)

	// ZRemRangeByScore removes members with min <= score <= max and returns
	// the number removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRangeByScore returns members with min <= score <= max in score order.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// Health check
	Ping(ctx context.Context) error
}
