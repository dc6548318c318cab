package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumarlokesh/replay-ingest/internal/storage"
)

func setupFilesystemStore(t *testing.T) (storage.BlobStore, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "replay-ingest-test-")
	require.NoError(t, err, "Failed to create temp directory")

	store, err := storage.NewFilesystemStore(tempDir)
	require.NoError(t, err, "Failed to create filesystem store")

	return store, func() {
		os.RemoveAll(tempDir)
	}
}

func TestFilesystemStore(t *testing.T) {
	t.Run("Put and get round trip", func(t *testing.T) {
		store, cleanup := setupFilesystemStore(t)
		defer cleanup()

		ctx := context.Background()
		key := "team_42/session_sid1/data-1-2.jsonl.gz"
		content := []byte("compressed recording")

		require.NoError(t, store.PutObject(ctx, key, content))

		data, err := store.GetObject(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, content, data)
	})

	t.Run("Put is idempotent by key", func(t *testing.T) {
		store, cleanup := setupFilesystemStore(t)
		defer cleanup()

		ctx := context.Background()
		key := "team_42/session_sid1/data-1-2.jsonl.gz"

		require.NoError(t, store.PutObject(ctx, key, []byte("first")))
		require.NoError(t, store.PutObject(ctx, key, []byte("second")))

		data, err := store.GetObject(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), data)

		keys, err := store.ListObjects(ctx, "team_42/")
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})

	t.Run("List filters by prefix", func(t *testing.T) {
		store, cleanup := setupFilesystemStore(t)
		defer cleanup()

		ctx := context.Background()
		require.NoError(t, store.PutObject(ctx, "team_1/session_a/data-1-2.jsonl.gz", []byte("a")))
		require.NoError(t, store.PutObject(ctx, "team_1/session_a/data-1-2.metadata.json", []byte("m")))
		require.NoError(t, store.PutObject(ctx, "team_2/session_b/data-3-4.jsonl.gz", []byte("b")))

		keys, err := store.ListObjects(ctx, "team_1/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"team_1/session_a/data-1-2.jsonl.gz",
			"team_1/session_a/data-1-2.metadata.json",
		}, keys)
	})

	t.Run("Rejects keys escaping the root", func(t *testing.T) {
		store, cleanup := setupFilesystemStore(t)
		defer cleanup()

		ctx := context.Background()
		err := store.PutObject(ctx, "../outside", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("Get of missing object fails", func(t *testing.T) {
		store, cleanup := setupFilesystemStore(t)
		defer cleanup()

		_, err := store.GetObject(context.Background(), "missing")
		assert.Error(t, err)
	})
}
