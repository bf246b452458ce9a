package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mailqueue/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) contracts.ResultRecord {
	return contracts.ResultRecord{
		ID:          id,
		To:          "a@b.c",
		Subject:     "Hi",
		ProcessedAt: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		Status:      contracts.StatusSent,
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file lists as empty", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "data", "processed.json"))

		records, err := store.List(ctx)
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("append creates directory and keeps order", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data", "processed.json")
		store := NewFileStore(path)

		require.NoError(t, store.Append(ctx, testRecord("1")))
		require.NoError(t, store.Append(ctx, testRecord("2")))
		require.NoError(t, store.Append(ctx, testRecord("3")))

		records, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "1", records[0].ID)
		assert.Equal(t, "3", records[2].ID)
		assert.Equal(t, contracts.StatusSent, records[1].Status)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "\n  {", "file is pretty-printed")
		assert.Contains(t, string(data), `"processedAt": "2024-01-01T00:00:01Z"`)

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temp files left behind")
	})

	t.Run("duplicate id is skipped", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "processed.json"))

		require.NoError(t, store.Append(ctx, testRecord("1")))
		require.NoError(t, store.Append(ctx, testRecord("1")))

		records, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("reads records written by another process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "processed.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
  {"id":"x","to":"a@b.c","subject":"Hi","processedAt":"2024-01-01T00:00:00.000Z","status":"sent"}
]`), 0o644))

		records, err := NewFileStore(path).List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "x", records[0].ID)
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "processed.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

		store := NewFileStore(path)
		_, err := store.List(ctx)
		require.Error(t, err)

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, BackendFile, storeErr.Backend)

		assert.Error(t, store.Append(ctx, testRecord("1")))
	})

	t.Run("concurrent appends in one process are not lost", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "processed.json"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.Append(ctx, testRecord(fmt.Sprintf("r-%d", i))))
			}(i)
		}
		wg.Wait()

		records, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 20)
	})

	t.Run("closed store refuses operations", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "processed.json"))
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Append(ctx, testRecord("1")), ErrStoreClosed)
		_, err := store.List(ctx)
		assert.ErrorIs(t, err, ErrStoreClosed)
	})

	t.Run("default path", func(t *testing.T) {
		assert.Equal(t, DefaultFilePath, NewFileStore("").Path())
	})
}

func TestOpen(t *testing.T) {
	t.Run("file backend is the default", func(t *testing.T) {
		store, err := Open(context.Background(), Options{FilePath: filepath.Join(t.TempDir(), "r.json")})
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &FileStore{}, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(context.Background(), Options{Backend: "postgres"})
		assert.ErrorIs(t, err, ErrUnknownBackend)
	})
}
