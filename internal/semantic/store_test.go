package semantic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "doctalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreSearchIsScopedAndRanked(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.ReplaceChunks(ctx, "u1", "a.pdf", []Chunk{
				{Index: 0, Content: "apples", Embedding: []float32{1, 0, 0}},
				{Index: 1, Content: "pears", Embedding: []float32{0.7, 0.7, 0}},
			}))
			require.NoError(t, store.ReplaceChunks(ctx, "u1", "b.pdf", []Chunk{
				{Index: 0, Content: "rockets", Embedding: []float32{0, 0, 1}},
			}))
			require.NoError(t, store.ReplaceChunks(ctx, "u2", "a.pdf", []Chunk{
				{Index: 0, Content: "someone else's apples", Embedding: []float32{1, 0, 0}},
			}))

			frags, err := store.Search(ctx, "u1", []float32{1, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, frags, 2)
			assert.Equal(t, "apples", frags[0].Content)
			assert.Equal(t, "pears", frags[1].Content)
			assert.InDelta(t, 1.0, frags[0].Score, 1e-6)

			none, err := store.Search(ctx, "u3", []float32{1, 0, 0}, 5)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreReplaceChunksDoesNotDuplicate(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpsertMetadata(ctx, Document{UserID: "u1", Filename: "a.pdf"}))
			chunks := []Chunk{{Index: 0, Content: "v1", Embedding: []float32{1, 0}}}
			require.NoError(t, store.ReplaceChunks(ctx, "u1", "a.pdf", chunks))
			chunks[0].Content = "v2"
			require.NoError(t, store.ReplaceChunks(ctx, "u1", "a.pdf", chunks))

			frags, err := store.Search(ctx, "u1", []float32{1, 0}, 5)
			require.NoError(t, err)
			require.Len(t, frags, 1)
			assert.Equal(t, "v2", frags[0].Content)

			docs, err := store.ListDocuments(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, 1, docs[0].ChunkCount)
		})
	}
}

func TestStoreMetadataChunkCount(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpsertMetadata(ctx, Document{UserID: "u1", Filename: "a.pdf", ChunkCount: 3}))
			require.NoError(t, store.UpsertMetadata(ctx, Document{UserID: "u1", Filename: "a.pdf", ChunkCount: 1}))
			require.NoError(t, store.UpsertMetadata(ctx, Document{UserID: "u1", Filename: "a.pdf", SizeBytes: 7}))

			docs, err := store.ListDocuments(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, 1, docs[0].ChunkCount)
			assert.Equal(t, int64(7), docs[0].SizeBytes)
		})
	}
}

func TestStoreDeletesAreIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.DeleteChunks(ctx, "u1", "missing.pdf"))
			require.NoError(t, store.DeleteMetadata(ctx, "u1", "missing.pdf"))

			require.NoError(t, store.UpsertMetadata(ctx, Document{UserID: "u1", Filename: "a.pdf", OCR: true, SizeBytes: 10}))
			require.NoError(t, store.ReplaceChunks(ctx, "u1", "a.pdf", []Chunk{{Index: 0, Content: "secret", Embedding: []float32{1}}}))
			require.NoError(t, store.DeleteChunks(ctx, "u1", "a.pdf"))
			require.NoError(t, store.DeleteMetadata(ctx, "u1", "a.pdf"))
			require.NoError(t, store.DeleteChunks(ctx, "u1", "a.pdf"))

			frags, err := store.Search(ctx, "u1", []float32{1}, 5)
			require.NoError(t, err)
			assert.Empty(t, frags)
			docs, err := store.ListDocuments(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3e-7}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestNewStoreRejectsUnknownMode(t *testing.T) {
	_, err := NewStore(context.Background(), Options{Mode: "cassandra"})
	require.Error(t, err)
}
