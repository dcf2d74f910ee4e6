package semantic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.Put(ctx, "u1", "notes.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "u1/notes.pdf", path)

	data, err := store.Get(ctx, "u1", "notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	require.NoError(t, store.Delete(ctx, "u1", "notes.pdf"))
	require.NoError(t, store.Delete(ctx, "u1", "notes.pdf"))

	_, err = store.Get(ctx, "u1", "notes.pdf")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSBlobStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../x.pdf", "a/b.pdf", "..", ""} {
		_, err := store.Put(context.Background(), "u1", name, []byte("x"))
		assert.Error(t, err, name)
	}
}
