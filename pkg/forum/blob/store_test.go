package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/pkg/forum"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	payload := []byte("binary attachment bytes")
	require.NoError(t, store.Put(ctx, "coffee", "photo.png", payload))

	got, err := store.Get(ctx, "coffee", "photo.png")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "coffee", "photo.png", []byte("first")))

	err := store.Put(ctx, "coffee", "photo.png", []byte("second"))
	assert.Equal(t, forum.ErrAlreadyExists, forum.CodeOf(err))

	// The original content is untouched.
	got, err := store.Get(ctx, "coffee", "photo.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, "coffee", "nope.txt")
	assert.Equal(t, forum.ErrNotFound, forum.CodeOf(err))
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ok, err := store.Exists(ctx, "coffee", "photo.png")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "coffee", "photo.png", []byte("x")))

	ok, err = store.Exists(ctx, "coffee", "photo.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeysAreDisjointAcrossThreads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "coffee", "a.txt", []byte("coffee-a")))
	require.NoError(t, store.Put(ctx, "tea", "a.txt", []byte("tea-a")))

	got, err := store.Get(ctx, "coffee", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("coffee-a"), got)
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "coffee", "a.txt", []byte("1")))
	require.NoError(t, store.Put(ctx, "coffee", "b.txt", []byte("2")))
	require.NoError(t, store.Put(ctx, "tea", "a.txt", []byte("3")))

	require.NoError(t, store.DeleteThread(ctx, "coffee"))

	ok, err := store.Exists(ctx, "coffee", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, "coffee", "b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other threads are unaffected.
	ok, err = store.Exists(ctx, "tea", "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	// Idempotent on an empty prefix.
	require.NoError(t, store.DeleteThread(ctx, "coffee"))
}
