package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*FSStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := NewFSStore(fsys, "/objects", nil)
	require.NoError(t, err)
	return store.WithSourceFs(fsys), fsys
}

func TestFSStore_PutGetExists(t *testing.T) {
	ctx := context.Background()
	store, fsys := newMemStore(t)

	exists, err := store.Exists(ctx, "stream", "abc-128-1.m4s")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Put(ctx, "stream", "abc-128-1.m4s", []byte("frag"), ContentTypeMP4))

	exists, err = store.Exists(ctx, "stream", "abc-128-1.m4s")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Get(ctx, "stream", "abc-128-1.m4s")
	require.NoError(t, err)
	assert.Equal(t, "frag", string(data))

	onDisk, err := afero.ReadFile(fsys, "/objects/stream/abc-128-1.m4s")
	require.NoError(t, err)
	assert.Equal(t, "frag", string(onDisk))
}

func TestFSStore_GetMissing(t *testing.T) {
	store, _ := newMemStore(t)
	_, err := store.Get(context.Background(), "stream", "abc.m3u8")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFSStore_PutFile(t *testing.T) {
	ctx := context.Background()
	store, fsys := newMemStore(t)
	require.NoError(t, afero.WriteFile(fsys, "/scratch/seg0.m4s", []byte("seg"), 0o644))

	require.NoError(t, store.PutFile(ctx, "stream", "abc-seg0.m4s", "/scratch/seg0.m4s", ContentTypeMP4))
	data, err := store.Get(ctx, "stream", "abc-seg0.m4s")
	require.NoError(t, err)
	assert.Equal(t, "seg", string(data))

	err = store.PutFile(ctx, "stream", "missing.m4s", "/scratch/nope.m4s", ContentTypeMP4)
	assert.Error(t, err)
}

func TestFSStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemStore(t)

	assert.Error(t, store.Put(ctx, "", "k", nil, ""))
	assert.Error(t, store.Put(ctx, "b", "", nil, ""))
	assert.Error(t, store.Put(ctx, "../b", "k", nil, ""))
	assert.Error(t, store.Put(ctx, "b", "../../k", nil, ""))
}

func TestFSStore_CancelledContext(t *testing.T) {
	store, _ := newMemStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Put(ctx, "stream", "k", []byte("x"), ""), context.Canceled)
}
