package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sockline/internal/store"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := openInMemory(t)

	_, err := s.Get(ctx, "sockline.queue")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "sockline.queue", `[{"event":"a"}]`))

	got, err := s.Get(ctx, "sockline.queue")
	require.NoError(t, err)
	assert.Equal(t, `[{"event":"a"}]`, got)

	require.NoError(t, s.Remove(ctx, "sockline.queue"))
	require.NoError(t, s.Remove(ctx, "sockline.queue"))

	_, err = s.Get(ctx, "sockline.queue")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_OnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Close())

	s, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", "v"), store.ErrClosed)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
