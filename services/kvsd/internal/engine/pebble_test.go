package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPebbleEngine(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(KindPebble, dir, Options{})
	require.NoError(t, err)

	requireAbsent(t, e, "a")
	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))
	require.NoError(t, e.Set([]byte("b"), []byte("3")))
	requireValue(t, e, "b", "3")
	require.NoError(t, e.Remove([]byte("a")))
	require.ErrorIs(t, e.Remove([]byte("a")), ErrKeyNotFound)
	requireAbsent(t, e, "a")
	require.Equal(t, 1, e.Stats().Keys)

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, e.Compact(context.Background()))
	stats := e.Stats()
	require.Equal(t, KindPebble, stats.Engine)
	require.Equal(t, 101, stats.Keys)
	require.Equal(t, uint64(1), stats.Compactions)
	require.NoError(t, e.Close())

	e, err = Open(KindPebble, dir, Options{})
	require.NoError(t, err)
	defer e.Close()
	requireValue(t, e, "b", "3")
	requireAbsent(t, e, "a")
	require.Equal(t, 101, e.Stats().Keys)

	_, err = Open(KindLog, dir, Options{})
	require.ErrorIs(t, err, ErrEngineMismatch)
}
