package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/greymass/kvs/services/kvsd/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, dir string, opts Options) *LogEngine {
	t.Helper()
	e, err := OpenLog(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func requireValue(t *testing.T, e Engine, key, want string) {
	t.Helper()
	v, ok, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %q missing", key)
	require.Equal(t, want, string(v))
}

func requireAbsent(t *testing.T, e Engine, key string) {
	t.Helper()
	_, ok, err := e.Get([]byte(key))
	require.NoError(t, err)
	require.False(t, ok, "key %q present", key)
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".seg") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestSetGetOverwrite(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{})

	requireAbsent(t, e, "key1")
	require.NoError(t, e.Set([]byte("key1"), []byte("value1")))
	requireValue(t, e, "key1", "value1")
	require.NoError(t, e.Set([]byte("key1"), []byte("value2")))
	requireValue(t, e, "key1", "value2")

	require.NoError(t, e.Set([]byte("empty"), nil))
	v, ok, err := e.Get([]byte("empty"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)

	stats := e.Stats()
	require.Equal(t, 2, stats.Keys)
	require.Positive(t, stats.StaleBytes)
	require.Equal(t, "idle", stats.CompactionState)
}

func TestRemove(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{})

	require.ErrorIs(t, e.Remove([]byte("missing")), ErrKeyNotFound)

	require.NoError(t, e.Set([]byte("key1"), []byte("value1")))
	before := e.Stats().StaleBytes
	require.NoError(t, e.Remove([]byte("key1")))
	requireAbsent(t, e, "key1")
	require.Greater(t, e.Stats().StaleBytes, before)
	require.ErrorIs(t, e.Remove([]byte("key1")), ErrKeyNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenLog(dir, Options{Segment: segment.Options{MaxSegmentSize: 512}})
	require.NoError(t, err)

	want := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%03d", i%50)
		value := fmt.Sprintf("value%d", i)
		require.NoError(t, e.Set([]byte(key), []byte(value)))
		want[key] = value
	}
	for i := 0; i < 50; i += 5 {
		key := fmt.Sprintf("key%03d", i)
		require.NoError(t, e.Remove([]byte(key)))
		delete(want, key)
	}
	staleBefore := e.Stats().StaleBytes
	require.NoError(t, e.Close())

	e = openLog(t, dir, Options{Segment: segment.Options{MaxSegmentSize: 512}})
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key%03d", i)
		if v, ok := want[key]; ok {
			requireValue(t, e, key, v)
		} else {
			requireAbsent(t, e, key)
		}
	}
	require.Equal(t, len(want), e.Stats().Keys)
	require.Equal(t, staleBefore, e.Stats().StaleBytes)

	// New writes continue the sequence after the recovered ones.
	require.NoError(t, e.Set([]byte("key001"), []byte("after")))
	require.NoError(t, e.Close())
	e = openLog(t, dir, Options{})
	requireValue(t, e, "key001", "after")
}

func TestEndToEndScenario(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenLog(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))
	require.NoError(t, e.Remove([]byte("a")))
	requireAbsent(t, e, "a")
	requireValue(t, e, "b", "2")
	require.NoError(t, e.Close())

	e = openLog(t, dir, Options{})
	requireValue(t, e, "b", "2")
	requireAbsent(t, e, "a")
}

func TestCompactionPreservesLiveSet(t *testing.T) {
	dir := t.TempDir()
	e := openLog(t, dir, Options{Segment: segment.Options{MaxSegmentSize: 1024}})

	want := make(map[string]string)
	for round := 0; round < 10; round++ {
		for i := 0; i < 40; i++ {
			key := fmt.Sprintf("key%02d", i)
			value := fmt.Sprintf("value-%d-%d", i, round)
			require.NoError(t, e.Set([]byte(key), []byte(value)))
			want[key] = value
		}
	}
	for i := 0; i < 40; i += 4 {
		key := fmt.Sprintf("key%02d", i)
		require.NoError(t, e.Remove([]byte(key)))
		delete(want, key)
	}

	before := e.Stats()
	oldFiles := segmentFiles(t, dir)
	require.NoError(t, e.Compact(context.Background()))
	after := e.Stats()

	for key, v := range want {
		requireValue(t, e, key, v)
	}
	for i := 0; i < 40; i += 4 {
		requireAbsent(t, e, fmt.Sprintf("key%02d", i))
	}
	require.LessOrEqual(t, after.DiskBytes, before.DiskBytes)
	require.Less(t, after.DiskBytes, before.DiskBytes/2)
	require.Zero(t, after.StaleBytes)
	require.Equal(t, uint64(1), after.Compactions)
	require.Equal(t, len(want), after.Keys)

	newFiles := segmentFiles(t, dir)
	for _, name := range oldFiles {
		require.NotContains(t, newFiles, name, "stale segment survived compaction")
	}

	require.NoError(t, e.Close())
	e = openLog(t, dir, Options{})
	for key, v := range want {
		requireValue(t, e, key, v)
	}
	require.Equal(t, len(want), e.Stats().Keys)
}

func TestCompactionKeepsRacingWrites(t *testing.T) {
	dir := t.TempDir()
	e := openLog(t, dir, Options{})

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("old")))
	}

	e.compactor.prepareHook = func(i int) error {
		if i != 0 {
			return nil
		}
		require.Equal(t, "preparing", e.Stats().CompactionState)
		if err := e.Set([]byte("k1"), []byte("new")); err != nil {
			return err
		}
		if err := e.Remove([]byte("k2")); err != nil {
			return err
		}
		return e.Set([]byte("fresh"), []byte("value"))
	}
	require.NoError(t, e.Compact(context.Background()))
	e.compactor.prepareHook = nil

	requireValue(t, e, "k0", "old")
	requireValue(t, e, "k1", "new")
	requireAbsent(t, e, "k2")
	requireValue(t, e, "fresh", "value")
	require.Equal(t, 10, e.Stats().Keys)
	// The tombstone for k2 plus the rewritten copies of k1 and k2.
	require.Positive(t, e.Stats().StaleBytes)

	require.NoError(t, e.Close())
	e = openLog(t, dir, Options{})
	requireValue(t, e, "k1", "new")
	requireAbsent(t, e, "k2")
	requireValue(t, e, "fresh", "value")
	requireValue(t, e, "k9", "old")
}

func TestCompactionFailureLeavesStateIntact(t *testing.T) {
	dir := t.TempDir()
	e := openLog(t, dir, Options{})

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v1")))
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v2")))
	}
	before := e.Stats()

	boom := errors.New("disk full")
	e.compactor.prepareHook = func(i int) error {
		if i == 15 {
			return boom
		}
		return nil
	}
	err := e.Compact(context.Background())
	require.ErrorIs(t, err, ErrCompaction)
	require.ErrorIs(t, err, boom)

	after := e.Stats()
	require.Equal(t, before.Keys, after.Keys)
	require.Equal(t, before.StaleBytes, after.StaleBytes)
	require.Equal(t, "idle", after.CompactionState)
	require.Zero(t, after.Compactions)
	for i := 0; i < 20; i++ {
		requireValue(t, e, fmt.Sprintf("k%d", i), "v2")
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".compact"), entry.Name())
	}

	e.compactor.prepareHook = nil
	require.NoError(t, e.Compact(context.Background()))
	require.Zero(t, e.Stats().StaleBytes)
}

// copyDir snapshots the regular files of src, standing in for the disk
// state a crash would leave behind.
func copyDir(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, ent.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, ent.Name()), data, 0o644))
	}
	return dst
}

func TestCompactionRemovedKeyStaysRemovedAfterCrash(t *testing.T) {
	dir := t.TempDir()
	e := openLog(t, dir, Options{})

	require.NoError(t, e.Set([]byte("gone"), []byte("old")))
	require.NoError(t, e.Set([]byte("keep"), []byte("v")))
	first, err := e.store.Rotate()
	require.NoError(t, err)
	require.NoError(t, e.Remove([]byte("gone")))

	// a reader still holds the segment with the dead value
	h, err := e.store.Acquire(first)
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, e.Compact(context.Background()))
	require.NotContains(t, segmentFiles(t, dir), fmt.Sprintf("%010d.seg", first))

	crashed := openLog(t, copyDir(t, dir), Options{})
	requireAbsent(t, crashed, "gone")
	requireValue(t, crashed, "keep", "v")
}

func TestGetDoesNotWaitForWriterSync(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{})
	require.NoError(t, e.Set([]byte("k"), []byte("v")))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.appendHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	written := make(chan error, 1)
	go func() { written <- e.Set([]byte("other"), []byte("x")) }()
	<-entered

	got := make(chan string, 1)
	go func() {
		v, _, _ := e.Get([]byte("k"))
		got <- string(v)
	}()
	select {
	case v := <-got:
		require.Equal(t, "v", v)
	case <-time.After(time.Second):
		close(release)
		t.Fatal("Get blocked behind an in-flight write")
	}
	requireAbsent(t, e, "other")

	close(release)
	require.NoError(t, <-written)
	requireValue(t, e, "other", "x")
}

func TestCompactOutlivesCancelledCaller(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{})
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%02d", i)
		require.NoError(t, e.Set([]byte(key), []byte("stale")))
		require.NoError(t, e.Set([]byte(key), []byte(key)))
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.compactor.prepareHook = func(int) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Compact(ctx) }()
	<-started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.Compactions == 1 && s.CompactionState == "idle"
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, e.Stats().StaleBytes)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%02d", i)
		requireValue(t, e, key, key)
	}
}

func TestConcurrentWritersSameKey(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, e.Set([]byte("shared"), []byte(fmt.Sprintf("writer-%d-%d", w, i))))
			}
		}(w)
	}
	wg.Wait()

	v, ok, err := e.Get([]byte("shared"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Regexp(t, `^writer-\d-49$`, string(v))
}

func TestReadersDuringCompaction(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{Segment: segment.Options{MaxSegmentSize: 4096}})

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%03d", i)
		require.NoError(t, e.Set([]byte(key), []byte("stale")))
		require.NoError(t, e.Set([]byte(key), []byte(key)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				key := fmt.Sprintf("key%03d", i%200)
				v, ok, err := e.Get([]byte(key))
				if err != nil || !ok || string(v) != key {
					errs <- fmt.Errorf("Get(%s) = (%q, %v, %v)", key, v, ok, err)
					return
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Compact(context.Background()))
	}
	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAutomaticCompaction(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{CompactThreshold: 4096})

	value := make([]byte, 256)
	for i := 0; i < 40; i++ {
		require.NoError(t, e.Set([]byte("hot"), value))
	}
	require.Eventually(t, func() bool {
		return e.Stats().Compactions > 0
	}, 5*time.Second, 10*time.Millisecond)
	requireValue(t, e, "hot", string(value))
}

func TestCompactRatioTrigger(t *testing.T) {
	e := openLog(t, t.TempDir(), Options{CompactRatio: 0.5})

	require.NoError(t, e.Set([]byte("a"), []byte("1111111111")))
	require.False(t, e.shouldCompact())
	require.NoError(t, e.Set([]byte("a"), []byte("2222222222")))
	require.False(t, e.shouldCompact())
	require.NoError(t, e.Set([]byte("a"), []byte("3333333333")))
	require.Eventually(t, func() bool {
		return e.Stats().Compactions > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClosedEngine(t *testing.T) {
	e, err := OpenLog(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, _, err = e.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Set([]byte("k"), []byte("v")), ErrClosed)
	require.ErrorIs(t, e.Remove([]byte("k")), ErrClosed)
	require.ErrorIs(t, e.Compact(context.Background()), ErrClosed)
}

func TestOpenChecksEngineMarker(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(KindLog, dir, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	require.NoError(t, err)
	require.Equal(t, "log\n", string(data))

	_, err = Open(KindPebble, dir, Options{})
	require.ErrorIs(t, err, ErrEngineMismatch)

	e, err = Open(KindLog, dir, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	require.Equal(t, KindLog, k)
	k, err = ParseKind("Pebble")
	require.NoError(t, err)
	require.Equal(t, KindPebble, k)
	_, err = ParseKind("bitcask")
	require.Error(t, err)
}
