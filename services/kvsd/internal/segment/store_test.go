package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/greymass/kvs/services/kvsd/internal/index"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, _, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRead(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	p1, err := s.Append(&Entry{Seq: 1, Key: []byte("alpha"), Value: []byte("one")})
	require.NoError(t, err)
	p2, err := s.Append(&Entry{Seq: 2, Key: []byte("alpha"), Tombstone: true})
	require.NoError(t, err)
	p3, err := s.Append(&Entry{Seq: 3, Key: []byte("empty"), Value: []byte{}})
	require.NoError(t, err)

	require.Equal(t, uint64(HeaderSize), p1.Offset)
	require.Equal(t, p1.Offset+uint64(p1.Length), p2.Offset)

	e, err := s.Read(p1)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(e.Key))
	require.Equal(t, "one", string(e.Value))
	require.False(t, e.Tombstone)

	e, err = s.Read(p2)
	require.NoError(t, err)
	require.True(t, e.Tombstone)
	require.Nil(t, e.Value)

	e, err = s.Read(p3)
	require.NoError(t, err)
	require.NotNil(t, e.Value)
	require.Empty(t, e.Value)

	require.Equal(t, int64(HeaderSize)+int64(p1.Length+p2.Length+p3.Length), s.DiskSize())
}

func TestCompressedValues(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{CompressionLevel: 3, CompressMinSize: 64})

	value := bytes.Repeat([]byte("compressible "), 1000)
	ptr, err := s.Append(&Entry{Seq: 1, Key: []byte("big"), Value: value})
	require.NoError(t, err)
	require.Less(t, int(ptr.Length), len(value))

	small, err := s.Append(&Entry{Seq: 2, Key: []byte("small"), Value: []byte("tiny")})
	require.NoError(t, err)

	e, err := s.Read(ptr)
	require.NoError(t, err)
	require.Equal(t, value, e.Value)

	e, err = s.Read(small)
	require.NoError(t, err)
	require.Equal(t, "tiny", string(e.Value))
}

func TestRotateOnSize(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{MaxSegmentSize: 128})

	var ptrs []index.LogPointer
	for i := 0; i < 10; i++ {
		ptr, err := s.Append(&Entry{Seq: uint64(i + 1), Key: []byte("key"), Value: bytes.Repeat([]byte{'v'}, 40)})
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.Greater(t, len(s.ListSegments()), 1)
	require.Equal(t, s.ActiveGen(), ptrs[len(ptrs)-1].Gen)

	for _, ptr := range ptrs {
		_, err := s.Read(ptr)
		require.NoError(t, err)
	}

	old, err := s.Rotate()
	require.NoError(t, err)
	require.Equal(t, ptrs[len(ptrs)-1].Gen, old)
	require.Equal(t, old+1, s.ActiveGen())
}

func TestReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	ptr, err := s.Append(&Entry{Seq: 1, Key: []byte("k"), Value: []byte("value")})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, FileName(ptr.Gen)), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, int64(ptr.Offset)+int64(ptr.Length)-6)
	require.NoError(t, err)
	f.Close()

	_, err = s.Read(ptr)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = s.Read(index.LogPointer{Gen: 99, Offset: HeaderSize, Length: 20})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestReopenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, Options{})
	require.NoError(t, err)
	p1, err := s.Append(&Entry{Seq: 1, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	_, err = s.Append(&Entry{Seq: 2, Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, FileName(p1.Gen))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	s, report, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 1, report.Segments)
	require.Equal(t, stat.Size()-3-int64(p1.Offset+uint64(p1.Length)), report.TruncatedBytes)

	var keys []string
	skipped, err := s.Scan(p1.Gen, func(r index.Record) error {
		keys = append(keys, string(r.Key))
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Equal(t, []string{"a"}, keys)

	p3, err := s.Append(&Entry{Seq: 3, Key: []byte("c"), Value: []byte("3")})
	require.NoError(t, err)
	require.Equal(t, p1.Offset+uint64(p1.Length), p3.Offset)
}

func TestOpenRejectsBadHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(1)), []byte("NOTASEGMENTFILE!"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(2)), NewHeader(2).Bytes(), 0644))

	_, _, err := Open(dir, Options{})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRemoveUnlinksWhileReaderHoldsHandle(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	ptr, err := s.Append(&Entry{Seq: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	_, err = s.Rotate()
	require.NoError(t, err)

	require.Error(t, s.Remove(s.ActiveGen()))

	h, err := s.Acquire(ptr.Gen)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ptr.Gen))

	path := filepath.Join(dir, FileName(ptr.Gen))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "segment still on disk after Remove")
	require.NotContains(t, s.ListSegments(), ptr.Gen)

	e, err := h.ReadEntry(ptr)
	require.NoError(t, err)
	require.Equal(t, "v", string(e.Value))
	h.Release()

	_, err = s.Acquire(ptr.Gen)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestSealAndRemoveSyncDirectory(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})

	var synced [][]string
	orig := syncDir
	syncDir = func(d string) error {
		entries, err := os.ReadDir(d)
		if err != nil {
			return err
		}
		var names []string
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		synced = append(synced, names)
		return orig(d)
	}
	t.Cleanup(func() { syncDir = orig })

	_, err := s.Append(&Entry{Seq: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	sealed, err := s.Rotate()
	require.NoError(t, err)

	w, err := s.NewSegmentWriter()
	require.NoError(t, err)
	_, err = w.Append(&Entry{Seq: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, w.Seal())

	require.Len(t, synced, 1)
	require.Contains(t, synced[0], FileName(w.Gen()), "directory synced before the rename")

	require.NoError(t, s.Remove(sealed))
	require.Len(t, synced, 2)
	require.NotContains(t, synced[1], FileName(sealed), "directory synced before the unlink")
}

func TestCompactionWriter(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})

	w, err := s.NewSegmentWriter()
	require.NoError(t, err)
	ptr, err := w.Append(&Entry{Seq: 5, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.NotContains(t, s.ListSegments(), w.Gen())

	require.NoError(t, w.Seal())
	require.Contains(t, s.ListSegments(), w.Gen())
	e, err := s.Read(ptr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), e.Seq)

	aborted, err := s.NewSegmentWriter()
	require.NoError(t, err)
	_, err = aborted.Append(&Entry{Seq: 6, Key: []byte("x"), Value: []byte("y")})
	require.NoError(t, err)
	aborted.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), compactingExt), entry.Name())
	}
}

func TestOpenDiscardsUnfinishedCompaction(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir, Options{})
	require.NoError(t, err)
	w, err := s.NewSegmentWriter()
	require.NoError(t, err)
	_, err = w.Append(&Entry{Seq: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, s.Close())

	s, report, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 1, report.DiscardedOutput)
	require.Equal(t, []uint64{1}, s.ListSegments())
}

func TestParseSyncMode(t *testing.T) {
	m, err := ParseSyncMode("flush")
	require.NoError(t, err)
	require.Equal(t, SyncFlush, m)
	m, err = ParseSyncMode("")
	require.NoError(t, err)
	require.Equal(t, SyncAlways, m)
	_, err = ParseSyncMode("sometimes")
	require.Error(t, err)
}
