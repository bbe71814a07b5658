package segment

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/services/kvsd/internal/index"
)

var ErrStoreClosed = errors.New("segment store closed")

type SyncMode int

const (
	// SyncAlways fsyncs the active segment after every append.
	SyncAlways SyncMode = iota
	// SyncFlush only hands each append to the OS.
	SyncFlush
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "always":
		return SyncAlways, nil
	case "flush":
		return SyncFlush, nil
	}
	return 0, fmt.Errorf("invalid sync mode %q (expected always or flush)", s)
}

func (m SyncMode) String() string {
	if m == SyncFlush {
		return "flush"
	}
	return "always"
}

const DefaultMaxSegmentSize = 64 * 1024 * 1024

type Options struct {
	MaxSegmentSize   int64
	Sync             SyncMode
	CompressionLevel int
	CompressMinSize  int
}

func (o *Options) fillDefaults() {
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if o.CompressMinSize <= 0 {
		o.CompressMinSize = 4 * 1024
	}
}

type RecoveryReport struct {
	Segments        int
	TruncatedBytes  int64
	DiscardedOutput int
}

// Store owns the segment files of one data directory. Append, Rotate and
// Close are serialized by writeMu; handle lookups only take mu.
type Store struct {
	dir  string
	opts Options
	enc  encodeOptions

	writeMu sync.Mutex
	active  *SegmentWriter

	mu      sync.Mutex
	handles map[uint64]*Handle
	closed  bool

	nextGen  atomic.Uint64
	diskSize atomic.Int64
}

// Open scans dir, validates every segment header and reopens the highest
// generation as the active segment. A torn tail on that segment is
// truncated away. Leftover compaction output is deleted.
func Open(dir string, opts Options) (*Store, RecoveryReport, error) {
	opts.fillDefaults()
	var report RecoveryReport

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, report, fmt.Errorf("%w: create data directory: %w", ErrIO, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, report, fmt.Errorf("%w: read data directory: %w", ErrIO, err)
	}

	s := &Store{
		dir:     dir,
		opts:    opts,
		enc:     encodeOptions{level: opts.CompressionLevel, minSize: opts.CompressMinSize},
		handles: make(map[uint64]*Handle),
	}

	var gens []uint64
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, segmentExt+compactingExt) {
			logger.Printf("recovery", "Discarding unfinished compaction output %s", name)
			if err := os.Remove(s.path(name)); err != nil {
				return nil, report, fmt.Errorf("%w: %w", ErrIO, err)
			}
			report.DiscardedOutput++
			continue
		}
		if gen, ok := parseFileName(name); ok && entry.Type().IsRegular() {
			gens = append(gens, gen)
		}
	}
	slices.Sort(gens)

	for i, gen := range gens {
		last := i == len(gens)-1
		h, err := s.openExisting(gen, last, &report)
		if err != nil {
			s.releaseAll()
			return nil, report, err
		}
		if h == nil {
			gens = gens[:i]
			break
		}
		s.handles[gen] = h
		s.diskSize.Add(h.Size())
	}
	report.Segments = len(gens)

	if len(gens) == 0 {
		s.nextGen.Store(1)
		if err := s.createActive(); err != nil {
			s.releaseAll()
			return nil, report, err
		}
		return s, report, nil
	}

	lastGen := gens[len(gens)-1]
	s.nextGen.Store(lastGen + 1)
	w, err := openWriter(segmentPath(dir, lastGen), lastGen, s.handles[lastGen].Size(), s.enc)
	if err != nil {
		s.releaseAll()
		return nil, report, fmt.Errorf("%w: open active segment: %w", ErrIO, err)
	}
	s.active = w
	return s, report, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// openExisting validates one segment. For the last segment a header-less
// file (crash during creation) is deleted and nil is returned, and a torn
// frame tail is truncated.
func (s *Store) openExisting(gen uint64, last bool, report *RecoveryReport) (*Handle, error) {
	path := segmentPath(s.dir, gen)
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if stat.Size() < HeaderSize {
		if !last {
			return nil, fmt.Errorf("%w: segment %d has no header", ErrCorrupted, gen)
		}
		logger.Printf("recovery", "Removing segment %d with incomplete header (%d bytes)", gen, stat.Size())
		report.TruncatedBytes += stat.Size()
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		return nil, nil
	}

	h, err := openHandle(path, gen, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	buf := make([]byte, HeaderSize)
	if _, err := h.file.ReadAt(buf, 0); err != nil {
		h.Release()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	header, _ := ParseHeader(buf)
	if err := header.Validate(gen); err != nil {
		h.Release()
		return nil, fmt.Errorf("%w: segment %d: %w", ErrCorrupted, gen, err)
	}

	if !last {
		return h, nil
	}

	validEnd, err := h.scan(stat.Size(), func(uint64, uint32, Entry) error { return nil })
	if err != nil {
		h.Release()
		return nil, err
	}
	if validEnd < stat.Size() {
		torn := stat.Size() - validEnd
		logger.Printf("recovery", "Truncating %s torn tail from segment %d at offset %d",
			logger.FormatBytes(torn), gen, validEnd)
		if err := os.Truncate(path, validEnd); err != nil {
			h.Release()
			return nil, fmt.Errorf("%w: truncate torn tail: %w", ErrIO, err)
		}
		report.TruncatedBytes += torn
		h.size.Store(validEnd)
	}
	return h, nil
}

func (s *Store) allocGen() uint64 {
	return s.nextGen.Add(1) - 1
}

func (s *Store) createActive() error {
	gen := s.allocGen()
	w, err := createWriter(segmentPath(s.dir, gen), gen, s.enc)
	if err != nil {
		return fmt.Errorf("%w: create segment %d: %w", ErrIO, gen, err)
	}
	if err := s.register(gen, HeaderSize); err != nil {
		w.Close()
		return err
	}
	s.active = w
	logger.Printf("debug-segment", "Opened active segment %d", gen)
	return nil
}

func (s *Store) register(gen uint64, size int64) error {
	h, err := openHandle(segmentPath(s.dir, gen), gen, size)
	if err != nil {
		return fmt.Errorf("%w: open segment %d: %w", ErrIO, gen, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		h.Release()
		return ErrStoreClosed
	}
	s.handles[gen] = h
	s.diskSize.Add(size)
	return nil
}

// Append writes e to the active segment and flushes it, fsyncing too under
// SyncAlways. The returned pointer is only valid once Append succeeds.
func (s *Store) Append(e *Entry) (index.LogPointer, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.active == nil {
		return index.LogPointer{}, ErrStoreClosed
	}
	if int64(s.active.Size()) >= s.opts.MaxSegmentSize {
		if _, err := s.rotateLocked(); err != nil {
			return index.LogPointer{}, err
		}
	}

	w := s.active
	before := w.Size()
	ptr, err := w.Append(e)
	if err != nil {
		return index.LogPointer{}, err
	}

	if s.opts.Sync == SyncAlways {
		err = w.Sync()
	} else {
		err = w.Flush()
	}
	if err != nil {
		return index.LogPointer{}, errors.Join(err, w.truncate(before))
	}

	s.mu.Lock()
	if h, ok := s.handles[w.gen]; ok {
		h.size.Store(int64(w.Size()))
	}
	s.mu.Unlock()
	s.diskSize.Add(int64(ptr.Length))
	return ptr, nil
}

// Rotate seals the active segment and starts a new one, returning the
// sealed generation.
func (s *Store) Rotate() (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.active == nil {
		return 0, ErrStoreClosed
	}
	return s.rotateLocked()
}

func (s *Store) rotateLocked() (uint64, error) {
	old := s.active
	if err := old.Sync(); err != nil {
		return 0, err
	}
	if err := s.createActive(); err != nil {
		return 0, err
	}
	if err := old.file.Close(); err != nil {
		logger.Warning("Failed to close sealed segment %d: %v", old.gen, err)
	}
	logger.Printf("debug-segment", "Rotated segment %d (%s)", old.gen, logger.FormatBytes(int64(old.Size())))
	return old.gen, nil
}

// NewSegmentWriter starts a compaction output segment under a fresh
// generation. It stays invisible until Seal.
func (s *Store) NewSegmentWriter() (*SegmentWriter, error) {
	gen := s.allocGen()
	finalPath := segmentPath(s.dir, gen)
	w, err := createWriter(finalPath+compactingExt, gen, s.enc)
	if err != nil {
		return nil, fmt.Errorf("%w: create compaction segment %d: %w", ErrIO, gen, err)
	}
	w.store = s
	w.finalPath = finalPath
	return w, nil
}

func (s *Store) Acquire(gen uint64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[gen]
	if !ok {
		if s.closed {
			return nil, ErrStoreClosed
		}
		return nil, fmt.Errorf("%w: segment %d is not open", ErrCorrupted, gen)
	}
	h.refs.Add(1)
	return h, nil
}

func (s *Store) Read(ptr index.LogPointer) (Entry, error) {
	h, err := s.Acquire(ptr.Gen)
	if err != nil {
		return Entry{}, err
	}
	defer h.Release()
	return h.ReadEntry(ptr)
}

// ListSegments returns the live generations in ascending order.
func (s *Store) ListSegments() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.handles))
}

// Scan replays the entries of one segment. It stops at the first damaged
// frame and reports how many trailing bytes were skipped.
func (s *Store) Scan(gen uint64, fn func(index.Record) error) (int64, error) {
	h, err := s.Acquire(gen)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	size := h.Size()
	validEnd, err := h.scan(size, func(offset uint64, length uint32, e Entry) error {
		return fn(index.Record{
			Key:       e.Key,
			Tombstone: e.Tombstone,
			Ptr:       index.LogPointer{Gen: gen, Offset: offset, Length: length, Seq: e.Seq},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan segment %d: %w", gen, err)
	}
	return size - validEnd, nil
}

// Remove deletes a sealed segment. The file is unlinked and the unlink
// made durable before Remove returns, so removals reach disk in call
// order; readers holding a handle keep reading the unlinked file until
// they release it.
func (s *Store) Remove(gen uint64) error {
	s.writeMu.Lock()
	activeGen := uint64(0)
	if s.active != nil {
		activeGen = s.active.gen
	}
	s.writeMu.Unlock()
	if gen == activeGen {
		return fmt.Errorf("cannot remove active segment %d", gen)
	}

	s.mu.Lock()
	h, ok := s.handles[gen]
	if ok {
		delete(s.handles, gen)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("segment %d is not open", gen)
	}

	s.diskSize.Add(-h.Size())
	err := os.Remove(h.path)
	if err == nil {
		err = syncDir(s.dir)
	}
	h.Release()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove segment %d: %w", ErrIO, gen, err)
	}
	logger.Printf("debug-segment", "Removed segment %s", h.path)
	return nil
}

// syncDir flushes directory metadata so renames and unlinks in dir survive
// a crash.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (s *Store) DiskSize() int64 {
	return s.diskSize.Load()
}

func (s *Store) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Store) ActiveGen() uint64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.gen
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) MaxSegmentSize() int64 { return s.opts.MaxSegmentSize }

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.active == nil {
		return nil
	}

	var err error
	if s.opts.Sync == SyncAlways {
		err = s.active.Sync()
	}
	if closeErr := s.active.Close(); err == nil {
		err = closeErr
	}
	s.active = nil
	s.releaseAll()
	return err
}

func (s *Store) releaseAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[uint64]*Handle)
	s.closed = true
	s.mu.Unlock()
	for _, h := range handles {
		h.Release()
	}
}
