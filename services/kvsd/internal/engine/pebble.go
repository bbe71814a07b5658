package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/bloom"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	if strings.Contains(msg, "sstable created") ||
		strings.Contains(msg, "sstable deleted") ||
		strings.Contains(msg, "WAL deleted") ||
		strings.Contains(msg, "WAL created") ||
		strings.Contains(msg, "MANIFEST deleted") ||
		strings.Contains(msg, "MANIFEST created") ||
		strings.Contains(msg, "compacting") ||
		strings.Contains(msg, "flushing") {
		return
	}

	if strings.Contains(msg, "stopped reading at offset") {
		if idx := strings.Index(msg, "replayed"); idx != -1 {
			logger.Printf("recovery", "Pebble WAL recovery: %s", msg[idx:])
			return
		}
	}

	logger.Printf("debug-pebble", "%s", msg)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	logger.Printf("pebble", "ERROR: "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	logger.Fatal(format, args...)
}

func pebbleEventListener() pebble.EventListener {
	return pebble.EventListener{
		CompactionEnd: func(info pebble.CompactionInfo) {
			var outputSize uint64
			for _, t := range info.Output.Tables {
				outputSize += t.Size
			}
			logger.Printf("debug-pebble", "Compaction to L%d: %d files (%s) in %.1fs",
				info.Output.Level, len(info.Output.Tables), logger.FormatBytes(int64(outputSize)),
				info.TotalDuration.Seconds())
		},
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			logger.Printf("pebble", "WARNING: Write stall: %s", info.Reason)
		},
		WriteStallEnd: func() {
			logger.Printf("pebble", "Write stall ended")
		},
		BackgroundError: func(err error) {
			logger.Printf("pebble", "ERROR: Background error: %v", err)
		},
	}
}

// PebbleEngine stores keys in a Pebble LSM under dir/pebble. Pebble does
// its own compaction; Compact forces a full-range manual compaction.
type PebbleEngine struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// closeMu keeps the database open for the duration of every call.
	closeMu sync.RWMutex
	closed  bool

	// mu makes the existence check and the key count atomic with the write.
	mu   sync.Mutex
	keys int

	compactions atomic.Uint64
	lastCompact atomic.Int64
	compacting  atomic.Bool
}

func OpenPebble(dir string, opts Options) (*PebbleEngine, error) {
	path := filepath.Join(dir, "pebble")
	logger.Printf("startup", "Opening Pebble database: %s", path)

	cacheSize := opts.PebbleCacheSize
	if cacheSize < 8<<20 {
		cacheSize = 8 << 20
	}
	memTableSize := opts.PebbleMemTableSize
	if memTableSize < 4<<20 {
		memTableSize = 4 << 20
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()
	eventListener := pebbleEventListener()

	openStart := time.Now()
	pebbleOpts := &pebble.Options{
		Logger:        pebbleLogger{},
		EventListener: &eventListener,
		Cache:         cache,
		MemTableSize:  uint64(memTableSize),
	}
	// Point lookups dominate, so every level carries a bloom filter.
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = pebble.LevelOptions{FilterPolicy: bloom.FilterPolicy(10)}
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %w", ErrIO, err)
	}

	e := &PebbleEngine{db: db, writeOpts: pebble.Sync}
	if opts.Segment.Sync == segment.SyncFlush {
		e.writeOpts = pebble.NoSync
	}

	iter, err := db.NewIter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		e.keys++
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: count keys: %w", ErrIO, err)
	}

	logger.Printf("startup", "Pebble database opened with %s keys in %v",
		logger.FormatCount(int64(e.keys)), time.Since(openStart).Round(time.Millisecond))
	return e, nil
}

func (e *PebbleEngine) Get(key []byte) ([]byte, bool, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return nil, false, ErrClosed
	}
	val, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get: %w: %w", ErrIO, err)
	}
	defer closer.Close()
	result := make([]byte, len(val))
	copy(result, val)
	return result, true, nil
}

func (e *PebbleEngine) exists(key []byte) (bool, error) {
	_, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (e *PebbleEngine) Set(key, value []byte) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existed, err := e.exists(key)
	if err != nil {
		return fmt.Errorf("set: %w: %w", ErrIO, err)
	}
	if err := e.db.Set(key, value, e.writeOpts); err != nil {
		return fmt.Errorf("set: %w: %w", ErrIO, err)
	}
	if !existed {
		e.keys++
	}
	return nil
}

func (e *PebbleEngine) Remove(key []byte) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existed, err := e.exists(key)
	if err != nil {
		return fmt.Errorf("remove: %w: %w", ErrIO, err)
	}
	if !existed {
		return ErrKeyNotFound
	}
	if err := e.db.Delete(key, e.writeOpts); err != nil {
		return fmt.Errorf("remove: %w: %w", ErrIO, err)
	}
	e.keys--
	return nil
}

// Compact compacts the whole key range.
func (e *PebbleEngine) Compact(ctx context.Context) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return nil
	}
	defer e.compacting.Store(false)

	iter, err := e.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompaction, err)
	}
	var first, last []byte
	if iter.First() {
		first = bytes.Clone(iter.Key())
	}
	if iter.Last() {
		last = bytes.Clone(iter.Key())
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCompaction, err)
	}
	if first == nil {
		return nil
	}

	start := time.Now()
	end := append(last, 0x00)
	if err := e.db.Compact(ctx, first, end, true); err != nil {
		logger.Printf("compaction", "Pebble compaction failed: %v", err)
		return fmt.Errorf("%w: %w", ErrCompaction, err)
	}
	e.compactions.Add(1)
	e.lastCompact.Store(time.Now().UnixNano())
	logger.Printf("compaction", "Pebble manual compaction finished in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *PebbleEngine) Stats() Stats {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	e.mu.Lock()
	keys := e.keys
	e.mu.Unlock()

	s := Stats{
		Engine:          KindPebble,
		Keys:            keys,
		CompactionState: "idle",
		Compactions:     e.compactions.Load(),
	}
	if e.compacting.Load() {
		s.CompactionState = "compacting"
	}
	if ns := e.lastCompact.Load(); ns > 0 {
		s.LastCompaction = time.Unix(0, ns)
	}
	if !e.closed {
		s.DiskBytes = int64(e.db.Metrics().DiskSpaceUsage())
	}
	return s
}

func (e *PebbleEngine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}
