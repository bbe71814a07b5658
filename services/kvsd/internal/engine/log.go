package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/services/kvsd/internal/index"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
	"github.com/greymass/kvs/services/kvsd/internal/segment"
	"golang.org/x/sync/singleflight"
)

// LogEngine is the log-structured engine: append-only segments plus an
// in-memory index of live keys.
//
// writeMu serializes Set, Remove, compaction begin and Close, and guards
// seq. Appends, fsync included, happen under writeMu alone. mu guards idx,
// stale and closed and is held only to read or update the index, so a Get
// never waits on disk I/O.
type LogEngine struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	store   *segment.Store
	idx    *index.Index
	seq    uint64
	stale  int64
	closed bool

	opts      Options
	compactor compactor
	flight    singleflight.Group

	// appendHook runs after each durable append, before the index update.
	appendHook func()

	trigger   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenLog opens or creates a log engine in dir and rebuilds its index
// before returning.
func OpenLog(dir string, opts Options) (*LogEngine, error) {
	start := time.Now()
	store, report, err := segment.Open(dir, opts.Segment)
	if err != nil {
		return nil, fmt.Errorf("open segments: %w", err)
	}
	if report.TruncatedBytes > 0 || report.DiscardedOutput > 0 {
		logger.Printf("recovery", "Recovered %d segments: truncated %s, discarded %d unfinished compaction outputs",
			report.Segments, logger.FormatBytes(report.TruncatedBytes), report.DiscardedOutput)
	}

	idx, stats, err := index.Rebuild(store, opts.RebuildWorkers)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	if stats.SkippedBytes > 0 {
		logger.Warning("Skipped %s of unreadable segment data during recovery", logger.FormatBytes(stats.SkippedBytes))
	}
	logger.Printf("recovery", "Rebuilt index: %s keys from %s entries in %d segments (%s stale) in %v",
		logger.FormatCount(int64(idx.Len())), logger.FormatCount(int64(stats.Entries)), stats.Segments,
		logger.FormatBytes(stats.StaleBytes), time.Since(start).Round(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	e := &LogEngine{
		store:   store,
		idx:     idx,
		seq:     stats.MaxSeq,
		stale:   stats.StaleBytes,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.compactor.engine = e
	e.publish()

	e.wg.Add(1)
	go e.compactionLoop()
	if e.shouldCompact() {
		e.signal()
	}
	return e, nil
}

func (e *LogEngine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, false, ErrClosed
	}
	ptr, ok := e.idx.Lookup(key)
	if !ok {
		e.mu.RUnlock()
		return nil, false, nil
	}
	h, err := e.store.Acquire(ptr.Gen)
	e.mu.RUnlock()
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	defer h.Release()

	entry, err := h.ReadEntry(ptr)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	return entry.Value, true, nil
}

// Set appends the value and then points the index at it. A failed append
// leaves the index untouched.
func (e *LogEngine) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	seq := e.seq + 1
	ptr, err := e.store.Append(&segment.Entry{Seq: seq, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	e.seq = seq
	if e.appendHook != nil {
		e.appendHook()
	}

	e.mu.Lock()
	if prev, replaced := e.idx.Insert(key, ptr); replaced {
		e.stale += int64(prev.Length)
	}
	compact := e.shouldCompactLocked()
	e.mu.Unlock()

	if compact {
		e.signal()
	}
	return nil
}

// Remove appends a tombstone. Both the removed entry and the tombstone
// count as stale.
func (e *LogEngine) Remove(key []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	closed := e.closed
	_, ok := e.idx.Lookup(key)
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrKeyNotFound
	}

	seq := e.seq + 1
	ptr, err := e.store.Append(&segment.Entry{Seq: seq, Key: key, Tombstone: true})
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	e.seq = seq
	if e.appendHook != nil {
		e.appendHook()
	}

	// A compaction swap may have moved the key since the lookup; only
	// writers remove keys, so it is still present.
	e.mu.Lock()
	prev, _ := e.idx.Lookup(key)
	e.idx.Remove(key)
	e.stale += int64(prev.Length) + int64(ptr.Length)
	compact := e.shouldCompactLocked()
	e.mu.Unlock()

	if compact {
		e.signal()
	}
	return nil
}

func (e *LogEngine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Compact runs a compaction now. Concurrent callers share one run, which
// is bound to the engine's lifetime rather than to any caller: a caller
// whose ctx ends gets ctx.Err() while the run carries on.
func (e *LogEngine) Compact(ctx context.Context) error {
	ch := e.flight.DoChan("compact", func() (any, error) {
		return nil, e.compactor.run(e.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LogEngine) Stats() Stats {
	e.mu.RLock()
	s := Stats{
		Engine:     KindLog,
		Keys:       e.idx.Len(),
		LiveBytes:  e.idx.LiveBytes(),
		StaleBytes: e.stale,
	}
	e.mu.RUnlock()

	s.DiskBytes = e.store.DiskSize()
	s.Segments = e.store.SegmentCount()
	s.ActiveSegment = e.store.ActiveGen()
	s.CompactionState = e.compactor.state().String()
	s.Compactions, s.LastCompaction = e.compactor.history()
	return s
}

func (e *LogEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()

		e.writeMu.Lock()
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.writeMu.Unlock()

		// A compaction started through Compact aborts at its swap once
		// closed is set; wait for it before closing the files.
		e.flight.Do("compact", func() (any, error) { return nil, nil })

		err = e.store.Close()
	})
	return err
}

func (e *LogEngine) shouldCompact() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shouldCompactLocked()
}

func (e *LogEngine) shouldCompactLocked() bool {
	if e.stale <= 0 {
		return false
	}
	if e.opts.CompactThreshold > 0 && e.stale >= e.opts.CompactThreshold {
		return true
	}
	if e.opts.CompactRatio > 0 {
		if disk := e.store.DiskSize(); disk > 0 && float64(e.stale)/float64(disk) >= e.opts.CompactRatio {
			return true
		}
	}
	return false
}

func (e *LogEngine) signal() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *LogEngine) compactionLoop() {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.opts.CompactInterval > 0 {
		ticker := time.NewTicker(e.opts.CompactInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.trigger:
		case <-tick:
			e.publish()
		}
		if !e.shouldCompact() {
			continue
		}
		// Failures are logged by the compactor; the next trigger retries.
		e.Compact(context.Background())
	}
}

func (e *LogEngine) publish() {
	e.mu.RLock()
	keys, stale := e.idx.Len(), e.stale
	e.mu.RUnlock()
	metrics.UpdateStorage(keys, stale, e.store.DiskSize())
}
