package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/services/kvsd/internal/index"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

type compactionState int32

const (
	stateIdle compactionState = iota
	statePreparing
	stateSwapping
)

func (s compactionState) String() string {
	switch s {
	case statePreparing:
		return "preparing"
	case stateSwapping:
		return "swapping"
	default:
		return "idle"
	}
}

// compactor rewrites the live entries of a LogEngine into fresh segments.
//
// Begin and swap hold the engine write lock; prepare holds no engine lock.
// At swap a key adopts its rewritten pointer only if its pointer still
// equals the snapshot's, so anything written or removed during prepare
// wins over the rewritten copy.
type compactor struct {
	engine *LogEngine
	st     atomic.Int32

	mu      sync.Mutex
	runs    uint64
	lastRun time.Time

	// prepareHook runs before each entry is rewritten. Tests use it to
	// race writes against prepare and to inject failures.
	prepareHook func(i int) error
}

func (c *compactor) state() compactionState {
	return compactionState(c.st.Load())
}

func (c *compactor) history() (uint64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs, c.lastRun
}

type snapshot struct {
	idx        *index.Index
	gens       []uint64
	stale      int64
	diskBefore int64
}

func (c *compactor) run(ctx context.Context) error {
	start := time.Now()
	e := c.engine

	snap, err := c.begin()
	if err != nil {
		return c.fail(start, err)
	}
	logger.Printf("compaction", "Compacting %s live keys from %d segments (%s stale of %s)",
		logger.FormatCount(int64(snap.idx.Len())), len(snap.gens),
		logger.FormatBytes(snap.stale), logger.FormatBytes(snap.diskBefore))

	rewritten, outputs, err := c.prepare(ctx, snap.idx)
	if err != nil {
		for _, w := range outputs {
			w.Abort()
		}
		return c.fail(start, err)
	}

	removed, err := c.swap(snap, rewritten)
	if err != nil {
		for _, w := range outputs {
			w.Abort()
		}
		return c.fail(start, err)
	}

	elapsed := time.Since(start)
	diskAfter := e.store.DiskSize()
	c.mu.Lock()
	c.runs++
	c.lastRun = time.Now()
	c.mu.Unlock()

	metrics.ObserveCompaction(nil, elapsed, snap.diskBefore-diskAfter)
	e.publish()
	logger.Printf("compaction", "Compacted into %d segments, removed %d: %s -> %s in %v",
		len(outputs), removed, logger.FormatBytes(snap.diskBefore), logger.FormatBytes(diskAfter),
		elapsed.Round(time.Millisecond))
	return nil
}

func (c *compactor) fail(start time.Time, err error) error {
	c.st.Store(int32(stateIdle))
	metrics.ObserveCompaction(err, time.Since(start), 0)
	logger.Printf("compaction", "Compaction failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
	return fmt.Errorf("%w: %w", ErrCompaction, err)
}

// begin seals the active segment so every entry in the snapshot lives in
// an immutable segment.
func (c *compactor) begin() (*snapshot, error) {
	e := c.engine
	// No append may straddle the rotation: every entry in a snapshot
	// segment is then either in the snapshot index or already dead.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	sealed, err := e.store.Rotate()
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		idx:        e.idx.Clone(),
		stale:      e.stale,
		diskBefore: e.store.DiskSize(),
	}
	for _, gen := range e.store.ListSegments() {
		if gen <= sealed {
			snap.gens = append(snap.gens, gen)
		}
	}
	c.st.Store(int32(statePreparing))
	return snap, nil
}

func (c *compactor) prepare(ctx context.Context, snap *index.Index) (map[string]index.LogPointer, []*segment.SegmentWriter, error) {
	e := c.engine
	maxSize := uint64(e.store.MaxSegmentSize())
	rewritten := make(map[string]index.LogPointer, snap.Len())

	var outputs []*segment.SegmentWriter
	var w *segment.SegmentWriter

	for i, item := range snap.ByLocation() {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, outputs, err
			}
		}
		if c.prepareHook != nil {
			if err := c.prepareHook(i); err != nil {
				return nil, outputs, err
			}
		}

		entry, err := e.store.Read(item.Ptr)
		if err != nil {
			return nil, outputs, fmt.Errorf("read %q: %w", item.Key, err)
		}

		if w == nil || w.Size() >= maxSize {
			if w != nil {
				if err := w.Seal(); err != nil {
					return nil, outputs, err
				}
			}
			w, err = e.store.NewSegmentWriter()
			if err != nil {
				return nil, outputs, err
			}
			outputs = append(outputs, w)
		}

		ptr, err := w.Append(&entry)
		if err != nil {
			return nil, outputs, err
		}
		rewritten[item.Key] = ptr
	}

	if w != nil {
		if err := w.Seal(); err != nil {
			return nil, outputs, err
		}
	}
	return rewritten, outputs, nil
}

// swap installs the merged index and schedules the snapshot segments that
// nothing references any more for removal.
func (c *compactor) swap(snap *snapshot, rewritten map[string]index.LogPointer) (int, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	c.st.Store(int32(stateSwapping))
	defer c.st.Store(int32(stateIdle))

	if e.closed {
		return 0, ErrClosed
	}

	next := e.idx.Clone()
	var racedOld, racedNew int64
	for key, ptr := range rewritten {
		orig, _ := snap.idx.Lookup([]byte(key))
		if cur, ok := next.Lookup([]byte(key)); ok && cur == orig {
			next.Insert([]byte(key), ptr)
			continue
		}
		// Overwritten or removed during prepare: the bytes counted stale
		// for the old copy go away with its segment, and the rewritten
		// copy is stale instead.
		racedOld += int64(orig.Length)
		racedNew += int64(ptr.Length)
	}

	stale := e.stale - snap.stale - racedOld + racedNew
	if stale < 0 {
		stale = 0
	}
	e.idx = next
	e.stale = stale

	live := next.Generations()
	removed := 0
	for _, gen := range snap.gens {
		if live.Contains(gen) {
			continue
		}
		if err := e.store.Remove(gen); err != nil {
			logger.Warning("Failed to remove compacted segment %d: %v", gen, err)
			continue
		}
		removed++
	}
	return removed, nil
}
