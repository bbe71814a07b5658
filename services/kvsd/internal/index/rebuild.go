package index

import (
	"bytes"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Record is one scanned entry. Key is only valid during the callback.
type Record struct {
	Key       []byte
	Ptr       LogPointer
	Tombstone bool
}

// Source is the view of on-disk segments a rebuild needs.
type Source interface {
	ListSegments() []uint64
	// Scan replays one segment and returns the number of trailing bytes
	// it could not parse.
	Scan(gen uint64, fn func(Record) error) (int64, error)
}

type RebuildStats struct {
	Segments     int
	Entries      int
	MaxSeq       uint64
	StaleBytes   int64
	SkippedBytes int64
}

// Rebuild reconstructs the index from every segment in src. Segments are
// scanned concurrently, up to workers at a time, and applied strictly in
// generation order. An entry only takes effect if no newer entry for its
// key has been applied, so generations written by compaction may
// interleave with the live log.
func Rebuild(src Source, workers int) (*Index, RebuildStats, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	gens := src.ListSegments()
	stats := RebuildStats{Segments: len(gens)}

	scanned := make([][]Record, len(gens))
	skipped := make([]int64, len(gens))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, gen := range gens {
		g.Go(func() error {
			n, err := src.Scan(gen, func(r Record) error {
				r.Key = bytes.Clone(r.Key)
				scanned[i] = append(scanned[i], r)
				return nil
			})
			if err != nil {
				return fmt.Errorf("rebuild segment %d: %w", gen, err)
			}
			skipped[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	x := New()
	var r replay
	r.idx = x
	r.removed = make(map[string]uint64)
	for i := range gens {
		for _, rec := range scanned[i] {
			r.apply(rec)
		}
		scanned[i] = nil
		stats.SkippedBytes += skipped[i]
	}

	stats.Entries = r.entries
	stats.MaxSeq = r.maxSeq
	stats.StaleBytes = r.stale + stats.SkippedBytes
	return x, stats, nil
}

type replay struct {
	idx     *Index
	removed map[string]uint64
	entries int
	maxSeq  uint64
	stale   int64
}

func (r *replay) apply(rec Record) {
	r.entries++
	seq := rec.Ptr.Seq
	if seq > r.maxSeq {
		r.maxSeq = seq
	}

	key := string(rec.Key)
	cur, live := r.idx.entries[key]
	if live && seq < cur.Seq {
		r.stale += int64(rec.Ptr.Length)
		return
	}
	if removedAt, ok := r.removed[key]; ok && seq < removedAt {
		r.stale += int64(rec.Ptr.Length)
		return
	}

	if rec.Tombstone {
		if live {
			r.idx.remove(key)
			r.stale += int64(cur.Length)
		}
		r.removed[key] = seq
		r.stale += int64(rec.Ptr.Length)
		return
	}

	if live {
		r.stale += int64(cur.Length)
	}
	r.idx.insert(key, rec.Ptr)
	delete(r.removed, key)
}
