package index

import (
	"errors"
	"slices"
	"testing"
)

func TestInsertLookupRemove(t *testing.T) {
	x := New()
	if _, ok := x.Lookup([]byte("a")); ok {
		t.Fatal("Lookup on empty index found a key")
	}

	p1 := LogPointer{Gen: 1, Offset: 16, Length: 20, Seq: 1}
	if _, replaced := x.Insert([]byte("a"), p1); replaced {
		t.Error("first Insert reported a replacement")
	}
	p2 := LogPointer{Gen: 1, Offset: 36, Length: 30, Seq: 2}
	prev, replaced := x.Insert([]byte("a"), p2)
	if !replaced || prev != p1 {
		t.Errorf("Insert() = (%v, %v), want (%v, true)", prev, replaced, p1)
	}
	if got, _ := x.Lookup([]byte("a")); got != p2 {
		t.Errorf("Lookup() = %v, want %v", got, p2)
	}
	if x.LiveBytes() != 30 {
		t.Errorf("LiveBytes() = %d, want 30", x.LiveBytes())
	}

	if prev, ok := x.Remove([]byte("a")); !ok || prev != p2 {
		t.Errorf("Remove() = (%v, %v)", prev, ok)
	}
	if _, ok := x.Remove([]byte("a")); ok {
		t.Error("second Remove() reported success")
	}
	if x.Len() != 0 || x.LiveBytes() != 0 {
		t.Errorf("Len() = %d, LiveBytes() = %d after removal", x.Len(), x.LiveBytes())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := New()
	x.Insert([]byte("a"), LogPointer{Gen: 1, Length: 10})
	c := x.Clone()
	x.Insert([]byte("b"), LogPointer{Gen: 2, Length: 10})
	c.Remove([]byte("a"))

	if x.Len() != 2 || c.Len() != 0 {
		t.Errorf("Len() original = %d, clone = %d", x.Len(), c.Len())
	}
}

func TestGenerationsAndLocationOrder(t *testing.T) {
	x := New()
	x.Insert([]byte("c"), LogPointer{Gen: 3, Offset: 16})
	x.Insert([]byte("b"), LogPointer{Gen: 1, Offset: 40})
	x.Insert([]byte("a"), LogPointer{Gen: 1, Offset: 16})

	gens := x.Generations()
	if gens.GetCardinality() != 2 || !gens.Contains(1) || !gens.Contains(3) || gens.Contains(2) {
		t.Errorf("Generations() = %v", gens.ToArray())
	}

	var keys []string
	for _, it := range x.ByLocation() {
		keys = append(keys, it.Key)
	}
	if !slices.Equal(keys, []string{"a", "b", "c"}) {
		t.Errorf("ByLocation() keys = %v", keys)
	}
}

type fakeSource struct {
	segments map[uint64][]Record
	skipped  map[uint64]int64
	fail     uint64
}

func (f *fakeSource) ListSegments() []uint64 {
	var gens []uint64
	for g := range f.segments {
		gens = append(gens, g)
	}
	slices.Sort(gens)
	return gens
}

func (f *fakeSource) Scan(gen uint64, fn func(Record) error) (int64, error) {
	if gen == f.fail {
		return 0, errors.New("disk on fire")
	}
	for _, r := range f.segments[gen] {
		if err := fn(r); err != nil {
			return 0, err
		}
	}
	return f.skipped[gen], nil
}

func rec(key string, gen, offset uint64, length uint32, seq uint64, tomb bool) Record {
	return Record{Key: []byte(key), Ptr: LogPointer{Gen: gen, Offset: offset, Length: length, Seq: seq}, Tombstone: tomb}
}

func TestRebuildReplaysInOrder(t *testing.T) {
	src := &fakeSource{segments: map[uint64][]Record{
		1: {
			rec("a", 1, 16, 10, 1, false),
			rec("b", 1, 26, 10, 2, false),
			rec("a", 1, 36, 10, 3, false),
		},
		2: {
			rec("a", 2, 16, 8, 4, true),
			rec("c", 2, 24, 10, 5, false),
		},
	}, skipped: map[uint64]int64{2: 7}}

	x, stats, err := Rebuild(src, 2)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if _, ok := x.Lookup([]byte("a")); ok {
		t.Error("removed key a is live")
	}
	if p, _ := x.Lookup([]byte("b")); p.Seq != 2 {
		t.Errorf("b = %v", p)
	}
	if p, _ := x.Lookup([]byte("c")); p.Gen != 2 || p.Seq != 5 {
		t.Errorf("c = %v", p)
	}
	if stats.MaxSeq != 5 || stats.Entries != 5 || stats.Segments != 2 {
		t.Errorf("stats = %+v", stats)
	}
	// a@1 + a@3 + tombstone + skipped tail
	if stats.StaleBytes != 10+10+8+7 || stats.SkippedBytes != 7 {
		t.Errorf("StaleBytes = %d, SkippedBytes = %d", stats.StaleBytes, stats.SkippedBytes)
	}
}

func TestRebuildHonoursSequenceAcrossGenerations(t *testing.T) {
	// Generation 3 is compaction output holding older copies; generation
	// 2 is the log written while that compaction ran.
	src := &fakeSource{segments: map[uint64][]Record{
		2: {
			rec("a", 2, 16, 10, 7, false),
			rec("b", 2, 26, 8, 8, true),
		},
		3: {
			rec("a", 3, 16, 10, 1, false),
			rec("b", 3, 26, 10, 2, false),
			rec("c", 3, 36, 10, 3, false),
		},
	}}

	x, _, err := Rebuild(src, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := x.Lookup([]byte("a")); p.Seq != 7 {
		t.Errorf("a resolved to seq %d, want 7", p.Seq)
	}
	if _, ok := x.Lookup([]byte("b")); ok {
		t.Error("b resurrected by an older compacted copy")
	}
	if p, _ := x.Lookup([]byte("c")); p.Gen != 3 {
		t.Errorf("c = %v", p)
	}
}

func TestRebuildPropagatesScanError(t *testing.T) {
	src := &fakeSource{segments: map[uint64][]Record{1: nil, 2: nil}, fail: 2}
	if _, _, err := Rebuild(src, 4); err == nil {
		t.Error("Rebuild() error = nil, want scan failure")
	}
}
