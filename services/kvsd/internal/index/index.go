package index

import (
	"cmp"
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// LogPointer locates one frame. Length covers the whole frame, so it is
// also the number of bytes the entry occupies on disk.
type LogPointer struct {
	Gen    uint64
	Offset uint64
	Length uint32
	Seq    uint64
}

// Index maps live keys to the location of their latest value. It does no
// locking of its own.
type Index struct {
	entries   map[string]LogPointer
	liveBytes int64
}

func New() *Index {
	return &Index{entries: make(map[string]LogPointer)}
}

func (x *Index) Lookup(key []byte) (LogPointer, bool) {
	ptr, ok := x.entries[string(key)]
	return ptr, ok
}

// Insert maps key to ptr and returns the pointer it replaced, if any.
func (x *Index) Insert(key []byte, ptr LogPointer) (LogPointer, bool) {
	return x.insert(string(key), ptr)
}

func (x *Index) insert(key string, ptr LogPointer) (LogPointer, bool) {
	prev, replaced := x.entries[key]
	x.entries[key] = ptr
	if replaced {
		x.liveBytes -= int64(prev.Length)
	}
	x.liveBytes += int64(ptr.Length)
	return prev, replaced
}

func (x *Index) Remove(key []byte) (LogPointer, bool) {
	return x.remove(string(key))
}

func (x *Index) remove(key string) (LogPointer, bool) {
	prev, ok := x.entries[key]
	if ok {
		delete(x.entries, key)
		x.liveBytes -= int64(prev.Length)
	}
	return prev, ok
}

func (x *Index) Len() int { return len(x.entries) }

func (x *Index) LiveBytes() int64 { return x.liveBytes }

func (x *Index) Clone() *Index {
	return &Index{entries: maps.Clone(x.entries), liveBytes: x.liveBytes}
}

// Range calls fn for every entry in unspecified order until fn returns false.
func (x *Index) Range(fn func(key string, ptr LogPointer) bool) {
	for k, v := range x.entries {
		if !fn(k, v) {
			return
		}
	}
}

type Item struct {
	Key string
	Ptr LogPointer
}

// ByLocation returns all entries ordered by generation and offset, the
// order that reads segments sequentially.
func (x *Index) ByLocation() []Item {
	items := make([]Item, 0, len(x.entries))
	for k, v := range x.entries {
		items = append(items, Item{Key: k, Ptr: v})
	}
	slices.SortFunc(items, func(a, b Item) int {
		if c := cmp.Compare(a.Ptr.Gen, b.Ptr.Gen); c != 0 {
			return c
		}
		return cmp.Compare(a.Ptr.Offset, b.Ptr.Offset)
	})
	return items
}

// Generations returns the set of segments referenced by live pointers.
func (x *Index) Generations() *roaring64.Bitmap {
	bm := roaring64.New()
	for _, ptr := range x.entries {
		bm.Add(ptr.Gen)
	}
	return bm
}
