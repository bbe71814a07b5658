package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/greymass/kvs/services/kvsd/internal/index"
)

// Handle is a shared read-only descriptor for one segment. The store holds
// one reference while the segment is live; each Acquire adds one. The file
// is closed when the count drops to zero. A removed segment is unlinked
// right away and stays readable through handles that are still open.
type Handle struct {
	gen  uint64
	path string
	file *os.File
	size atomic.Int64
	refs atomic.Int32
}

func openHandle(path string, gen uint64, size int64) (*Handle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h := &Handle{gen: gen, path: path, file: file}
	h.size.Store(size)
	h.refs.Store(1)
	return h, nil
}

func (h *Handle) Gen() uint64 { return h.gen }

// Size is the number of readable bytes, header included.
func (h *Handle) Size() int64 { return h.size.Load() }

func (h *Handle) Release() {
	n := h.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("segment %d released more times than acquired", h.gen))
	}
	h.file.Close()
}

// ReadEntry reads and validates the frame ptr refers to.
func (h *Handle) ReadEntry(ptr index.LogPointer) (Entry, error) {
	if ptr.Gen != h.gen {
		return Entry{}, fmt.Errorf("pointer for segment %d read through handle %d", ptr.Gen, h.gen)
	}
	if ptr.Length < frameOverhead+1 || ptr.Length > maxBodySize+frameOverhead {
		return Entry{}, fmt.Errorf("%w: pointer length %d", ErrCorrupted, ptr.Length)
	}

	frame := make([]byte, ptr.Length)
	if _, err := h.file.ReadAt(frame, int64(ptr.Offset)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Entry{}, fmt.Errorf("%w: segment %d offset %d: short read", ErrCorrupted, h.gen, ptr.Offset)
		}
		return Entry{}, fmt.Errorf("%w: read segment %d: %w", ErrIO, h.gen, err)
	}

	e, err := decodeFrame(frame, true)
	if err != nil {
		return Entry{}, fmt.Errorf("segment %d offset %d: %w", h.gen, ptr.Offset, err)
	}
	if e.Seq != ptr.Seq {
		return Entry{}, fmt.Errorf("%w: segment %d offset %d holds seq %d, expected %d", ErrCorrupted, h.gen, ptr.Offset, e.Seq, ptr.Seq)
	}
	return e, nil
}

// scan walks the frames after the header. It stops at the first frame
// that is truncated or fails its checksum and returns that offset as the
// valid end; only I/O failures and callback errors are returned as errors.
// The entry passed to fn carries no value and its key is only valid for
// the duration of the call.
func (h *Handle) scan(size int64, fn func(offset uint64, length uint32, e Entry) error) (validEnd int64, err error) {
	r := io.NewSectionReader(h.file, 0, size)
	offset := int64(HeaderSize)
	prefix := make([]byte, 4)
	var frame []byte

	for offset < size {
		if _, err := r.ReadAt(prefix, offset); err != nil {
			if err == io.EOF {
				return offset, nil
			}
			return offset, fmt.Errorf("%w: %w", ErrIO, err)
		}
		bodyLen := int64(binary.LittleEndian.Uint32(prefix))
		frameLen := bodyLen + frameOverhead
		if bodyLen == 0 || bodyLen > maxBodySize || offset+frameLen > size {
			return offset, nil
		}

		if int64(cap(frame)) < frameLen {
			frame = make([]byte, frameLen)
		}
		frame = frame[:frameLen]
		if _, err := r.ReadAt(frame, offset); err != nil {
			if err == io.EOF {
				return offset, nil
			}
			return offset, fmt.Errorf("%w: %w", ErrIO, err)
		}
		e, err := decodeFrame(frame, false)
		if err != nil {
			return offset, nil
		}
		if err := fn(uint64(offset), uint32(frameLen), e); err != nil {
			return offset, err
		}
		offset += frameLen
	}
	return offset, nil
}
