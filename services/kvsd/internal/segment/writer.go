package segment

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/greymass/kvs/services/kvsd/internal/index"
)

const writeBufferSize = 256 * 1024

// SegmentWriter appends frames to one segment file. It is not safe for
// concurrent use; the store serializes the active writer and the compactor
// owns its writers exclusively.
type SegmentWriter struct {
	gen     uint64
	path    string
	file    *os.File
	buffer  *bufio.Writer
	offset  uint64
	opts    encodeOptions
	scratch []byte

	store     *Store
	finalPath string
	sealed    bool
}

func createWriter(path string, gen uint64, opts encodeOptions) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(NewHeader(gen).Bytes()); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &SegmentWriter{
		gen:    gen,
		path:   path,
		file:   file,
		buffer: bufio.NewWriterSize(file, writeBufferSize),
		offset: HeaderSize,
		opts:   opts,
	}, nil
}

// openWriter reopens an existing segment for append at size.
func openWriter(path string, gen uint64, size int64, opts encodeOptions) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &SegmentWriter{
		gen:    gen,
		path:   path,
		file:   file,
		buffer: bufio.NewWriterSize(file, writeBufferSize),
		offset: uint64(size),
		opts:   opts,
	}, nil
}

func (w *SegmentWriter) Gen() uint64  { return w.gen }
func (w *SegmentWriter) Size() uint64 { return w.offset }

// Append buffers one entry and returns its location. The bytes reach the
// file on Flush.
func (w *SegmentWriter) Append(e *Entry) (index.LogPointer, error) {
	frame, err := appendFrame(w.scratch[:0], e, w.opts)
	if err != nil {
		return index.LogPointer{}, err
	}
	w.scratch = frame

	offset := w.offset
	if _, err := w.buffer.Write(frame); err != nil {
		return index.LogPointer{}, errors.Join(fmt.Errorf("%w: write %s: %w", ErrIO, w.path, err), w.truncate(offset))
	}
	w.offset += uint64(len(frame))

	return index.LogPointer{Gen: w.gen, Offset: offset, Length: uint32(len(frame)), Seq: e.Seq}, nil
}

// truncate drops everything at and after offset, including buffered bytes,
// so the segment stays parseable after a failed write.
func (w *SegmentWriter) truncate(offset uint64) error {
	w.buffer.Reset(w.file)
	if err := w.file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("truncate %s after failed write: %w", w.path, err)
	}
	w.offset = offset
	return nil
}

func (w *SegmentWriter) Flush() error {
	if err := w.buffer.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", ErrIO, w.path, err)
	}
	return nil
}

func (w *SegmentWriter) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, w.path, err)
	}
	return nil
}

func (w *SegmentWriter) Close() error {
	flushErr := w.Flush()
	if err := w.file.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, w.path, err)
	}
	return flushErr
}

// Seal syncs and closes a compaction writer, renames it into place and
// makes it readable through the store.
func (w *SegmentWriter) Seal() error {
	if w.store == nil {
		return fmt.Errorf("segment %d is not a compaction output", w.gen)
	}
	if err := w.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, w.path, err)
	}
	if err := os.Rename(w.path, w.finalPath); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrIO, w.path, err)
	}
	w.path = w.finalPath
	if err := syncDir(w.store.dir); err != nil {
		return fmt.Errorf("%w: sync directory after sealing %s: %w", ErrIO, w.path, err)
	}
	if err := w.store.register(w.gen, int64(w.offset)); err != nil {
		return err
	}
	w.sealed = true
	return nil
}

// Abort discards a compaction writer. A sealed output is removed through
// the store, which also drops its handle.
func (w *SegmentWriter) Abort() {
	if w.sealed {
		w.store.Remove(w.gen)
		return
	}
	w.file.Close()
	os.Remove(w.path)
}
