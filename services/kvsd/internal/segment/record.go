package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/greymass/kvs/libraries/compression"
	"github.com/greymass/kvs/libraries/encoding"
)

const (
	flagTombstone uint8 = 1 << 0
	flagZstd      uint8 = 1 << 1

	// frameOverhead is the length prefix plus the trailing CRC.
	frameOverhead = 8
	maxBodySize   = 256 * 1024 * 1024
)

var (
	ErrCorrupted = errors.New("data corruption detected")
	ErrIO        = errors.New("i/o error")
)

// Entry is one logged write or removal.
type Entry struct {
	Seq       uint64
	Key       []byte
	Value     []byte
	Tombstone bool
}

type encodeOptions struct {
	level   int
	minSize int
}

func (o encodeOptions) compress(value []byte) bool {
	return o.level > 0 && len(value) >= o.minSize
}

// appendFrame encodes e as [u32 len][body][u32 crc] onto dst.
func appendFrame(dst []byte, e *Entry, opts encodeOptions) ([]byte, error) {
	var flags uint8
	value := e.Value
	if e.Tombstone {
		flags |= flagTombstone
		value = nil
	} else if opts.compress(value) {
		compressed, err := compression.ZstdCompressLevel(nil, value, opts.level)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
		if len(compressed) < len(value) {
			flags |= flagZstd
			value = compressed
		}
	}

	var body bytes.Buffer
	body.Grow(1 + 3*binary.MaxVarintLen64 + len(e.Key) + len(value))
	body.WriteByte(flags)
	encoding.PutUvarint(&body, e.Seq)
	encoding.PutUvarint(&body, uint64(len(e.Key)))
	encoding.PutUvarint(&body, uint64(len(value)))
	body.Write(e.Key)
	body.Write(value)

	if body.Len() > maxBodySize {
		return nil, fmt.Errorf("entry body of %d bytes exceeds %d", body.Len(), maxBodySize)
	}

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(body.Len()))
	dst = append(dst, scratch[:]...)
	dst = append(dst, body.Bytes()...)
	binary.LittleEndian.PutUint32(scratch[:], crc32.ChecksumIEEE(body.Bytes()))
	dst = append(dst, scratch[:]...)
	return dst, nil
}

// decodeFrame validates a complete frame and decodes its body. The value
// is decompressed only when decodeValue is set.
func decodeFrame(frame []byte, decodeValue bool) (Entry, error) {
	if len(frame) < frameOverhead+1 {
		return Entry{}, fmt.Errorf("%w: frame of %d bytes", ErrCorrupted, len(frame))
	}
	size := binary.LittleEndian.Uint32(frame[0:4])
	if uint64(size)+frameOverhead != uint64(len(frame)) {
		return Entry{}, fmt.Errorf("%w: length prefix %d does not match frame of %d bytes", ErrCorrupted, size, len(frame))
	}
	body := frame[4 : 4+size]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(frame[4+size:]) {
		return Entry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	return decodeBody(body, decodeValue)
}

func decodeBody(body []byte, decodeValue bool) (Entry, error) {
	flags := body[0]
	r := bytes.NewReader(body[1:])

	seq, err := encoding.ReadUvarint(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: seq: %w", ErrCorrupted, err)
	}
	keyLen, err := encoding.ReadUvarint(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: key length: %w", ErrCorrupted, err)
	}
	valLen, err := encoding.ReadUvarint(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: value length: %w", ErrCorrupted, err)
	}
	remaining := uint64(r.Len())
	if keyLen > remaining || valLen > remaining || keyLen+valLen != remaining {
		return Entry{}, fmt.Errorf("%w: lengths %d+%d do not match body remainder %d", ErrCorrupted, keyLen, valLen, r.Len())
	}

	start := len(body) - r.Len()
	e := Entry{
		Seq:       seq,
		Key:       body[start : start+int(keyLen)],
		Tombstone: flags&flagTombstone != 0,
	}
	if e.Tombstone || !decodeValue {
		return e, nil
	}

	value := body[start+int(keyLen):]
	if flags&flagZstd != 0 {
		value, err = compression.ZstdDecompress(nil, value)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	}
	if value == nil {
		value = []byte{}
	}
	e.Value = value
	return e, nil
}
