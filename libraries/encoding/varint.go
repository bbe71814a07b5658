package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var ErrVarint = errors.New("malformed varint")

func PutUvarint(buf *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	buf.Write(scratch[:n])
}

func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ReadUvarint decodes one unsigned varint. Truncated or overlong input
// returns ErrVarint.
func ReadUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrVarint
		}
		return 0, errors.Join(ErrVarint, err)
	}
	return v, nil
}
