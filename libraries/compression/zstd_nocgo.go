//go:build !cgo

package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var decoders = sync.Pool{
	New: func() any {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	},
}

// encoders holds one encoder per level; EncodeAll is safe for concurrent use.
var encoders sync.Map

func encoderFor(level int) (*zstd.Encoder, error) {
	if e, ok := encoders.Load(level); ok {
		return e.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	actual, _ := encoders.LoadOrStore(level, enc)
	return actual.(*zstd.Encoder), nil
}

func ZstdCompressLevel(dst, src []byte, level int) ([]byte, error) {
	enc, err := encoderFor(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, dst[:0]), nil
}

func ZstdDecompress(dst, src []byte) ([]byte, error) {
	dec := decoders.Get().(*zstd.Decoder)
	defer decoders.Put(dec)
	return dec.DecodeAll(src, dst[:0])
}
