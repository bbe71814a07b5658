package compression

import "encoding/binary"

const zstdMagic = 0xFD2FB528

// IsZstd reports whether data starts with a zstd frame magic number.
func IsZstd(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == zstdMagic
}
