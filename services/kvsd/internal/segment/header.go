package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	HeaderSize    = 16
	HeaderMagic   = "KVSSEGM"
	HeaderVersion = 1

	segmentExt    = ".seg"
	compactingExt = ".compact"
)

var (
	ErrInvalidMagic   = errors.New("invalid segment magic")
	ErrInvalidVersion = errors.New("unsupported segment version")
)

type Header struct {
	Magic   [7]byte
	Version uint8
	Gen     uint64
}

func NewHeader(gen uint64) *Header {
	h := &Header{Version: HeaderVersion, Gen: gen}
	copy(h.Magic[:], HeaderMagic)
	return h
}

func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:7], h.Magic[:])
	buf[7] = h.Version
	binary.LittleEndian.PutUint64(buf[8:16], h.Gen)
	return buf
}

func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: %d bytes", len(data))
	}
	h := &Header{}
	copy(h.Magic[:], data[0:7])
	h.Version = data[7]
	h.Gen = binary.LittleEndian.Uint64(data[8:16])
	return h, nil
}

func (h *Header) Validate(gen uint64) error {
	if string(h.Magic[:]) != HeaderMagic {
		return ErrInvalidMagic
	}
	if h.Version != HeaderVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, h.Version, HeaderVersion)
	}
	if h.Gen != gen {
		return fmt.Errorf("header generation %d does not match file generation %d", h.Gen, gen)
	}
	return nil
}

// FileName returns the 10 digit zero padded segment name for gen.
func FileName(gen uint64) string {
	return fmt.Sprintf("%010d%s", gen, segmentExt)
}

func segmentPath(dir string, gen uint64) string {
	return filepath.Join(dir, FileName(gen))
}

// parseFileName returns the generation encoded in a segment file name.
func parseFileName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, segmentExt)
	if !ok || base == "" {
		return 0, false
	}
	gen, err := strconv.ParseUint(base, 10, 64)
	if err != nil || gen == 0 {
		return 0, false
	}
	return gen, true
}
