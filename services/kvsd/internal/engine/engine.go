package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

// Engine is a key-value storage backend. Implementations are safe for
// concurrent use.
type Engine interface {
	// Get returns the value for key. A missing key is not an error.
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	// Remove returns ErrKeyNotFound if key is absent.
	Remove(key []byte) error
	Compact(ctx context.Context) error
	Stats() Stats
	Close() error
}

type Kind string

const (
	KindLog    Kind = "log"
	KindPebble Kind = "pebble"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "", KindLog:
		return KindLog, nil
	case KindPebble:
		return KindPebble, nil
	}
	return "", fmt.Errorf("unknown engine %q (expected log or pebble)", s)
}

type Options struct {
	Segment segment.Options

	// Compaction runs once stale bytes reach CompactThreshold, or once the
	// stale share of disk usage reaches CompactRatio. Zero disables either.
	CompactThreshold int64
	CompactRatio     float64
	CompactInterval  time.Duration

	RebuildWorkers int

	PebbleCacheSize    int64
	PebbleMemTableSize int64
}

type Stats struct {
	Engine          Kind      `json:"engine"`
	Keys            int       `json:"keys"`
	LiveBytes       int64     `json:"live_bytes"`
	StaleBytes      int64     `json:"stale_bytes"`
	DiskBytes       int64     `json:"disk_bytes"`
	Segments        int       `json:"segments,omitempty"`
	ActiveSegment   uint64    `json:"active_segment,omitempty"`
	CompactionState string    `json:"compaction_state"`
	Compactions     uint64    `json:"compactions"`
	LastCompaction  time.Time `json:"last_compaction"`
}

// Open opens dir with the selected engine. The first open records the
// engine kind in dir; later opens with another kind fail with
// ErrEngineMismatch.
func Open(kind Kind, dir string, opts Options) (Engine, error) {
	if err := checkMarker(dir, kind); err != nil {
		return nil, err
	}
	switch kind {
	case KindLog:
		return OpenLog(dir, opts)
	case KindPebble:
		return OpenPebble(dir, opts)
	}
	return nil, fmt.Errorf("unknown engine %q", kind)
}

const markerFile = "ENGINE"

func checkMarker(dir string, kind Kind) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create data directory: %w", ErrIO, err)
	}
	path := filepath.Join(dir, markerFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(string(kind)+"\n"), 0644); err != nil {
			return fmt.Errorf("%w: write engine marker: %w", ErrIO, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read engine marker: %w", ErrIO, err)
	}
	if recorded := Kind(bytes.TrimSpace(data)); recorded != kind {
		return fmt.Errorf("%w: %s holds %q, requested %q", ErrEngineMismatch, dir, recorded, kind)
	}
	return nil
}
