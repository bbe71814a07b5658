package engine

import (
	"errors"

	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrCorrupted      = segment.ErrCorrupted
	ErrIO             = segment.ErrIO
	ErrCompaction     = errors.New("compaction failed")
	ErrClosed         = errors.New("engine closed")
	ErrEngineMismatch = errors.New("data directory belongs to a different engine")
)
