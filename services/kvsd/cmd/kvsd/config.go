package main

import (
	"fmt"
	"time"

	"github.com/greymass/kvs/libraries/config"
	"github.com/greymass/kvs/services/kvsd/internal/engine"
	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

type StorageConfig struct {
	MaxSegmentSize   int64  `name:"max-segment-size" default:"64MB" help:"Rotate the active segment at this size"`
	Sync             string `name:"sync" default:"always" help:"Durability mode: always (fsync per write) or flush"`
	CompressionLevel int    `name:"compression-level" default:"0" help:"zstd level for large values, 0 disables"`
	CompressMinSize  int    `name:"compress-min-size" default:"4KB" help:"Smallest value considered for compression"`
}

type CompactionConfig struct {
	Threshold int64         `name:"threshold" default:"1MB" help:"Compact once stale bytes reach this size, 0 disables"`
	Ratio     float64       `name:"ratio" default:"0" help:"Compact once stale/disk reaches this ratio, 0 disables"`
	Interval  time.Duration `name:"interval" default:"30s" help:"Background compaction check interval"`
}

type PebbleConfig struct {
	CacheSize    int64 `name:"cache-size" default:"64MB" help:"Pebble block cache size"`
	MemTableSize int64 `name:"memtable-size" default:"64MB" help:"Pebble memtable size"`
}

type Config struct {
	Debug           bool     `name:"debug" help:"Enable debug logging (all categories)"`
	GOGC            int      `name:"gogc" default:"100" help:"Go GC target percentage"`
	LogFile         string   `name:"log-file" help:"Log output file path (logs to both stdout and file when set)"`
	LogFilter       []string `name:"log-filter" default:"startup,server,compaction,recovery,pebble,admin,profiler" help:"Log category filter (comma-separated)"`
	PprofPort       string   `name:"pprof-port" help:"Port for pprof debugging endpoint"`
	Profile         bool     `name:"profile" help:"Enable periodic CPU profiling"`
	ProfileInterval int      `name:"profile-interval" default:"60" help:"Profile logging interval in seconds"`

	DataDir         string `name:"data-dir" alias:"dir" default:"./data" help:"Data directory"`
	Engine          string `name:"engine" default:"log" help:"Storage engine: log or pebble"`
	Listen          string `name:"listen" alias:"addr" default:"127.0.0.1:4000" help:"kv protocol listen address (TCP or /path/to.sock)"`
	WebSocketListen string `name:"websocket-listen" help:"WebSocket JSON listen address"`
	AdminListen     string `name:"admin-listen" default:"none" help:"Admin HTTP address (e.g., 'localhost:4001' or '/path/to/admin.sock')"`

	MaxConnections    int           `name:"max-connections" default:"1024" help:"Maximum concurrent client connections"`
	Workers           int           `name:"workers" default:"0" help:"Request worker goroutines, 0 for 4x GOMAXPROCS"`
	IdleTimeout       time.Duration `name:"idle-timeout" default:"5m" help:"Close connections idle for this long"`
	RequestsPerSecond float64       `name:"requests-per-second" default:"0" help:"Per-connection request rate, 0 disables"`
	Burst             int           `name:"burst" default:"100" help:"Rate limiter burst"`

	Storage    StorageConfig    `section:"storage"`
	Compaction CompactionConfig `section:"compaction"`
	Pebble     PebbleConfig     `section:"pebble"`
}

func loadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must be configured")
	}
	if _, err := engine.ParseKind(c.Engine); err != nil {
		return err
	}
	if c.Listen == "" || c.Listen == "none" {
		return fmt.Errorf("listen must be configured")
	}
	if _, err := segment.ParseSyncMode(c.Storage.Sync); err != nil {
		return fmt.Errorf("[storage] sync: %w", err)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max-connections must be > 0")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle-timeout must be >= 0")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests-per-second must be >= 0")
	}
	if c.Storage.MaxSegmentSize < 4096 {
		return fmt.Errorf("[storage] max-segment-size must be at least 4KB")
	}
	if c.Storage.CompressionLevel < 0 || c.Storage.CompressionLevel > 22 {
		return fmt.Errorf("[storage] compression-level must be between 0 and 22")
	}
	if c.Compaction.Threshold < 0 {
		return fmt.Errorf("[compaction] threshold must be >= 0")
	}
	if c.Compaction.Ratio < 0 || c.Compaction.Ratio >= 1 {
		return fmt.Errorf("[compaction] ratio must be in [0, 1)")
	}
	return nil
}

func (c *Config) engineOptions() engine.Options {
	sync, _ := segment.ParseSyncMode(c.Storage.Sync)
	return engine.Options{
		Segment: segment.Options{
			MaxSegmentSize:   c.Storage.MaxSegmentSize,
			Sync:             sync,
			CompressionLevel: c.Storage.CompressionLevel,
			CompressMinSize:  c.Storage.CompressMinSize,
		},
		CompactThreshold:   c.Compaction.Threshold,
		CompactRatio:       c.Compaction.Ratio,
		CompactInterval:    c.Compaction.Interval,
		PebbleCacheSize:    c.Pebble.CacheSize,
		PebbleMemTableSize: c.Pebble.MemTableSize,
	}
}
