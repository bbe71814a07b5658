package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/greymass/kvs/services/kvsd/internal/segment"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.Engine != "log" {
		t.Errorf("Engine = %q, want log", cfg.Engine)
	}
	if cfg.Listen != "127.0.0.1:4000" {
		t.Errorf("Listen = %q, want 127.0.0.1:4000", cfg.Listen)
	}
	if cfg.AdminListen != "none" {
		t.Errorf("AdminListen = %q, want none", cfg.AdminListen)
	}
	if cfg.MaxConnections != 1024 {
		t.Errorf("MaxConnections = %d, want 1024", cfg.MaxConnections)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.Storage.MaxSegmentSize != 64<<20 {
		t.Errorf("Storage.MaxSegmentSize = %d, want 64MB", cfg.Storage.MaxSegmentSize)
	}
	if cfg.Storage.CompressMinSize != 4<<10 {
		t.Errorf("Storage.CompressMinSize = %d, want 4KB", cfg.Storage.CompressMinSize)
	}
	if cfg.Compaction.Threshold != 1<<20 {
		t.Errorf("Compaction.Threshold = %d, want 1MB", cfg.Compaction.Threshold)
	}
	if cfg.Compaction.Interval != 30*time.Second {
		t.Errorf("Compaction.Interval = %v, want 30s", cfg.Compaction.Interval)
	}
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvsd.ini")
	ini := strings.Join([]string{
		"data-dir = /var/lib/kvsd",
		"engine = pebble",
		"[storage]",
		"sync = flush",
		"compression-level = 3",
		"[compaction]",
		"ratio = 0.5",
		"[pebble]",
		"cache-size = 128MB",
	}, "\n")
	if err := os.WriteFile(path, []byte(ini), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig([]string{"-config", path, "-listen", "/tmp/kvsd.sock", "-storage.compression-level", "5"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.DataDir != "/var/lib/kvsd" {
		t.Errorf("DataDir = %q, want /var/lib/kvsd", cfg.DataDir)
	}
	if cfg.Listen != "/tmp/kvsd.sock" {
		t.Errorf("Listen = %q, want /tmp/kvsd.sock", cfg.Listen)
	}

	opts := cfg.engineOptions()
	if opts.Segment.Sync != segment.SyncFlush {
		t.Errorf("Sync = %v, want flush", opts.Segment.Sync)
	}
	if opts.Segment.CompressionLevel != 5 {
		t.Errorf("CompressionLevel = %d, want 5 (flag overrides file)", opts.Segment.CompressionLevel)
	}
	if opts.CompactRatio != 0.5 {
		t.Errorf("CompactRatio = %v, want 0.5", opts.CompactRatio)
	}
	if opts.PebbleCacheSize != 128<<20 {
		t.Errorf("PebbleCacheSize = %d, want 128MB", opts.PebbleCacheSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown engine", []string{"-engine", "btree"}, "engine"},
		{"bad sync", []string{"-storage.sync", "never"}, "sync"},
		{"no listen", []string{"-listen", "none"}, "listen"},
		{"zero connections", []string{"-max-connections", "0"}, "max-connections"},
		{"tiny segments", []string{"-storage.max-segment-size", "100"}, "max-segment-size"},
		{"compression level", []string{"-storage.compression-level", "30"}, "compression-level"},
		{"ratio", []string{"-compaction.ratio", "1.5"}, "ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.args)
			if err == nil {
				t.Fatalf("loadConfig(%v) succeeded, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}
