package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/greymass/kvs/libraries/config"
	"github.com/greymass/kvs/libraries/enforce"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/libraries/profiler"
	"github.com/greymass/kvs/services/kvsd/internal/admin"
	"github.com/greymass/kvs/services/kvsd/internal/dispatch"
	"github.com/greymass/kvs/services/kvsd/internal/engine"
	"github.com/greymass/kvs/services/kvsd/internal/kvserver"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

var (
	productionCategories = []string{"startup", "server", "compaction", "recovery", "pebble", "admin", "profiler", "enforce"}
	debugCategories      = []string{"debug", "debug-server", "debug-segment", "debug-pebble", "debug-http"}
	allCategories        = append(append([]string{}, productionCategories...), debugCategories...)
)

func main() {
	config.CheckVersion(Version)

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.RegisterCategories(allCategories...)
	if cfg.Debug {
		logger.SetMinLevel(logger.LevelDebug)
		logger.SetCategoryFilter(nil)
	} else {
		logger.SetCategoryFilter(cfg.LogFilter)
	}

	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			logger.Fatal("Failed to open log file %s: %v", cfg.LogFile, err)
		}
		defer logger.Close()
		logger.Printf("startup", "Logging to file: %s", cfg.LogFile)
	}

	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}

	if cfg.PprofPort != "" {
		go func() {
			pprofAddr := "localhost:" + cfg.PprofPort
			logger.Printf("startup", "Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Printf("startup", "pprof server failed: %v", err)
			}
		}()
	}

	if cfg.Profile {
		p := profiler.Start(profiler.Config{
			ServiceName: "kvsd",
			Interval:    time.Duration(cfg.ProfileInterval) * time.Second,
		})
		defer p.Stop()
	}

	kind, _ := engine.ParseKind(cfg.Engine)
	logger.Printf("startup", "kvsd %s opening %s engine in %s", Version, kind, cfg.DataDir)

	start := time.Now()
	eng, err := engine.Open(kind, cfg.DataDir, cfg.engineOptions())
	if err != nil {
		logger.Fatal("Failed to open engine: %v", err)
	}
	stats := eng.Stats()
	logger.Printf("startup", "Engine ready in %v: %s keys, %s on disk, %s stale",
		time.Since(start).Round(time.Millisecond),
		logger.FormatCount(int64(stats.Keys)),
		logger.FormatBytes(stats.DiskBytes),
		logger.FormatBytes(stats.StaleBytes))

	dispatcher := dispatch.New(eng)
	srv := kvserver.New(dispatcher, kvserver.Config{
		MaxConnections:    cfg.MaxConnections,
		Workers:           cfg.Workers,
		IdleTimeout:       cfg.IdleTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
	if _, err := srv.Listen(cfg.Listen); err != nil {
		logger.Fatal("Failed to listen on %s: %v", cfg.Listen, err)
	}

	var ws *kvserver.WebSocketServer
	if cfg.WebSocketListen != "" && cfg.WebSocketListen != "none" {
		ws = kvserver.NewWebSocketServer(srv)
		if _, err := ws.Listen(cfg.WebSocketListen); err != nil {
			logger.Fatal("Failed to start WebSocket listener on %s: %v", cfg.WebSocketListen, err)
		}
	}

	var adminSrv *admin.Server
	if cfg.AdminListen != "" && cfg.AdminListen != "none" {
		adminSrv, err = admin.New(eng, dispatcher, admin.Config{
			Version:           Version,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
		if err != nil {
			logger.Fatal("Failed to initialize admin API: %v", err)
		}
		_, err = adminSrv.Listen(cfg.AdminListen)
		enforce.ENFORCE(err, "admin listen failure ", cfg.AdminListen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		storageMetricsUpdater(gctx, eng)
		return nil
	})

	logger.Printf("startup", "kvsd %s started", Version)
	<-gctx.Done()
	logger.Printf("startup", "Shutting down...")

	if adminSrv != nil {
		adminSrv.Close()
	}
	if ws != nil {
		ws.Close()
	}
	srv.Close()
	g.Wait()

	if err := eng.Close(); err != nil {
		logger.Error("Engine close failed: %v", err)
	}
	logger.Printf("startup", "Shutdown complete")
}

func storageMetricsUpdater(ctx context.Context, eng engine.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := eng.Stats()
			metrics.UpdateStorage(stats.Keys, stats.StaleBytes, stats.DiskBytes)
		}
	}
}
