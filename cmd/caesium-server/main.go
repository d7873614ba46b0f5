// Command caesium-server runs the Caesium window store, query engine and
// downsampler behind the insert and query TCP protocols.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/config"
	"github.com/wedaly/caesium/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaults := config.DefaultServer()

	var (
		dbPath             = flag.String("db-path", defaults.DBPath, "directory holding the window store's log and manifest files")
		insertAddr         = flag.String("insert-addr", defaults.InsertAddr, "TCP address for the insert protocol")
		queryAddr          = flag.String("query-addr", defaults.QueryAddr, "TCP address for the query protocol")
		debugAddr          = flag.String("debug-addr", defaults.DebugAddr, "HTTP address serving /metrics and /healthz")
		numReadWorkers     = flag.Int("num-read-workers", defaults.NumReadWorkers, "read worker pool size")
		numWriteWorkers    = flag.Int("num-write-workers", defaults.NumWriteWorkers, "write worker pool size")
		readQueueSize      = flag.Int("read-queue-size", defaults.ReadQueueSize, "read worker pool queue capacity")
		writeQueueSize     = flag.Int("write-queue-size", defaults.WriteQueueSize, "write worker pool queue capacity")
		downsampleInterval = flag.String("downsample-interval", defaults.DownsampleInterval, "how often the downsampler runs")
		configPath         = flag.String("config", "", "optional JSON config file, overrides the flags above where set")
		logLevel           = flag.String("loglevel", defaults.LogLevel, "debug, info, warn or err")
		gops               = flag.Bool("gops", false, "start a github.com/google/gops agent for live diagnostics")
		showVersion        = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("caesium-server %s (%s, built %s)\n", version, commit, date)
		return 0
	}

	_ = godotenv.Load()
	clog.SetLogLevel(*logLevel)

	cfg := config.Server{
		DBPath:             *dbPath,
		InsertAddr:         *insertAddr,
		QueryAddr:          *queryAddr,
		DebugAddr:          *debugAddr,
		NumReadWorkers:     *numReadWorkers,
		NumWriteWorkers:    *numWriteWorkers,
		ReadQueueSize:      *readQueueSize,
		WriteQueueSize:     *writeQueueSize,
		DownsampleInterval: *downsampleInterval,
		LogLevel:           *logLevel,
		Gops:               *gops,
	}
	cfg, err := config.LoadServer(*configPath, cfg)
	if err != nil {
		clog.Errorf("invalid config: %v", err)
		return 1
	}

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			clog.Warnf("gops agent: %v", err)
		}
	}

	interval, err := time.ParseDuration(cfg.DownsampleInterval)
	if err != nil {
		clog.Errorf("invalid downsample-interval %q: %v", cfg.DownsampleInterval, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, server.Config{
		DBPath:             cfg.DBPath,
		InsertAddr:         cfg.InsertAddr,
		QueryAddr:          cfg.QueryAddr,
		DebugAddr:          cfg.DebugAddr,
		NumReadWorkers:     cfg.NumReadWorkers,
		NumWriteWorkers:    cfg.NumWriteWorkers,
		ReadQueueSize:      cfg.ReadQueueSize,
		WriteQueueSize:     cfg.WriteQueueSize,
		DownsampleInterval: interval,
	})
	if err != nil {
		clog.Errorf("starting server: %v", err)
		return 1
	}

	clog.Infof("caesium-server %s listening: insert=%s query=%s debug=%s", version, cfg.InsertAddr, cfg.QueryAddr, cfg.DebugAddr)
	if err := srv.Run(ctx); err != nil {
		clog.Errorf("server stopped: %v", err)
		return 1
	}
	return 0
}
