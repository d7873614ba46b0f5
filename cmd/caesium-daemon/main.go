// Command caesium-daemon ingests StatsD UDP datagrams, accumulates them
// into quantile sketches per flush window, and publishes sealed windows to
// a caesium-server instance over the insert protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/config"
	"github.com/wedaly/caesium/internal/daemon"
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
	defaults := config.DefaultDaemon()

	var (
		udpAddr       = flag.String("udp-addr", defaults.UDPAddr, "UDP address to receive StatsD datagrams on")
		serverAddr    = flag.String("server-addr", defaults.ServerAddr, "caesium-server insert-addr to publish to")
		flushInterval = flag.String("flush-interval", defaults.FlushInterval, "how often in-memory sketches are sealed and published")
		queueSize     = flag.Int("queue-size", defaults.QueueSize, "bounded publish queue capacity")
		configPath    = flag.String("config", "", "optional JSON config file, overrides the flags above where set")
		logLevel      = flag.String("loglevel", defaults.LogLevel, "debug, info, warn or err")
		showVersion   = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("caesium-daemon %s (%s, built %s)\n", version, commit, date)
		return 0
	}

	_ = godotenv.Load()
	clog.SetLogLevel(*logLevel)

	cfg := config.Daemon{
		UDPAddr:       *udpAddr,
		ServerAddr:    *serverAddr,
		FlushInterval: *flushInterval,
		QueueSize:     *queueSize,
		LogLevel:      *logLevel,
	}
	cfg, err := config.LoadDaemon(*configPath, cfg)
	if err != nil {
		clog.Errorf("invalid config: %v", err)
		return 1
	}

	interval, err := time.ParseDuration(cfg.FlushInterval)
	if err != nil {
		clog.Errorf("invalid flush-interval %q: %v", cfg.FlushInterval, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(daemon.Config{
		UDPAddr:       cfg.UDPAddr,
		ServerAddr:    cfg.ServerAddr,
		FlushInterval: interval,
		QueueSize:     cfg.QueueSize,
	})

	if err := d.Run(ctx); err != nil {
		clog.Errorf("daemon stopped: %v", err)
		return 1
	}
	return 0
}
