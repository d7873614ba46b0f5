// Package daemon wires statsd parsing into the flush pipeline and owns the
// UDP listener lifecycle for cmd/caesium-daemon.
package daemon

import (
	"context"
	"net"
	"time"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/flushpipe"
)

// Config is the daemon's runtime configuration.
type Config struct {
	UDPAddr       string
	ServerAddr    string
	FlushInterval time.Duration
	QueueSize     int
}

// Daemon owns the UDP socket and the flush pipeline.
type Daemon struct {
	cfg      Config
	pipeline *flushpipe.Pipeline
}

// New constructs a Daemon without binding the UDP socket yet.
func New(cfg Config) *Daemon {
	return &Daemon{
		cfg:      cfg,
		pipeline: flushpipe.New(cfg.ServerAddr, cfg.FlushInterval, cfg.QueueSize),
	}
}

// Run binds the UDP socket and blocks running the flush pipeline until ctx
// is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", d.cfg.UDPAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	clog.Infof("daemon: listening on %s, forwarding to %s", d.cfg.UDPAddr, d.cfg.ServerAddr)
	return d.pipeline.Run(ctx, conn)
}
