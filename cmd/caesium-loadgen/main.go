// Command caesium-loadgen synthesizes StatsD datagrams at a configurable
// rate and fires them at a daemon's UDP address, for exercising the daemon
// and server under load.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/wedaly/caesium/internal/clog"
)

func main() {
	var (
		udpAddr    = flag.String("udp-addr", "127.0.0.1:8125", "daemon UDP address to send datagrams to")
		metric     = flag.String("metric", "loadgen.latency", "metric name to generate")
		ratePerSec = flag.Int("rate", 1000, "samples per second")
		duration   = flag.Duration("duration", 30*time.Second, "how long to run")
		maxValue   = flag.Uint64("max-value", 1000, "samples are uniform in [0, max-value]")
	)
	flag.Parse()

	conn, err := net.Dial("udp", *udpAddr)
	if err != nil {
		clog.Fatalf("loadgen: dial %s: %v", *udpAddr, err)
	}
	defer conn.Close()

	interval := time.Second / time.Duration(*ratePerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Now().Add(*duration)
	var sent int64
	for time.Now().Before(deadline) {
		<-ticker.C
		v := rand.Uint64N(*maxValue + 1)
		line := fmt.Sprintf("%s:%d|ms\n", *metric, v)
		if _, err := conn.Write([]byte(line)); err != nil {
			clog.Warnf("loadgen: write: %v", err)
			continue
		}
		sent++
	}

	fmt.Fprintf(os.Stdout, "sent %d samples to %s over %s\n", sent, *udpAddr, *duration)
}
