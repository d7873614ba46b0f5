// Package flushpipe implements Caesium's daemon-side in-memory flush
// pipeline (C7): incoming StatsD samples accumulate into a per-metric
// sketch for the current flush window; a ticker seals and hands off any
// window whose boundary has passed; a publisher drains sealed sketches and
// ships them to the server, retrying with backoff before dropping.
package flushpipe

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/metrics"
	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/statsd"
	"github.com/wedaly/caesium/internal/wire"
)

type inflight struct {
	start  int64
	sketch *sketch.Sketch
}

type sealedSketch struct {
	metric     string
	start, end int64
	sketch     *sketch.Sketch
}

// Pipeline owns the daemon's in-memory state between UDP receipt and TCP
// publish to the server.
type Pipeline struct {
	mu        sync.Mutex
	inflights map[string]*inflight

	flushWindow time.Duration
	serverAddr  string

	publish chan sealedSketch

	limiter *rate.Limiter

	now func() time.Time
}

// New constructs a Pipeline. queueSize bounds the publish channel; once
// full, the oldest sealed sketch is dropped and metrics.SketchesDropped is
// incremented, per spec.md §4.7.
func New(serverAddr string, flushWindow time.Duration, queueSize int) *Pipeline {
	return &Pipeline{
		inflights:   make(map[string]*inflight),
		flushWindow: flushWindow,
		serverAddr:  serverAddr,
		publish:     make(chan sealedSketch, queueSize),
		limiter:     rate.NewLimiter(rate.Limit(20), 5),
		now:         time.Now,
	}
}

// Insert folds one StatsD sample into its metric's current-window sketch,
// creating the window if this is the metric's first sample.
func (p *Pipeline) Insert(s statsd.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.inflights[s.Metric]
	if !ok {
		cur = &inflight{start: p.windowStart(p.now()), sketch: sketch.NewDefault()}
		p.inflights[s.Metric] = cur
	}
	cur.sketch.Insert(s.Value)
}

func (p *Pipeline) windowStart(t time.Time) int64 {
	sec := int64(p.flushWindow / time.Second)
	if sec <= 0 {
		sec = 1
	}
	return (t.Unix() / sec) * sec
}

// sealExpired moves every inflight sketch whose window has closed into the
// publish queue.
func (p *Pipeline) sealExpired(now time.Time) {
	boundary := p.windowStart(now)

	p.mu.Lock()
	var sealed []sealedSketch
	for metric, cur := range p.inflights {
		if cur.start < boundary {
			sealed = append(sealed, sealedSketch{
				metric: metric,
				start:  cur.start,
				end:    cur.start + int64(p.flushWindow/time.Second),
				sketch: cur.sketch,
			})
			delete(p.inflights, metric)
		}
	}
	p.mu.Unlock()

	for _, s := range sealed {
		select {
		case p.publish <- s:
		default:
			// Queue full: drop the oldest by draining one slot first.
			select {
			case <-p.publish:
				metrics.SketchesDropped.Inc()
			default:
			}
			select {
			case p.publish <- s:
			default:
				metrics.SketchesDropped.Inc()
			}
		}
	}
}

// Run drives the receive/seal/publish loop until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context, conn net.PacketConn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.receiveLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		p.flushLoop(ctx)
	}()

	p.publisherLoop(ctx)
	wg.Wait()
	return nil
}

func (p *Pipeline) receiveLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, statsd.MaxDatagramBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(p.now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		samples, err := statsd.ParseDatagram(buf[:n])
		if err != nil {
			clog.Warnf("flushpipe: dropping malformed datagram: %v", err)
			continue
		}
		for _, s := range samples {
			p.Insert(s)
		}
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(p.flushWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.sealExpired(t)
		}
	}
}

func (p *Pipeline) publisherLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.publish:
			p.publishOne(ctx, s)
		}
	}
}

func (p *Pipeline) publishOne(ctx context.Context, s sealedSketch) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.sendOnce(s); err == nil {
			return
		} else {
			clog.Warnf("flushpipe: publish %s attempt %d failed: %v", s.metric, attempt, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.InsertsRejected.Inc()
}

func (p *Pipeline) sendOnce(s sealedSketch) error {
	conn, err := net.DialTimeout("tcp", p.serverAddr, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := s.sketch.MarshalBinary()
	if err != nil {
		return err
	}
	if err := wire.WriteInsertRequest(conn, wire.InsertRequest{
		Metric:      s.metric,
		Start:       s.start,
		End:         s.end,
		SketchBytes: payload,
	}); err != nil {
		return err
	}
	status, err := wire.ReadInsertResponse(conn)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("server returned status %d", status)
	}
	return nil
}
