// Package server wires together the window store, the downsampler and the
// bounded read/write worker pools behind two TCP listeners, following the
// teacher's cmd/cc-backend/server.go bootstrap-then-serve-until-cancelled
// shape.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/cserr"
	"github.com/wedaly/caesium/internal/downsample"
	"github.com/wedaly/caesium/internal/exec"
	"github.com/wedaly/caesium/internal/metrics"
	"github.com/wedaly/caesium/internal/query"
	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/wire"
	"github.com/wedaly/caesium/internal/windowstore"
	"github.com/wedaly/caesium/internal/workerpool"
)

// Config is the subset of config.Server the server package needs, kept
// separate so this package does not depend on the flag-parsing layer.
type Config struct {
	DBPath             string
	InsertAddr         string
	QueryAddr          string
	DebugAddr          string
	NumReadWorkers     int
	NumWriteWorkers    int
	ReadQueueSize      int
	WriteQueueSize     int
	DownsampleInterval time.Duration
}

type insertJob struct {
	conn net.Conn
}

type queryJob struct {
	conn net.Conn
}

// Server owns the store, pools and listeners for one running instance.
type Server struct {
	cfg   Config
	store *windowstore.Store

	writePool *workerpool.Pool[insertJob]
	readPool  *workerpool.Pool[queryJob]
	down      *downsample.Downsampler
}

// New opens the window store and constructs (but does not yet start) the
// server's pools and downsampler.
func New(ctx context.Context, cfg Config) (*Server, error) {
	store, err := windowstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	down, err := downsample.New(store, downsample.DefaultPolicy(), cfg.DownsampleInterval)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, store: store, down: down}
	s.writePool = workerpool.New[insertJob](ctx, cfg.NumWriteWorkers, cfg.WriteQueueSize, s.handleInsertConn)
	s.readPool = workerpool.New[queryJob](ctx, cfg.NumReadWorkers, cfg.ReadQueueSize, s.handleQueryConn)
	return s, nil
}

// Run starts the downsampler, both TCP listeners and the debug HTTP mux,
// and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	insertLn, err := net.Listen("tcp", s.cfg.InsertAddr)
	if err != nil {
		return err
	}
	defer insertLn.Close()

	queryLn, err := net.Listen("tcp", s.cfg.QueryAddr)
	if err != nil {
		return err
	}
	defer queryLn.Close()

	debugSrv := s.startDebugServer()
	defer debugSrv.Close()

	go s.acceptLoop(ctx, insertLn, func(c net.Conn) { s.submitInsert(c) })
	go s.acceptLoop(ctx, queryLn, func(c net.Conn) { s.submitQuery(c) })

	downErrCh := make(chan error, 1)
	go func() { downErrCh <- s.down.Run(ctx) }()

	<-ctx.Done()
	s.writePool.Close()
	s.readPool.Close()
	<-downErrCh
	return s.store.Close()
}

func (s *Server) startDebugServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: s.cfg.DebugAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.Errorf("server: debug http server: %v", err)
		}
	}()
	return srv
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, submit func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			clog.Warnf("server: accept: %v", err)
			continue
		}
		submit(conn)
	}
}

func (s *Server) submitInsert(conn net.Conn) {
	if err := s.writePool.Submit(insertJob{conn: conn}); err != nil {
		wire.WriteInsertResponse(conn, errKindOf(err).StatusByte())
		conn.Close()
	}
	metrics.WriteQueueDepth.Set(float64(s.writePool.QueueDepth()))
}

func (s *Server) submitQuery(conn net.Conn) {
	if err := s.readPool.Submit(queryJob{conn: conn}); err != nil {
		wire.WriteQueryResponse(conn, wire.QueryResponse{Status: errKindOf(err).StatusByte()})
		conn.Close()
	}
	metrics.ReadQueueDepth.Set(float64(s.readPool.QueueDepth()))
}

func (s *Server) handleInsertConn(ctx context.Context, job insertJob) {
	defer job.conn.Close()
	req, err := wire.ReadInsertRequest(job.conn)
	if err != nil {
		clog.Warnf("server: reading insert request: %v", err)
		return
	}
	sk := &sketch.Sketch{}
	if err := sk.UnmarshalBinary(req.SketchBytes); err != nil {
		wire.WriteInsertResponse(job.conn, badRequestKindOf(err).StatusByte())
		return
	}
	if err := s.store.Insert(ctx, req.Metric, req.Start, req.End, sk); err != nil {
		wire.WriteInsertResponse(job.conn, errKindOf(err).StatusByte())
		return
	}
	wire.WriteInsertResponse(job.conn, 0)
}

func (s *Server) handleQueryConn(ctx context.Context, job queryJob) {
	defer job.conn.Close()
	req, err := wire.ReadQueryRequest(job.conn)
	if err != nil {
		clog.Warnf("server: reading query request: %v", err)
		return
	}

	expr, err := query.Parse(req.Text)
	if err != nil {
		wire.WriteQueryResponse(job.conn, wire.QueryResponse{Status: badRequestKindOf(err).StatusByte()})
		return
	}
	plan, err := exec.Plan(expr, s.store)
	if err != nil {
		wire.WriteQueryResponse(job.conn, wire.QueryResponse{Status: badRequestKindOf(err).StatusByte()})
		return
	}
	table, err := plan.Run(ctx)
	if err != nil {
		wire.WriteQueryResponse(job.conn, wire.QueryResponse{Status: badRequestKindOf(err).StatusByte()})
		return
	}
	payload, err := json.Marshal(table)
	if err != nil {
		wire.WriteQueryResponse(job.conn, wire.QueryResponse{Status: 2})
		return
	}
	wire.WriteQueryResponse(job.conn, wire.QueryResponse{Status: 0, Payload: payload})
}

func errKindOf(err error) cserr.Kind { return cserr.KindOf(err) }

// badRequestKindOf classifies err for a client-supplied-data failure: if
// err already carries a cserr.Kind that kind is kept (e.g. exec.Run's
// ErrOverlapMismatch or ErrDeadline), otherwise the failure is attributed
// to the caller's input (a malformed query or sketch) rather than
// reported as KindUnknown/status 0, which the wire protocol reserves for
// success.
func badRequestKindOf(err error) cserr.Kind {
	if k := cserr.KindOf(err); k != cserr.KindUnknown {
		return k
	}
	return cserr.KindBadRequest
}
