package flushpipe

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/statsd"
	"github.com/wedaly/caesium/internal/wire"
)

func TestInsertCreatesInflightSketch(t *testing.T) {
	p := New("127.0.0.1:0", time.Minute, 10)
	p.Insert(statsd.Sample{Metric: "m", Value: 42})

	p.mu.Lock()
	cur, ok := p.inflights["m"]
	p.mu.Unlock()

	require.True(t, ok)
	require.Equal(t, uint64(1), cur.sketch.Count())
}

func TestSealExpiredMovesToPublishQueue(t *testing.T) {
	p := New("127.0.0.1:0", time.Second, 10)
	base := time.Unix(1000, 0)
	p.now = func() time.Time { return base }
	p.Insert(statsd.Sample{Metric: "m", Value: 1})

	p.sealExpired(base.Add(2 * time.Second))

	select {
	case s := <-p.publish:
		require.Equal(t, "m", s.metric)
	default:
		t.Fatal("expected a sealed sketch in the publish queue")
	}
}

func TestSendOnceDeliversOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.InsertRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := wire.ReadInsertRequest(conn)
		if err != nil {
			return
		}
		wire.WriteInsertResponse(conn, 0)
		received <- req
	}()

	p := New(ln.Addr().String(), time.Minute, 10)
	sk := sketch.New(32)
	sk.Insert(7)
	err = p.sendOnce(sealedSketch{metric: "m", start: 0, end: 60, sketch: sk})
	require.NoError(t, err)

	select {
	case req := <-received:
		require.Equal(t, "m", req.Metric)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the insert request")
	}
}
