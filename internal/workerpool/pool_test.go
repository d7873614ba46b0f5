package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wedaly/caesium/internal/cserr"
)

func TestSubmitProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int64
	p := New[int](ctx, 4, 16, func(_ context.Context, job int) {
		atomic.AddInt64(&processed, int64(job))
	})

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Submit(i))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == 55
	}, time.Second, time.Millisecond)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 1)
	block := make(chan struct{})
	p := New[int](ctx, 1, 1, func(_ context.Context, job int) {
		started <- struct{}{}
		<-block
	})
	defer close(block)

	require.NoError(t, p.Submit(1))
	<-started // the sole worker has dequeued job 1, freeing the 1-slot buffer

	require.NoError(t, p.Submit(2)) // fills the now-empty buffer
	err := p.Submit(3)
	require.Equal(t, cserr.KindOverloaded, cserr.KindOf(err))
}

func TestCloseWaitsForWorkers(t *testing.T) {
	ctx := context.Background()
	var done int32
	p := New[int](ctx, 2, 4, func(_ context.Context, job int) {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&done, 1)
	})
	require.NoError(t, p.Submit(1))
	require.NoError(t, p.Submit(2))
	require.NoError(t, p.Close())
	require.Equal(t, int32(2), atomic.LoadInt32(&done))
}
