package sniffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dls-controls/fa-archiver/internal/ringbuf"
)

func TestThreadPublishesBlocksFromDriver(t *testing.T) {
	const n, framesPerBlock = 2, 4
	driver := NewSynthetic(n, framesPerBlock, time.Millisecond)
	var clk uint64
	driver.SetClock(func() uint64 {
		clk += 1000
		return clk
	})

	ring := ringbuf.New(framesPerBlock*n*8, 4)
	log := zap.NewNop().Sugar()
	th := NewThread(driver, ring, log)

	id := ring.OpenReader(true)
	defer ring.CloseReader(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	read := ring.GetRead(id)
	require.Equal(t, ringbuf.StatusOK, read.Status)
	require.Equal(t, uint64(1000), read.Timestamp)
	require.Len(t, read.Data, framesPerBlock*n*8)
	ring.ReleaseRead(id)

	read = ring.GetRead(id)
	require.Equal(t, ringbuf.StatusOK, read.Status)
	require.Equal(t, uint64(2000), read.Timestamp)
	ring.ReleaseRead(id)
}

func TestThreadReportsGapWhenDriverFails(t *testing.T) {
	const n, framesPerBlock = 1, 2
	driver := NewSynthetic(n, framesPerBlock, time.Millisecond)
	driver.SetClock(func() uint64 { return 42 })
	driver.SetFailing(true)

	ring := ringbuf.New(framesPerBlock*n*8, 4)
	log := zap.NewNop().Sugar()
	th := NewThread(driver, ring, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	id := ring.OpenReader(true)
	defer ring.CloseReader(id)

	read := ring.GetRead(id)
	require.Equal(t, ringbuf.StatusGap, read.Status)
	ring.ReleaseRead(id)
}

func TestThreadStopsOnContextCancel(t *testing.T) {
	driver := NewSynthetic(1, 1, time.Millisecond)
	ring := ringbuf.New(1*1*8, 2)
	log := zap.NewNop().Sugar()
	th := NewThread(driver, ring, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Run(ctx) }()

	// A strict reader that keeps draining in the background, so the
	// producer never blocks on a full ring while we wait to cancel it.
	id := ring.OpenReader(true)
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			read := ring.GetRead(id)
			if read.Status == ringbuf.StatusShutdown {
				return
			}
			ring.ReleaseRead(id)
		}
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("thread did not stop after context cancellation")
	}

	ring.StopReader(id)
	<-drainDone
	ring.CloseReader(id)
}
