package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/mask"
	"github.com/dls-controls/fa-archiver/internal/ringbuf"
	"github.com/dls-controls/fa-archiver/internal/transform"
)

// TestDiskWriterPersistsCompletedMajorBlocks exercises the full
// sniffer-free ingest path: raw blocks are pushed straight into the ring
// buffer (standing in for the sniffer thread), and the disk writer drains
// them, transforms them, and persists completed major blocks to a
// prepared archive file.
func TestDiskWriterPersistsCompletedMajorBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fa.dat")

	m := mask.New(1)
	require.NoError(t, m.Set(0, true))

	cfg := archive.PrepareConfig{
		N:                1,
		D1Log2:           1, // D1 = 2
		D2Log2:           1, // D2 = 2
		InputBlockSize:   uint32(4 * archive.EntrySize),
		MajorSampleCount: 4,
		MajorBlockCount:  4,
		DDSampleCount:    4,
		ArchiveMask:      m,
	}
	require.NoError(t, archive.Prepare(path, cfg))

	a, err := archive.Open(path)
	require.NoError(t, err)
	defer a.Close()

	// One ring slot per raw frame (N=1, so one frame is archive.EntrySize
	// bytes): four slots are needed to fill the major block's
	// MajorSampleCount of 4.
	ring := ringbuf.New(int(archive.EntrySize), 8)
	tf := transform.New(a, nil)
	log := zap.NewNop().Sugar()
	w := NewDiskWriter(ring, a, tf, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Push exactly one major block's worth of raw samples (4 frames, 1 id),
	// 1000us apart starting at 10000us so the fitted start_timestamp (one
	// interval before the first sample) stays positive.
	for f := 0; f < 4; f++ {
		idx, buf, err := ring.ReserveWrite()
		require.NoError(t, err)
		for i := range buf {
			buf[i] = 0
		}
		buf[0] = byte(f) // x = f
		ring.CommitWrite(idx, false, uint64(10000+1000*f))
	}

	require.Eventually(t, func() bool {
		return a.Header().CurrentMajorBlock == 1
	}, time.Second, time.Millisecond)

	entry, err := a.ReadIndexEntry(0)
	require.NoError(t, err)
	require.Equal(t, uint64(9000), entry.Timestamp)
	require.Equal(t, uint32(4000), entry.Duration)

	cancel()
	<-done
}
