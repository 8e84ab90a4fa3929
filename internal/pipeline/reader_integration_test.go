package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/decimate"
	"github.com/dls-controls/fa-archiver/internal/mask"
	"github.com/dls-controls/fa-archiver/internal/ringbuf"
	"github.com/dls-controls/fa-archiver/internal/transform"
)

// TestReaderQueryAcrossGapAndDoubleDecimation exercises spec.md's E5 and E6
// end-to-end scenarios against the real disk writer and reader: five major
// blocks are ingested, the second starting after a large timestamp jump
// that FindGap must recognise as a gap, and the rest continuing normally.
func TestReaderQueryAcrossGapAndDoubleDecimation(t *testing.T) {
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
		MajorBlockCount:  8,
		DDSampleCount:    4,
		ArchiveMask:      m,
	}
	require.NoError(t, archive.Prepare(path, cfg))

	a, err := archive.Open(path)
	require.NoError(t, err)
	defer a.Close()

	// One ring slot per raw frame (N=1, so one frame is archive.EntrySize
	// bytes): four slots fill each major block's MajorSampleCount of 4.
	ring := ringbuf.New(int(archive.EntrySize), 8)
	tf := transform.New(a, nil)
	log := zap.NewNop().Sugar()
	w := NewDiskWriter(ring, a, tf, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Five major blocks of 4 frames each, 1000us apart within a block.
	// block_start[i] is chosen so that a block's fitted entry (one
	// interval before block_start, per spec.md 4.4.2) plus its duration
	// lands exactly on the next block's entry for blocks 1-4: continuous.
	// Block 1 starts a long way past where block 0 leaves off instead: a
	// deliberate gap.
	blockStarts := []uint64{100000, 2000000, 2004000, 2008000, 2012000}
	frame := 0
	for _, start := range blockStarts {
		for i := 0; i < 4; i++ {
			idx, buf, err := ring.ReserveWrite()
			require.NoError(t, err)
			for j := range buf {
				buf[j] = 0
			}
			buf[0] = byte(frame)
			ring.CommitWrite(idx, false, start+uint64(i)*1000)
			frame++
		}
	}

	require.Eventually(t, func() bool {
		return a.Header().CurrentMajorBlock == 5
	}, time.Second, time.Millisecond)

	reader := archive.NewReader(a)

	// E5, strict: streaming from t=0 must stop with ErrGapEncountered right
	// after block 0's own data has already been written.
	var strict bytes.Buffer
	strictErr := reader.Stream(&strict, archive.Request{
		Start: 0,
		Mask:  m,
		Class: archive.ClassFA,
	})
	require.ErrorIs(t, strictErr, archive.ErrGapEncountered)
	require.Equal(t, 4*archive.EntrySize, strict.Len())

	// E5, all_data: the same query with AllData set skips past the gap and
	// keeps streaming every readable block up to the IndexSkip safety band
	// around CurrentMajorBlock (5), i.e. blocks 0, 1, 2.
	var allData bytes.Buffer
	allDataErr := reader.Stream(&allData, archive.Request{
		Start:   0,
		Mask:    m,
		Class:   archive.ClassFA,
		AllData: true,
	})
	require.NoError(t, allDataErr)
	require.Equal(t, 3*4*archive.EntrySize, allData.Len())

	// E6: a double-decimated read for mask={0} returns one 32-byte slot per
	// DD ring entry, and every slot's recorded min/mean/max are consistent.
	var dd bytes.Buffer
	require.NoError(t, reader.Stream(&dd, archive.Request{
		Mask:  m,
		Class: archive.ClassDD,
	}))
	h := a.Header()
	require.Equal(t, int(h.DDTotalCount)*32, dd.Len())

	a.WithLock(func(_ *archive.Header, ddRing []decimate.Slot, _ uint32) {
		for i, slot := range ddRing {
			require.LessOrEqualf(t, slot.MinX, slot.MeanX, "slot %d: min > mean", i)
			require.LessOrEqualf(t, slot.MeanX, slot.MaxX, "slot %d: mean > max", i)
			require.LessOrEqualf(t, slot.MinY, slot.MeanY, "slot %d: min > mean (y)", i)
			require.LessOrEqualf(t, slot.MeanY, slot.MaxY, "slot %d: mean > max (y)", i)
		}
	})

	cancel()
	<-done
}
