package transform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/mask"
)

// prepareTestArchive prepares and opens a tiny archive: 2 ids, D1=4, D2=4,
// 16 samples per major block, 4 major blocks, so a major block closes
// after exactly one raw block when framesPerBlock == 16.
func prepareTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fa.dat")

	m := mask.New(2)
	require.NoError(t, m.Set(0, true))
	require.NoError(t, m.Set(1, true))

	cfg := archive.PrepareConfig{
		N:                2,
		D1Log2:           2, // D1 = 4
		D2Log2:           2, // D2 = 4
		InputBlockSize:   uint32(16 * 2 * archive.EntrySize),
		MajorSampleCount: 16,
		MajorBlockCount:  4,
		DDSampleCount:    16,
		ArchiveMask:      m,
	}
	require.NoError(t, archive.Prepare(path, cfg))

	a, err := archive.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// rawBlock builds one frame-major raw block of `frames` frames for 2 ids,
// with id 0's x value counting up from start (the id_zero convention) and
// id 1 holding a constant so its decimated slots are easy to check.
func rawBlock(frames int, start int32) []byte {
	buf := make([]byte, frames*2*archive.EntrySize)
	for f := 0; f < frames; f++ {
		base := f * 2 * archive.EntrySize
		putI32(buf[base:], start+int32(f))
		putI32(buf[base+4:], 100)
		putI32(buf[base+8:], 7)
		putI32(buf[base+12:], -7)
	}
	return buf
}

func putI32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestHandleBlockCompletesMajorBlockAndAdvances(t *testing.T) {
	a := prepareTestArchive(t)
	tf := New(a, nil)

	raw := rawBlock(16, 1000)
	completed, err := tf.HandleBlock(raw, 5_000_000)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.Equal(t, uint32(0), completed.BlockIndex)
	require.Equal(t, uint64(5_000_000), completed.Entry.Timestamp)

	h := a.Header()
	require.Equal(t, uint32(1), h.CurrentMajorBlock)
}

func TestHandleGapResetsPartialAccumulation(t *testing.T) {
	a := prepareTestArchive(t)
	tf := New(a, nil)

	// Feed 8 of the 16 samples needed to complete a block, then a gap.
	half := rawBlock(8, 0)
	completed, err := tf.HandleBlock(half, 1_000_000)
	require.NoError(t, err)
	require.Nil(t, completed)

	tf.HandleGap()
	require.Equal(t, uint32(0), tf.sampleIdx)

	// A fresh full block after the gap must still complete cleanly and be
	// marked as starting a new segment.
	full := rawBlock(16, 0)
	completed, err = tf.HandleBlock(full, 2_000_000)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.True(t, completed.GapStarted)
}

func TestFirstStageSlotIsWrittenIntoMajorBuffer(t *testing.T) {
	a := prepareTestArchive(t)
	tf := New(a, nil)

	raw := rawBlock(16, 0)
	completed, err := tf.HandleBlock(raw, 0)
	require.NoError(t, err)
	require.NotNil(t, completed)

	// Column 1 (id 1) is constant (x=7, y=-7): every first-stage slot for
	// it should report min == max == mean == 7 / -7, std == 0.
	off := archive.DecimatedSlotOffset(16, 4, 0, 1)
	slotBuf := completed.Data[off : off+archive.DecimatedSlotSize]
	minX := int32(uint32(slotBuf[0]) | uint32(slotBuf[1])<<8 | uint32(slotBuf[2])<<16 | uint32(slotBuf[3])<<24)
	require.Equal(t, int32(7), minX)
}
