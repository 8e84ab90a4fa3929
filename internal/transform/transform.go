// Package transform implements the per-block transpose and two-stage
// decimation pipeline described in spec.md 4.4: frame-major raw sniffer
// blocks are transposed into per-id columns, decimated once into the
// major block's own first-stage slots, decimated again into the
// in-memory double-decimation ring, and finally assembled into a
// page-aligned major block buffer handed to the disk writer.
//
// It runs inline in the disk writer's consumption loop, not as a
// dedicated goroutine, per spec.md 5.
package transform

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/dls-controls/fa-archiver/internal/archive"
	"github.com/dls-controls/fa-archiver/internal/decimate"
)

// FrameCorrector optionally rewrites one frame's worth of (x, y) samples
// in place before they are transposed and decimated, e.g. for site-specific
// corrections such as the ESRF corrector spec.md 10 leaves unspecified.
// The default Transform has none installed.
type FrameCorrector interface {
	Correct(ids []int, x, y []int32)
}

// CompletedBlock is a filled major block ready for the disk writer.
type CompletedBlock struct {
	BlockIndex uint32
	Data       []byte
	Entry      archive.IndexEntry
	GapStarted bool
}

// Transform holds the per-id decimation state for the major block
// currently being assembled.
type Transform struct {
	a         *archive.Archive
	corrector FrameCorrector

	n                int
	archivedIDs      []int
	majorSampleCount uint32
	d1, d2           uint32
	d1Log2           uint

	// Two buffers of one major block each; the transform fills `cur` while
	// the previous one is (conceptually) still being handed off, per
	// Design Notes 9's double-buffering requirement for O_DIRECT writes.
	bufs       [2][]byte
	curBuf     int
	sampleIdx  uint32 // raw samples written into the current buffer, per id
	d1SlotIdx  uint32 // not updated; d1SlotIdxFor derives the slot index from sampleIdx

	firstStage []decimate.Accumulator // one per archived id, resets every D1 samples
	secondStage []decimate.Accumulator // one per archived id, resets every D1*D2 samples

	blockTimestamps []uint64 // raw-block timestamps contributing to the current major block
	idZeroStart     uint32
	sawGap          bool

	nextBlockIndex uint32
}

// New builds a Transform bound to the archived ids and geometry recorded
// in a's header.
func New(a *archive.Archive, corrector FrameCorrector) *Transform {
	h := a.Header()
	ids := a.ArchivedIDs()
	t := &Transform{
		a:                a,
		corrector:        corrector,
		n:                int(h.N),
		archivedIDs:      ids,
		majorSampleCount: h.MajorSampleCount,
		d1:               h.D1(),
		d2:               h.D2(),
		d1Log2:           uint(h.D1Log2),
		firstStage:       make([]decimate.Accumulator, len(ids)),
		secondStage:      make([]decimate.Accumulator, len(ids)),
		nextBlockIndex:   h.CurrentMajorBlock,
	}
	size := archive.MajorBlockSize(h.MajorSampleCount, t.d1, len(ids))
	// O_DIRECT also needs the buffer address aligned: over-allocate and
	// slice each buffer from its first page boundary.
	const pageAlign = 4096
	for i := range t.bufs {
		raw := make([]byte, size+pageAlign)
		skip := int((pageAlign - uintptr(unsafe.Pointer(&raw[0]))%pageAlign) % pageAlign)
		t.bufs[i] = raw[skip : skip+int(size) : skip+int(size)]
	}
	for i := range t.firstStage {
		t.firstStage[i].Reset()
		t.secondStage[i].Reset()
	}
	return t
}

func (t *Transform) buf() []byte { return t.bufs[t.curBuf] }

// HandleBlock transposes and decimates one raw sniffer block (frame-major,
// n ids of 8-byte (x, y) entries each) into the in-progress major block. It
// returns a non-nil CompletedBlock whenever this call fills the major
// block.
func (t *Transform) HandleBlock(raw []byte, timestamp uint64) (*CompletedBlock, error) {
	frameSize := t.n * archive.EntrySize
	if len(raw)%frameSize != 0 {
		return nil, fmt.Errorf("transform: raw block size %d not a multiple of frame size %d", len(raw), frameSize)
	}
	frames := len(raw) / frameSize
	t.blockTimestamps = append(t.blockTimestamps, timestamp)

	xs := make([]int32, len(t.archivedIDs))
	ys := make([]int32, len(t.archivedIDs))

	for f := 0; f < frames; f++ {
		base := f * frameSize
		for col, id := range t.archivedIDs {
			off := base + id*archive.EntrySize
			xs[col] = getInt32(raw[off:])
			ys[col] = getInt32(raw[off+4:])
		}
		if t.corrector != nil {
			t.corrector.Correct(t.archivedIDs, xs, ys)
		}
		if t.sampleIdx == 0 {
			t.idZeroStart = getUint32AsFrameID(raw, base)
		}
		for col := range t.archivedIDs {
			if err := t.addSample(col, xs[col], ys[col]); err != nil {
				return nil, err
			}
		}
		if (t.sampleIdx+1)%(t.d1*t.d2) == 0 {
			t.a.Lock()
			t.a.AdvanceDDOffset()
			t.a.Unlock()
		}
		t.sampleIdx++
		if t.sampleIdx >= t.majorSampleCount {
			completed, err := t.finish()
			if err != nil {
				return nil, err
			}
			return completed, nil
		}
	}
	return nil, nil
}

// addSample writes one raw sample into the major buffer and folds it into
// both decimation stages for archived column col.
func (t *Transform) addSample(col int, x, y int32) error {
	rawOff := archive.FAEntryOffset(t.majorSampleCount, t.d1, t.sampleIdx, col)
	buf := t.buf()
	putInt32(buf[rawOff:], x)
	putInt32(buf[rawOff+4:], y)

	t.firstStage[col].Add(x, y)
	t.secondStage[col].Add(x, y)

	if (t.sampleIdx+1)%t.d1 == 0 {
		slot := t.firstStage[col].Finalize(t.d1Log2)
		slotOff := archive.DecimatedSlotOffset(t.majorSampleCount, t.d1, t.d1SlotIdxFor(col), col)
		encodeSlot(slot, buf[slotOff:])
		t.firstStage[col].Reset()
	}

	if (t.sampleIdx+1)%(t.d1*t.d2) == 0 {
		log2Total := t.d1Log2 + log2u32(t.d2)
		slot := t.secondStage[col].Finalize(log2Total)
		t.a.Lock()
		t.a.PutDDSlot(col, slot)
		t.a.Unlock()
		t.secondStage[col].Reset()
	}
	return nil
}

// d1SlotIdxFor returns how many first-stage slots column col has already
// received in the current major block; it is the same for every column
// since all archived ids advance in lockstep.
func (t *Transform) d1SlotIdxFor(int) uint32 {
	return t.sampleIdx / t.d1
}

// finish closes out the in-progress major block: computes its timestamp
// index entry by least-squares fit over the contributing raw-block
// timestamps (spec.md 4.4.2), publishes the new current_major_block, and
// swaps buffers. The DD ring offset is not touched here: HandleBlock
// advances it once every D1*D2 samples.
func (t *Transform) finish() (*CompletedBlock, error) {
	entry := t.fitIndexEntry()

	blockIndex := t.nextBlockIndex
	if err := t.a.AdvanceMajorBlock(entry); err != nil {
		return nil, err
	}
	h := t.a.Header()
	t.nextBlockIndex = h.CurrentMajorBlock

	data := t.buf()
	t.curBuf = 1 - t.curBuf
	t.sampleIdx = 0
	t.blockTimestamps = t.blockTimestamps[:0]
	gapStarted := t.sawGap
	t.sawGap = false

	return &CompletedBlock{BlockIndex: blockIndex, Data: data, Entry: entry, GapStarted: gapStarted}, nil
}

// fitIndexEntry performs the symmetric-t least-squares fit of spec.md
// 4.4.2: fit y = a*t + b through the m contributing raw-block timestamps
// on the axis t_i = 2i-(m-1), for which sum(t) = 0 and
// sum(t^2) = m*(m^2-1)/3. Then
//
//	duration         := 2*m*sum(t*y) / sum(t^2)
//	start_timestamp  := mean(y) - (m+1)*sum(t*y) / sum(t^2)
//
// which for evenly spaced input lands start_timestamp exactly one sample
// interval before the first contributing timestamp.
func (t *Transform) fitIndexEntry() archive.IndexEntry {
	m := len(t.blockTimestamps)
	if m == 0 {
		return archive.IndexEntry{}
	}
	if m == 1 {
		return archive.IndexEntry{Timestamp: t.blockTimestamps[0], Duration: 0, IDZero: t.idZeroStart}
	}
	var sumTY, sumY float64
	for i, ts := range t.blockTimestamps {
		symT := float64(2*i - (m - 1))
		sumTY += symT * float64(ts)
		sumY += float64(ts)
	}
	sumTT := float64(m) * float64(m*m-1) / 3
	slope := sumTY / sumTT
	meanY := sumY / float64(m)

	duration := 2 * float64(m) * slope
	start := meanY - float64(m+1)*slope

	return archive.IndexEntry{
		Timestamp: uint64(math.Round(start)),
		Duration:  uint32(math.Round(duration)),
		IDZero:    t.idZeroStart,
	}
}

// HandleGap discards whatever partial major block is in progress, per
// spec.md 4.4's gap handling, and resets all accumulators so the next
// sample starts a fresh block.
func (t *Transform) HandleGap() {
	for i := range t.firstStage {
		t.firstStage[i].Reset()
		t.secondStage[i].Reset()
	}
	t.sampleIdx = 0
	t.blockTimestamps = t.blockTimestamps[:0]
	t.sawGap = true
}

func log2u32(v uint32) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
