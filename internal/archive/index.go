package archive

import (
	"encoding/binary"
	"fmt"
)

// IndexEntry is one Data Index Entry: {timestamp, duration, id_zero}.
// duration == 0 marks an initialised-but-never-written block.
type IndexEntry struct {
	Timestamp uint64
	Duration  uint32
	IDZero    uint32
}

func (e IndexEntry) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], e.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:], e.Duration)
	binary.LittleEndian.PutUint32(buf[12:], e.IDZero)
}

func decodeIndexEntry(buf []byte) IndexEntry {
	return IndexEntry{
		Timestamp: binary.LittleEndian.Uint64(buf[0:]),
		Duration:  binary.LittleEndian.Uint32(buf[8:]),
		IDZero:    binary.LittleEndian.Uint32(buf[12:]),
	}
}

// indexRegionOffset is the absolute file offset of data_index[0].
func (a *Archive) indexRegionOffset() int64 { return HeaderSize }

func (a *Archive) writeIndexEntry(block uint32, e IndexEntry) error {
	buf := make([]byte, indexEntrySize)
	e.encode(buf)
	off := a.indexRegionOffset() + int64(block)*indexEntrySize
	_, err := a.aux.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("archive: write index entry %d: %w", block, err)
	}
	return nil
}

// ReadIndexEntry reads the data index entry for the given major block.
func (a *Archive) ReadIndexEntry(block uint32) (IndexEntry, error) {
	buf := make([]byte, indexEntrySize)
	off := a.indexRegionOffset() + int64(block)*indexEntrySize
	if _, err := a.aux.ReadAt(buf, off); err != nil {
		return IndexEntry{}, fmt.Errorf("archive: read index entry %d: %w", block, err)
	}
	return decodeIndexEntry(buf), nil
}

// BinarySearch performs the cyclic binary search described in spec.md 4.6:
// over the cyclic range [current+1+IndexSkip, current), find the greatest block
// whose timestamp <= ts. It returns ok=false if the archive holds no
// written blocks yet (the empty-archive case spec.md 9 leaves undefined;
// this implementation's resolution is to report "index unusable" rather
// than guess an arbitrary index).
func (a *Archive) BinarySearch(ts uint64) (block uint32, ok bool, err error) {
	h := a.Header()
	n := h.MajorBlockCount
	if n == 0 {
		return 0, false, nil
	}
	cur := h.CurrentMajorBlock

	// The usable range excludes current and the IndexSkip blocks after it
	// (still possibly mid-write), cyclically: positions
	// [cur+1+IndexSkip, cur+n) modulo n, oldest to newest.
	lo, hi := 0, int(n)-1-IndexSkip-1
	if hi < lo {
		return 0, false, nil
	}

	at := func(pos int) (uint32, IndexEntry, error) {
		blk := (cur + 1 + IndexSkip + uint32(pos)) % n
		e, err := a.ReadIndexEntry(blk)
		return blk, e, err
	}

	_, first, err := at(lo)
	if err != nil {
		return 0, false, err
	}
	if first.Duration == 0 {
		return 0, false, nil
	}

	best := lo
	for lo <= hi {
		mid := (lo + hi) / 2
		_, e, err := at(mid)
		if err != nil {
			return 0, false, err
		}
		if e.Duration == 0 || e.Timestamp > ts {
			hi = mid - 1
			continue
		}
		best = mid
		lo = mid + 1
	}

	blk, e, err := at(best)
	if err != nil {
		return 0, false, err
	}
	if e.Duration == 0 {
		return cur, false, nil
	}
	return blk, true, nil
}

// TimestampToBlock locates the major block containing ts and the sample
// offset within it. If ts falls beyond the block's end, skipGap controls
// whether the caller should move to the next block (offset 0) or clamp to
// the last sample of this block.
func (a *Archive) TimestampToBlock(ts uint64, skipGap bool) (block uint32, offset uint32, err error) {
	block, ok, err := a.BinarySearch(ts)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("archive: start time too late")
	}
	e, err := a.ReadIndexEntry(block)
	if err != nil {
		return 0, 0, err
	}
	h := a.Header()
	end := e.Timestamp + uint64(e.Duration)
	if ts < end {
		if ts <= e.Timestamp {
			return block, 0, nil
		}
		off := uint64(ts-e.Timestamp) * uint64(h.MajorSampleCount) / uint64(e.Duration)
		return block, uint32(off), nil
	}
	if skipGap {
		next := (block + 1) % h.MajorBlockCount
		return next, 0, nil
	}
	return block, h.MajorSampleCount - 1, nil
}

// GapReport describes a detected discontinuity between two consecutive
// blocks.
type GapReport struct {
	Block        uint32
	ExpectedTS   uint64
	ActualTS     uint64
	ExpectedID0  uint32
	ActualID0    uint32
}

// FindGap walks forward from start for up to k blocks, reporting the first
// pair of consecutive blocks whose progression disagrees with expectation
// by more than MaxDeltaT microseconds or (when checkID0) by anything other
// than exactly MajorSampleCount in id_zero.
func (a *Archive) FindGap(start uint32, k int, checkID0 bool) (GapReport, bool, error) {
	h := a.Header()
	if h.MajorBlockCount == 0 {
		return GapReport{}, false, nil
	}
	prev, err := a.ReadIndexEntry(start)
	if err != nil {
		return GapReport{}, false, err
	}
	for i := 1; i < k; i++ {
		blk := (start + uint32(i)) % h.MajorBlockCount
		cur, err := a.ReadIndexEntry(blk)
		if err != nil {
			return GapReport{}, false, err
		}
		if cur.Duration == 0 {
			break
		}
		expectedTS := prev.Timestamp + uint64(prev.Duration)
		delta := int64(cur.Timestamp) - int64(expectedTS)
		if delta < 0 {
			delta = -delta
		}
		if delta > MaxDeltaT {
			return GapReport{Block: blk, ExpectedTS: expectedTS, ActualTS: cur.Timestamp}, true, nil
		}
		if checkID0 {
			expectedID0 := prev.IDZero + h.MajorSampleCount
			if cur.IDZero != expectedID0 {
				return GapReport{
					Block:       blk,
					ExpectedID0: expectedID0,
					ActualID0:   cur.IDZero,
				}, true, nil
			}
		}
		prev = cur
	}
	return GapReport{}, false, nil
}
