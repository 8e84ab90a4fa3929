package archive

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DataOffsetForBlock returns the absolute file offset of major block
// blockIndex within the circular data region.
func (a *Archive) DataOffsetForBlock(blockIndex uint32) int64 {
	return int64(a.header.MajorDataStart) + int64(blockIndex)*int64(a.header.MajorBlockSize)
}

// WriteMajorBlock writes a complete, page-aligned major block buffer to
// its slot in the circular data region via the O_DIRECT file descriptor.
func (a *Archive) WriteMajorBlock(blockIndex uint32, data []byte) error {
	offset := a.DataOffsetForBlock(blockIndex)
	n, err := unix.Pwrite(a.dataFD, data, offset)
	if err != nil {
		return fmt.Errorf("archive: write major block %d: %w", blockIndex, err)
	}
	if n != len(data) {
		return fmt.Errorf("archive: short write for major block %d: wrote %d of %d bytes", blockIndex, n, len(data))
	}
	return nil
}

// ReadMajorBlockRange reads len(buf) bytes at absolute file offset offset
// (not necessarily block-aligned), through the
// buffered (non-O_DIRECT) descriptor so callers don't need aligned
// buffers.
func (a *Archive) ReadMajorBlockRange(offset int64, buf []byte) error {
	_, err := a.aux.ReadAt(buf, offset)
	if err != nil {
		return fmt.Errorf("archive: read data region at %d: %w", offset, err)
	}
	return nil
}

func (a *Archive) loadDirectory() *Directory {
	segs := make([]BlockSegment, a.header.BlockCount)
	copy(segs, a.header.Blocks[:a.header.BlockCount])
	return NewDirectory(segs, int64(a.header.DataSize))
}

func (a *Archive) storeDirectory(d *Directory) {
	segs := d.Segments()
	a.header.BlockCount = uint32(len(segs))
	for i := range a.header.Blocks {
		if i < len(segs) {
			a.header.Blocks[i] = segs[i]
		} else {
			a.header.Blocks[i] = BlockSegment{}
		}
	}
}

// StartSegment pushes a new archive segment starting at offset and moves
// the write cursor there; called by the disk writer when it resumes after
// a gap.
func (a *Archive) StartSegment(offset int64, sec uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.loadDirectory()
	d.StartSegment(offset, sec)
	a.storeDirectory(d)
	a.writeOffset = offset
}

// AdvanceSegment extends the current segment to newOffset and reclaims any
// older segments the write wrapped over, per spec.md 4.5.
func (a *Archive) AdvanceSegment(newOffset int64, sec uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.loadDirectory()
	d.Advance(a.writeOffset, newOffset, sec)
	a.storeDirectory(d)
	a.writeOffset = newOffset
}

// WriteOffset returns the disk writer's current linear cursor into the
// data region.
func (a *Archive) WriteOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeOffset
}

// RecordBacklog folds a newly observed ring-buffer backlog sample into the
// header's write_backlog peak-since-last-flush counter.
func (a *Archive) RecordBacklog(backlog int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(backlog) > a.header.WriteBacklog {
		a.header.WriteBacklog = uint32(backlog)
	}
}

// ResetBacklogPeak clears the peak-since-last-flush counter; called right
// after a header flush.
func (a *Archive) ResetBacklogPeak() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.header.WriteBacklog = 0
}
