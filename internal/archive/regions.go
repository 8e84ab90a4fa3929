package archive

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dls-controls/fa-archiver/internal/decimate"
)

// indexRegionSize returns the byte size of the whole data index region.
func (a *Archive) indexRegionSize() int64 {
	return int64(a.header.MajorBlockCount) * indexEntrySize
}

// ddRegionOffset is the absolute file offset of the DD ring mirror region.
func (a *Archive) ddRegionOffset() int64 {
	return a.indexRegionOffset() + a.indexRegionSize()
}

func (a *Archive) ddRegionSize() int64 {
	return int64(len(a.ddRing)) * decimatedSlotSize
}

func (a *Archive) loadDDRing() error {
	if len(a.ddRing) == 0 {
		return nil
	}
	buf := make([]byte, a.ddRegionSize())
	_, err := a.aux.ReadAt(buf, a.ddRegionOffset())
	if err != nil {
		return fmt.Errorf("archive: read DD ring region: %w", err)
	}
	for i := range a.ddRing {
		off := i * decimatedSlotSize
		a.ddRing[i] = decodeSlot(buf[off:])
	}
	return nil
}

// FlushDDRing mirrors the in-memory DD ring to its on-disk region. The
// disk writer calls this alongside header flushes; it is not itself
// latency sensitive since the DD ring is only ever read back on restart.
func (a *Archive) FlushDDRing() error {
	a.mu.Lock()
	buf := make([]byte, a.ddRegionSize())
	for i, slot := range a.ddRing {
		encodeSlot(slot, buf[i*decimatedSlotSize:])
	}
	a.mu.Unlock()
	_, err := a.aux.WriteAt(buf, a.ddRegionOffset())
	if err != nil {
		return fmt.Errorf("archive: write DD ring region: %w", err)
	}
	return nil
}

// flushHeader copies the in-memory header into the mmap'd header page
// under an fcntl F_WRLCK over the header's byte range, then msyncs it.
// Per spec.md 4.5, flushes happen at most once per wall-clock second
// unless force is set (a new archive segment starting, or shutdown).
func (a *Archive) flushHeader(force bool) error {
	a.mu.Lock()
	due := force || time.Since(a.lastFlush) >= time.Second
	if !due {
		a.mu.Unlock()
		return nil
	}
	buf := a.header.Encode()
	a.lastFlush = time.Now()
	a.mu.Unlock()

	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  0,
		Len:    HeaderSize,
	}
	if err := unix.FcntlFlock(a.aux.Fd(), unix.F_SETLKW, &lock); err != nil {
		return fmt.Errorf("archive: lock header: %w", err)
	}
	copy(a.headerMap, buf)
	unlock := lock
	unlock.Type = unix.F_UNLCK
	defer unix.FcntlFlock(a.aux.Fd(), unix.F_SETLK, &unlock)

	if err := unix.Msync(a.headerMap, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("archive: msync header: %w", err)
	}
	return nil
}

// FlushHeader is the exported, force-eager variant used by the disk writer
// when a new archive segment starts.
func (a *Archive) FlushHeader(force bool) error { return a.flushHeader(force) }

func encodeSlot(s decimate.Slot, buf []byte) {
	putI32 := func(off int, v int32) { putInt32(buf[off:], v) }
	putI32(0, s.MinX)
	putI32(4, s.MaxX)
	putI32(8, s.MeanX)
	putI32(12, s.StdX)
	putI32(16, s.MinY)
	putI32(20, s.MaxY)
	putI32(24, s.MeanY)
	putI32(28, s.StdY)
}

func decodeSlot(buf []byte) decimate.Slot {
	return decimate.Slot{
		MinX: getInt32(buf[0:]), MaxX: getInt32(buf[4:]), MeanX: getInt32(buf[8:]), StdX: getInt32(buf[12:]),
		MinY: getInt32(buf[16:]), MaxY: getInt32(buf[20:]), MeanY: getInt32(buf[24:]), StdY: getInt32(buf[28:]),
	}
}
