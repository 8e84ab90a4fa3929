package archive

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dls-controls/fa-archiver/internal/decimate"
	"github.com/dls-controls/fa-archiver/internal/mask"
)

// Archive owns the open disk file, the mmap'd header page, the in-memory
// double-decimation ring, and the "transform_lock" mutex spec.md 4.4/4.6
// describe: the single mutex protecting current_major_block, the DD ring
// cursor, and any snapshot of the index array. It is held for O(1) work
// only and never across I/O, per spec.md 5.
type Archive struct {
	path string

	dataFD int      // O_DIRECT|O_LARGEFILE fd used only for data-region writes
	aux    *os.File // buffered fd used for header/index/DD region I/O

	headerMap []byte // mmap'd HeaderSize bytes at offset 0, msync'd on flush

	mu       sync.Mutex // transform_lock
	header   Header
	ddRing   []decimate.Slot
	ddOffset uint32

	archivedIDs []int
	archivedIdx map[int]int
	lastFlush   time.Time
	writeOffset int64 // disk writer's cursor into the data region
}

// Open opens an existing, already-prepared archive file at path,
// validating and loading its header.
func Open(path string) (*Archive, error) {
	aux, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}

	headerMap, err := unix.Mmap(int(aux.Fd()), 0, HeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		aux.Close()
		return nil, fmt.Errorf("archive: mmap header: %w", err)
	}

	header, err := DecodeHeader(headerMap)
	if err != nil {
		unix.Munmap(headerMap)
		aux.Close()
		return nil, fmt.Errorf("archive: invalid header: %w", err)
	}

	dataFD, err := unix.Open(path, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		unix.Munmap(headerMap)
		aux.Close()
		return nil, fmt.Errorf("archive: open data path O_DIRECT: %w", err)
	}

	a := &Archive{
		path:      path,
		dataFD:    dataFD,
		aux:       aux,
		headerMap: headerMap,
		header:    *header,
	}
	a.rebuildArchivedIDs()

	ddLen := int(header.DDTotalCount) * len(a.archivedIDs)
	a.ddRing = make([]decimate.Slot, ddLen)
	if err := a.loadDDRing(); err != nil {
		a.Close()
		return nil, err
	}

	a.header.DiskStatus = diskStatusWriting
	if err := a.flushHeader(true); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close flushes a clean shutdown marker and releases all resources.
func (a *Archive) Close() error {
	a.mu.Lock()
	a.header.DiskStatus = diskStatusClean
	a.mu.Unlock()
	_ = a.flushHeader(true)

	var firstErr error
	if a.dataFD != 0 {
		if err := unix.Close(a.dataFD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.headerMap != nil {
		if err := unix.Munmap(a.headerMap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.aux != nil {
		if err := a.aux.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Archive) rebuildArchivedIDs() {
	m := mask.New(int(a.header.N))
	for id := 0; id < int(a.header.N); id++ {
		w, b := id/64, uint(id%64)
		if w < len(a.header.ArchiveMaskWords) && a.header.ArchiveMaskWords[w]&(1<<b) != 0 {
			_ = m.Set(id, true)
		}
	}
	a.archivedIDs = m.Ids()
	a.archivedIdx = make(map[int]int, len(a.archivedIDs))
	for i, id := range a.archivedIDs {
		a.archivedIdx[id] = i
	}
}

// ArchivedIDs returns the archived BPM ids in ascending order.
func (a *Archive) ArchivedIDs() []int { return a.archivedIDs }

// ArchivedIndex returns the column index of id within a major block, if
// id is archived.
func (a *Archive) ArchivedIndex(id int) (int, bool) {
	idx, ok := a.archivedIdx[id]
	return idx, ok
}

// Header returns a copy of the current header. Callers that need a
// consistent snapshot of CurrentMajorBlock together with the DD ring must
// use WithLock instead.
func (a *Archive) Header() Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.header
}

// WithLock runs fn while holding the transform_lock, for callers that need
// a stable joint view of CurrentMajorBlock and the DD ring (spec.md 4.6:
// "a stable snapshot is taken under the transform lock before streaming").
func (a *Archive) WithLock(fn func(h *Header, ddRing []decimate.Slot, ddOffset uint32)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.header, a.ddRing, a.ddOffset)
}

// AdvanceMajorBlock publishes the next current_major_block under the
// transform lock, then writes the index entry for the block just completed
// after releasing it, since that write is file I/O.
func (a *Archive) AdvanceMajorBlock(entry IndexEntry) error {
	a.mu.Lock()
	cur := a.header.CurrentMajorBlock
	a.header.CurrentMajorBlock = (cur + 1) % a.header.MajorBlockCount
	a.mu.Unlock()
	return a.writeIndexEntry(cur, entry)
}

// PutDDSlot writes one double-decimated slot for archivedIndex into the DD
// ring at the current cursor; it does not move the cursor (see
// AdvanceDDOffset). Must be called under the transform lock by the
// Transform stage.
func (a *Archive) PutDDSlot(archivedIndex int, slot decimate.Slot) {
	idx := int(a.ddOffset)*len(a.archivedIDs) + archivedIndex
	a.ddRing[idx] = slot
}

// AdvanceDDOffset moves the DD ring cursor forward by one sample slot,
// modulo DDTotalCount. Must be called under the transform lock.
func (a *Archive) AdvanceDDOffset() {
	a.ddOffset = (a.ddOffset + 1) % a.header.DDTotalCount
}

// Lock/Unlock expose the transform_lock directly for call sites (the
// Transform stage) that need to hold it across several of the accessors
// above without re-locking each time.
func (a *Archive) Lock()   { a.mu.Lock() }
func (a *Archive) Unlock() { a.mu.Unlock() }
