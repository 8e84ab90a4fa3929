package archive

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dls-controls/fa-archiver/internal/mask"
)

// PrepareConfig describes the geometry fa-prepare writes into a freshly
// created archive file, per spec.md 4.2/4.7.
type PrepareConfig struct {
	N                int
	D1Log2, D2Log2   uint32
	InputBlockSize   uint32
	MajorSampleCount uint32
	MajorBlockCount  uint32
	DDSampleCount    uint32
	ArchiveMask      *mask.Mask
}

// Prepare creates (or truncates and re-initialises) a sparse archive file
// at path with the geometry in cfg. It is the one place besides the
// running daemon that takes the header's fcntl lock, so its header write
// never overlaps a daemon header flush. The daemon holds that lock only
// while flushing, so a file the daemon has open is not otherwise detected.
func Prepare(path string, cfg PrepareConfig) error {
	archivedCount := cfg.ArchiveMask.Popcount()
	if archivedCount == 0 {
		return fmt.Errorf("archive: prepare: archive mask selects no ids")
	}

	d1 := uint32(1) << cfg.D1Log2
	majorBlockSize := MajorBlockSize(cfg.MajorSampleCount, d1, archivedCount)

	h := &Header{
		N:                uint32(cfg.N),
		D1Log2:           cfg.D1Log2,
		D2Log2:           cfg.D2Log2,
		InputBlockSize:   cfg.InputBlockSize,
		MajorBlockSize:   majorBlockSize,
		MajorSampleCount: cfg.MajorSampleCount,
		MajorBlockCount:  cfg.MajorBlockCount,
		DDSampleCount:    cfg.DDSampleCount,
		DDTotalCount:     cfg.MajorBlockCount * cfg.MajorSampleCount / cfg.DDSampleCount,
		DiskStatus:       diskStatusClean,
	}
	for id := 0; id < cfg.N; id++ {
		if cfg.ArchiveMask.Test(id) {
			w, b := id/64, uint(id%64)
			if w < len(h.ArchiveMaskWords) {
				h.ArchiveMaskWords[w] |= 1 << b
			}
		}
	}

	indexSize := int64(h.MajorBlockCount) * indexEntrySize
	ddRegionSize := int64(h.DDTotalCount) * int64(archivedCount) * decimatedSlotSize
	h.MajorDataStart = alignUp(uint64(HeaderSize)+uint64(indexSize)+uint64(ddRegionSize), directIOAlign)
	h.DataStart = h.MajorDataStart
	h.DataSize = uint64(h.MajorBlockCount) * h.MajorBlockSize

	totalSize := int64(h.MajorDataStart) + int64(h.DataSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("archive: prepare: create %s: %w", path, err)
	}
	defer f.Close()

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: HeaderSize}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		return fmt.Errorf("archive: prepare: %s is in use by a running archiver: %w", path, err)
	}
	defer func() {
		unlock := lock
		unlock.Type = unix.F_UNLCK
		unix.FcntlFlock(f.Fd(), unix.F_SETLK, &unlock)
	}()

	if err := f.Truncate(totalSize); err != nil {
		return fmt.Errorf("archive: prepare: truncate to %d: %w", totalSize, err)
	}

	if _, err := f.WriteAt(h.Encode(), 0); err != nil {
		return fmt.Errorf("archive: prepare: write header: %w", err)
	}

	emptyEntry := make([]byte, indexEntrySize)
	for i := uint32(0); i < h.MajorBlockCount; i++ {
		off := int64(HeaderSize) + int64(i)*indexEntrySize
		if _, err := f.WriteAt(emptyEntry, off); err != nil {
			return fmt.Errorf("archive: prepare: write index entry %d: %w", i, err)
		}
	}

	return f.Sync()
}
