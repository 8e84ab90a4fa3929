// Package archive implements the on-disk archive format: the fixed
// header and block directory, the per-major-block timestamp index, the
// circular data region, and the in-memory double-decimation ring that
// mirrors into the header area.
//
// The header's mmap+copy+msync idiom is generalized from
// pault.ag/go/go-diskring's Ring, which mmaps a small reserved header page
// to persist a read/write cursor across process restarts; here the
// persisted state is richer (geometry, block directory, status) so it is
// marshalled explicitly with encoding/binary rather than cast directly
// over the mmap, but the mmap-a-page-and-msync-it discipline is the same.
package archive

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the header region at offset 0.
	HeaderSize = 64 * 1024

	// Magic identifies a valid fa-archiver disk.
	Magic = "FAARCH01"

	// FormatVersion is bumped whenever the on-disk layout changes
	// incompatibly.
	FormatVersion = 1

	// MaxHeaderBlocks bounds the block directory: the archive never
	// tracks more than this many contiguous written segments at once.
	MaxHeaderBlocks = 16

	// MaxArchiveWords sizes the archive mask storage in the header,
	// supporting up to 512 BPM ids (the largest N spec.md calls out).
	MaxArchiveWords = 8

	// IndexSkip is the safety band around current_major_block that
	// binary search and streaming reads must never touch, because it may
	// be concurrently written.
	IndexSkip = 2

	// MaxDeltaT is the maximum tolerated timestamp discontinuity (in
	// microseconds) between consecutive major blocks before it is
	// considered a gap.
	MaxDeltaT = 1000

	// entrySize is the byte size of one (x, y) Frame Entry.
	entrySize = 8
	// decimatedSlotSize is the byte size of one Decimated Slot.
	decimatedSlotSize = 32
	// indexEntrySize is the packed byte size of one Data Index Entry.
	indexEntrySize = 16
	// blockSegmentSize is the packed byte size of one directory segment.
	blockSegmentSize = 32

	// diskStatusClean and diskStatusWriting are the two disk_status
	// values of the state machine in spec.md 4.7.
	diskStatusClean   = 0
	diskStatusWriting = 1

	// directIOAlign is the byte alignment O_DIRECT requires of file
	// offsets and transfer lengths (spec.md 9's double-buffering note).
	// Major blocks and the start of the data region are both rounded up
	// to this, so every major block write lands on an aligned offset of
	// an aligned length without needing the per-id layout itself to be
	// alignment-aware.
	directIOAlign = 4096
)

// alignUp rounds v up to the next multiple of align (a power of two).
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// BlockSegment is one contiguous archived byte range in the circular data
// region, most-recent-first in Header.Blocks.
type BlockSegment struct {
	StartSec    uint64
	StopSec     uint64
	StartOffset int64
	StopOffset  int64
}

func (b BlockSegment) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], b.StartSec)
	binary.LittleEndian.PutUint64(buf[8:], b.StopSec)
	binary.LittleEndian.PutUint64(buf[16:], uint64(b.StartOffset))
	binary.LittleEndian.PutUint64(buf[24:], uint64(b.StopOffset))
}

func decodeBlockSegment(buf []byte) BlockSegment {
	return BlockSegment{
		StartSec:    binary.LittleEndian.Uint64(buf[0:]),
		StopSec:     binary.LittleEndian.Uint64(buf[8:]),
		StartOffset: int64(binary.LittleEndian.Uint64(buf[16:])),
		StopOffset:  int64(binary.LittleEndian.Uint64(buf[24:])),
	}
}

// Header is the in-memory mirror of the fixed 64 KiB on-disk header.
type Header struct {
	N                 uint32
	D1Log2            uint32
	D2Log2            uint32
	InputBlockSize    uint32
	MajorBlockSize    uint64
	MajorSampleCount  uint32
	MajorBlockCount   uint32
	MajorDataStart    uint64
	DDTotalCount      uint32
	DDSampleCount     uint32
	ArchiveMaskWords  [MaxArchiveWords]uint64
	LastDuration      uint32
	DiskStatus        uint32
	WriteBacklog      uint32
	WriteBuffer       uint32
	CurrentMajorBlock uint32
	DataStart         uint64
	DataSize          uint64
	BlockCount        uint32
	Blocks            [MaxHeaderBlocks]BlockSegment
}

// D1 returns the first decimation factor.
func (h *Header) D1() uint32 { return 1 << h.D1Log2 }

// D2 returns the second decimation factor.
func (h *Header) D2() uint32 { return 1 << h.D2Log2 }

// Encode marshals the header into a HeaderSize-byte little-endian buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:], FormatVersion)
	binary.LittleEndian.PutUint32(buf[12:], h.N)
	binary.LittleEndian.PutUint32(buf[16:], h.D1Log2)
	binary.LittleEndian.PutUint32(buf[20:], h.D2Log2)
	binary.LittleEndian.PutUint32(buf[24:], h.InputBlockSize)
	binary.LittleEndian.PutUint64(buf[28:], h.MajorBlockSize)
	binary.LittleEndian.PutUint32(buf[36:], h.MajorSampleCount)
	binary.LittleEndian.PutUint32(buf[40:], h.MajorBlockCount)
	binary.LittleEndian.PutUint64(buf[44:], h.MajorDataStart)
	binary.LittleEndian.PutUint32(buf[52:], h.DDTotalCount)
	binary.LittleEndian.PutUint32(buf[56:], h.DDSampleCount)
	off := 60
	for _, w := range h.ArchiveMaskWords {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], h.LastDuration)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.DiskStatus)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.WriteBacklog)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.WriteBuffer)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.CurrentMajorBlock)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.DataStart)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.DataSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.BlockCount)
	off += 4
	off += 4 // padding to align the block directory on an 8-byte boundary
	for i := range h.Blocks {
		h.Blocks[i].encode(buf[off:])
		off += blockSegmentSize
	}
	return buf
}

// DecodeHeader unmarshals a HeaderSize-byte buffer previously produced by
// Encode, validating the magic and version.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("archive: header buffer too small: %d bytes", len(buf))
	}
	if string(buf[0:8]) != Magic {
		return nil, fmt.Errorf("archive: bad magic %q", buf[0:8])
	}
	version := binary.LittleEndian.Uint32(buf[8:])
	if version != FormatVersion {
		return nil, fmt.Errorf("archive: unsupported format version %d", version)
	}
	h := &Header{}
	h.N = binary.LittleEndian.Uint32(buf[12:])
	h.D1Log2 = binary.LittleEndian.Uint32(buf[16:])
	h.D2Log2 = binary.LittleEndian.Uint32(buf[20:])
	h.InputBlockSize = binary.LittleEndian.Uint32(buf[24:])
	h.MajorBlockSize = binary.LittleEndian.Uint64(buf[28:])
	h.MajorSampleCount = binary.LittleEndian.Uint32(buf[36:])
	h.MajorBlockCount = binary.LittleEndian.Uint32(buf[40:])
	h.MajorDataStart = binary.LittleEndian.Uint64(buf[44:])
	h.DDTotalCount = binary.LittleEndian.Uint32(buf[52:])
	h.DDSampleCount = binary.LittleEndian.Uint32(buf[56:])
	off := 60
	for i := range h.ArchiveMaskWords {
		h.ArchiveMaskWords[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	h.LastDuration = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.DiskStatus = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.WriteBacklog = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.WriteBuffer = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.CurrentMajorBlock = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.DataStart = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.DataSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.BlockCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	off += 4
	for i := range h.Blocks {
		h.Blocks[i] = decodeBlockSegment(buf[off:])
		off += blockSegmentSize
	}
	return h, nil
}

// perIDBlockSize is the byte span one archived id occupies within a major
// block: its raw samples followed immediately by its first-stage
// decimated slots.
func perIDBlockSize(majorSampleCount uint32, d1 uint32) uint64 {
	raw := uint64(majorSampleCount) * entrySize
	decimated := uint64(majorSampleCount/d1) * decimatedSlotSize
	return raw + decimated
}

// MajorBlockSize computes the total byte size of one major block for
// archivedCount archived ids, rounded up to directIOAlign so every major
// block's on-disk offset and length are valid for an O_DIRECT transfer.
func MajorBlockSize(majorSampleCount uint32, d1 uint32, archivedCount int) uint64 {
	raw := perIDBlockSize(majorSampleCount, d1) * uint64(archivedCount)
	return alignUp(raw, directIOAlign)
}

// faDataOffset returns the byte offset within a major block buffer of raw
// sample faOffset for the archivedIndex-th archived id.
func faDataOffset(majorSampleCount uint32, d1 uint32, faOffset uint32, archivedIndex int) uint64 {
	return uint64(archivedIndex)*perIDBlockSize(majorSampleCount, d1) + uint64(faOffset)*entrySize
}

// decimatedDataOffset returns the byte offset within a major block buffer
// of the slotIndex-th first-stage decimated slot for the archivedIndex-th
// archived id.
func decimatedDataOffset(majorSampleCount uint32, d1 uint32, slotIndex uint32, archivedIndex int) uint64 {
	base := uint64(archivedIndex)*perIDBlockSize(majorSampleCount, d1) + uint64(majorSampleCount)*entrySize
	return base + uint64(slotIndex)*decimatedSlotSize
}

// PerIDBlockSize exports perIDBlockSize for the transform stage, which
// lays out the major block buffer it hands to the disk writer.
func PerIDBlockSize(majorSampleCount uint32, d1 uint32) uint64 {
	return perIDBlockSize(majorSampleCount, d1)
}

// FAEntryOffset exports faDataOffset for the transform stage.
func FAEntryOffset(majorSampleCount uint32, d1 uint32, faOffset uint32, archivedIndex int) uint64 {
	return faDataOffset(majorSampleCount, d1, faOffset, archivedIndex)
}

// DecimatedSlotOffset exports decimatedDataOffset for the transform stage.
func DecimatedSlotOffset(majorSampleCount uint32, d1 uint32, slotIndex uint32, archivedIndex int) uint64 {
	return decimatedDataOffset(majorSampleCount, d1, slotIndex, archivedIndex)
}

// EntrySize is the exported byte size of one raw (x, y) Frame Entry.
const EntrySize = entrySize

// DecimatedSlotSize is the exported byte size of one Decimated Slot.
const DecimatedSlotSize = decimatedSlotSize
