package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dls-controls/fa-archiver/internal/decimate"
	"github.com/dls-controls/fa-archiver/internal/mask"
)

// ErrGapEncountered is returned mid-stream by a strict (non all_data) read
// when FindGap detects a discontinuity between blocks.
var ErrGapEncountered = errors.New("archive: gap encountered in archived data")

// DataClass selects which of the three stored representations a Reader
// streams, per spec.md 4.6.
type DataClass int

const (
	// ClassFA streams full-rate Frame Entries.
	ClassFA DataClass = iota
	// ClassFirstDecimation streams the first-stage Decimated Slots stored
	// alongside the raw data in each major block.
	ClassFirstDecimation
	// ClassDD streams the in-memory double-decimation ring.
	ClassDD
)

// Request parameterizes one streaming read, mirroring spec.md 4.6's S/R
// command fields.
type Request struct {
	Start, End      uint64 // microseconds since epoch; End == 0 means "until now"
	Mask            *mask.Mask
	Class           DataClass
	AllData         bool // the "A" option flag: continue across gaps instead of stopping
	CheckID0        bool // the "G" option flag: also treat an id_zero skip as a gap
	SendSampleCount bool // the "Z" option flag: prefix the stream with a sample count
	SendTimestamp   bool // the "T" option flag
}

// Reader streams archived data out of a for the wire frontend.
type Reader struct {
	a *Archive
}

// NewReader binds a Reader to an open archive.
func NewReader(a *Archive) *Reader { return &Reader{a: a} }

// columns resolves req.Mask down to the archived ids (in ascending id
// order) this Reader has columns for, and their major-block positions.
func (r *Reader) columns(req Request) []int {
	var cols []int
	for _, id := range r.a.ArchivedIDs() {
		if req.Mask == nil || req.Mask.Test(id) {
			idx, ok := r.a.ArchivedIndex(id)
			if ok {
				cols = append(cols, idx)
			}
		}
	}
	return cols
}

// Stream writes the requested data class to w, starting at req.Start and
// continuing until req.End (or the live edge of the archive, if End == 0).
// If SendSampleCount is set, it first writes a little-endian uint32 count
// of the samples that follow: for ClassFA/ClassFirstDecimation this is
// computed by dry-running the same block walk streaming does; for ClassDD
// it is simply the ring's configured length.
func (r *Reader) Stream(w io.Writer, req Request) error {
	if req.SendSampleCount {
		count, err := r.sampleCount(req)
		if err != nil {
			return err
		}
		var cb [4]byte
		binary.LittleEndian.PutUint32(cb[:], count)
		if _, err := w.Write(cb[:]); err != nil {
			return err
		}
	}
	if req.Class == ClassDD {
		return r.streamDD(w, req)
	}
	return r.streamBlocks(w, req)
}

// sampleCount reports how many samples Stream will emit for req, without
// reading any sample data.
func (r *Reader) sampleCount(req Request) (uint32, error) {
	if req.Class == ClassDD {
		if len(r.a.ArchivedIDs()) == 0 {
			return 0, nil
		}
		return r.a.Header().DDTotalCount, nil
	}

	var count uint32
	err := r.walkBlocks(req, func(block uint32, h Header, entry IndexEntry, startOffset uint32) error {
		step := uint32(1)
		if req.Class == ClassFirstDecimation {
			step = h.D1()
			startOffset -= startOffset % step
		}
		for s := startOffset; s < h.MajorSampleCount; s += step {
			ts := entry.Timestamp
			if entry.Duration > 0 {
				ts = entry.Timestamp + uint64(s)*uint64(entry.Duration)/uint64(h.MajorSampleCount)
			}
			if req.End != 0 && ts >= req.End {
				return nil
			}
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrGapEncountered) {
		return 0, err
	}
	return count, nil
}

// walkBlocks walks the major blocks req selects, oldest to newest, calling
// emit once per readable block. It stops (returning nil) at the live edge
// of the archive or req.End, and returns ErrGapEncountered if FindGap
// detects a discontinuity and req.AllData is not set; a gap never retracts
// the emit call already made for the block that precedes it (spec.md's E5
// scenario: "without A reader emits an error mid-stream").
func (r *Reader) walkBlocks(req Request, emit func(block uint32, h Header, entry IndexEntry, startOffset uint32) error) error {
	block, sampleOffset, err := r.a.TimestampToBlock(req.Start, true)
	if err != nil {
		return err
	}

	for {
		h := r.a.Header()
		if blockIsProtected(block, h.CurrentMajorBlock, h.MajorBlockCount) {
			return nil
		}
		entry, err := r.a.ReadIndexEntry(block)
		if err != nil {
			return err
		}
		if entry.Duration == 0 {
			return nil
		}
		if req.End != 0 && entry.Timestamp >= req.End {
			return nil
		}

		if err := emit(block, h, entry, sampleOffset); err != nil {
			return err
		}

		if _, found, err := r.a.FindGap(block, 2, req.CheckID0); err != nil {
			return err
		} else if found && !req.AllData {
			return ErrGapEncountered
		}

		sampleOffset = 0
		block = (block + 1) % h.MajorBlockCount
	}
}

func (r *Reader) streamBlocks(w io.Writer, req Request) error {
	cols := r.columns(req)
	return r.walkBlocks(req, func(block uint32, h Header, entry IndexEntry, startOffset uint32) error {
		return r.streamOneBlock(w, req, block, h, entry, startOffset, cols)
	})
}

// blockIsProtected reports whether block falls within the IndexSkip safety
// band around current (never safe to read: it may be concurrently
// written).
func blockIsProtected(block, current, count uint32) bool {
	if count == 0 {
		return true
	}
	for i := uint32(0); i <= IndexSkip; i++ {
		if block == (current+count-i)%count {
			return true
		}
	}
	return false
}

func (r *Reader) streamOneBlock(w io.Writer, req Request, block uint32, h Header, entry IndexEntry, startOffset uint32, cols []int) error {
	base := r.a.DataOffsetForBlock(block)

	step := uint32(1)
	if req.Class == ClassFirstDecimation {
		step = h.D1()
		startOffset -= startOffset % step
	}

	for s := startOffset; s < h.MajorSampleCount; s += step {
		ts := entry.Timestamp
		if entry.Duration > 0 {
			ts = entry.Timestamp + uint64(s)*uint64(entry.Duration)/uint64(h.MajorSampleCount)
		}
		if req.End != 0 && ts >= req.End {
			return nil
		}
		if req.SendTimestamp {
			var tb [8]byte
			binary.LittleEndian.PutUint64(tb[:], ts)
			if _, err := w.Write(tb[:]); err != nil {
				return err
			}
		}
		for _, col := range cols {
			buf, err := r.readSample(req.Class, base, h, s, col)
			if err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) readSample(class DataClass, blockBase int64, h Header, sampleIdx uint32, col int) ([]byte, error) {
	switch class {
	case ClassFA:
		off := FAEntryOffset(h.MajorSampleCount, h.D1(), sampleIdx, col)
		buf := make([]byte, entrySize)
		if err := r.a.ReadMajorBlockRange(blockBase+int64(off), buf); err != nil {
			return nil, err
		}
		return buf, nil
	case ClassFirstDecimation:
		if sampleIdx%h.D1() != 0 {
			return nil, fmt.Errorf("archive: first-decimation sample offset %d not aligned to D1", sampleIdx)
		}
		slotIdx := sampleIdx / h.D1()
		off := DecimatedSlotOffset(h.MajorSampleCount, h.D1(), slotIdx, col)
		buf := make([]byte, decimatedSlotSize)
		if err := r.a.ReadMajorBlockRange(blockBase+int64(off), buf); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("archive: unsupported data class %d", class)
	}
}

// ServerInfo is the archive summary returned by the S command: the total
// BPM id count N, both decimation factors, and the timestamp range
// currently readable from the index (both zero if nothing has been
// archived yet).
type ServerInfo struct {
	N      int
	D1, D2 uint32
	First  uint64
	Last   uint64
}

// ServerInfo reports r's current geometry and extent.
func (r *Reader) ServerInfo() (ServerInfo, error) {
	h := r.a.Header()
	info := ServerInfo{N: int(h.N), D1: h.D1(), D2: h.D2()}
	if h.MajorBlockCount == 0 {
		return info, nil
	}

	oldest, ok, err := r.a.BinarySearch(0)
	if err != nil {
		return ServerInfo{}, err
	}
	if !ok {
		return info, nil
	}
	first, err := r.a.ReadIndexEntry(oldest)
	if err != nil {
		return ServerInfo{}, err
	}
	info.First = first.Timestamp

	latest := (h.CurrentMajorBlock + h.MajorBlockCount*4 - IndexSkip - 1) % h.MajorBlockCount
	last, err := r.a.ReadIndexEntry(latest)
	if err != nil {
		return ServerInfo{}, err
	}
	if last.Duration > 0 {
		info.Last = last.Timestamp + uint64(last.Duration)
	}
	return info, nil
}

// streamDD streams a consistent snapshot of the in-memory double
// decimation ring, taken under the transform lock per spec.md 4.6, oldest
// slot first.
func (r *Reader) streamDD(w io.Writer, req Request) error {
	cols := r.columns(req)
	ids := len(r.a.ArchivedIDs())
	if ids == 0 {
		return nil
	}
	var err error
	r.a.WithLock(func(h *Header, ddRing []decimate.Slot, ddOffset uint32) {
		n := len(ddRing) / ids
		for i := 0; i < n; i++ {
			idx := (int(ddOffset) + i) % n
			for _, col := range cols {
				buf := make([]byte, decimatedSlotSize)
				encodeSlot(ddRing[idx*ids+col], buf)
				if _, werr := w.Write(buf); werr != nil {
					err = werr
					return
				}
			}
		}
	})
	return err
}
