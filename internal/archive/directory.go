package archive

// Directory manages the on-disk block directory: a small stack (most
// recent first) of contiguous archived byte ranges in the circular data
// region, as described in spec.md 4.5 and 4.7.
type Directory struct {
	segments []BlockSegment // segments[0] is the current, still-open segment
	size     int64          // data region size, for modulo arithmetic
}

// NewDirectory wraps an existing (possibly empty) segment stack.
func NewDirectory(segments []BlockSegment, size int64) *Directory {
	d := &Directory{size: size}
	d.segments = append(d.segments, segments...)
	return d
}

// Segments returns the current directory stack, most recent first.
func (d *Directory) Segments() []BlockSegment { return d.segments }

// StartSegment pushes a new current segment starting at offset, shifting
// older segments down and dropping the oldest if the stack is already at
// MaxHeaderBlocks. Called when the disk writer resumes after a gap.
func (d *Directory) StartSegment(offset int64, sec uint64) {
	seg := BlockSegment{StartSec: sec, StopSec: sec, StartOffset: offset, StopOffset: offset}
	d.segments = append([]BlockSegment{seg}, d.segments...)
	if len(d.segments) > MaxHeaderBlocks {
		d.segments = d.segments[:MaxHeaderBlocks]
	}
}

// Advance extends the current (index 0) segment to offset/sec, and
// reclaims whatever the new write has wrapped around into overwriting:
// overwritten segment starts move forward to newOffset, and older segments
// overwritten entirely are dropped.
func (d *Directory) Advance(oldOffset, newOffset int64, sec uint64) {
	if len(d.segments) == 0 {
		d.StartSegment(newOffset, sec)
		return
	}
	d.segments[0].StopOffset = newOffset
	d.segments[0].StopSec = sec
	d.reclaim(oldOffset, newOffset)
}

// expired reports whether offset lies in the half-open interval
// (oldOffset, newOffset] modulo the data region size, i.e. whether a byte
// at offset was (re)written by advancing the cursor from oldOffset to
// newOffset.
func expired(offset, oldOffset, newOffset, size int64) bool {
	if size <= 0 {
		return false
	}
	rel := func(x int64) int64 {
		v := (x - oldOffset) % size
		if v < 0 {
			v += size
		}
		return v
	}
	return rel(offset) > 0 && rel(offset) <= rel(newOffset)
}

// Expired reports whether offset was overwritten by the most recent
// advance from oldOffset to newOffset.
func (d *Directory) Expired(offset, oldOffset, newOffset int64) bool {
	return expired(offset, oldOffset, newOffset, d.size)
}

// reclaim handles the write span (oldOffset, newOffset]: any segment whose
// start it passed over has its start advanced to newOffset, and any older
// segment it overwrote entirely is dropped.
func (d *Directory) reclaim(oldOffset, newOffset int64) {
	if expired(d.segments[0].StartOffset, oldOffset, newOffset, d.size) {
		// The current segment has wrapped onto its own oldest data.
		d.segments[0].StartOffset = newOffset
	}
	kept := d.segments[:1]
	for _, seg := range d.segments[1:] {
		if expired(seg.StopOffset, oldOffset, newOffset, d.size) {
			// Entirely overwritten: drop it.
			continue
		}
		if expired(seg.StartOffset, oldOffset, newOffset, d.size) {
			// Oldest part overwritten: advance its start to the new
			// write cursor.
			seg.StartOffset = newOffset
		}
		kept = append(kept, seg)
	}
	d.segments = kept
}
