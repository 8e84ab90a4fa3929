// Package ringbuf implements the archiver's single-producer,
// multi-consumer bounded ring of fixed-size raw blocks.
//
// One producer (the sniffer thread) reserves a slot, fills it outside the
// lock, and commits it with a timestamp and gap flag. Any number of
// readers consume independently at their own pace: a "strict" reader (the
// disk writer) must never miss a block, so it gates the producer and
// causes back-pressure on overflow; "non-strict" readers (live
// subscribers) are skipped over when they fall behind, and the skipped
// count is reported back to them as backlog.
//
// The producer must never wait on a non-strict consumer in steady state.
// The one case it blocks with no reader at all registered is to avoid
// silently discarding the very first lap of data before anything is
// listening.
package ringbuf

import (
	"errors"
	"sync"
)

// ErrClosed is returned by ReserveWrite after Close; readers see
// StatusShutdown instead.
var ErrClosed = errors.New("ringbuf: closed")

// Status describes the outcome of a read attempt.
type Status int

const (
	// StatusOK indicates a normal data block was returned.
	StatusOK Status = iota
	// StatusGap indicates a gap sentinel (no data) was returned.
	StatusGap
	// StatusShutdown indicates the buffer is closed and drained.
	StatusShutdown
)

type slot struct {
	seq       uint64 // sequence number of the data committed here, or 0 before first write
	valid     bool   // true once at least one commit has landed in this slot
	gap       bool
	timestamp uint64
	data      []byte
}

type readerState struct {
	id      int
	strict  bool
	readSeq uint64
	backlog int
	closed  bool
}

// RingBuffer is a bounded ring of equally-sized byte blocks.
type RingBuffer struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	slots     []slot
	blockSize int
	writeSeq  uint64
	readers   map[int]*readerState
	nextID    int
	closed    bool
	wrapped   bool
}

// New creates a ring of blockCount slots, each blockSize bytes.
func New(blockSize, blockCount int) *RingBuffer {
	if blockCount <= 0 {
		panic("ringbuf: blockCount must be positive")
	}
	r := &RingBuffer{
		slots:     make([]slot, blockCount),
		blockSize: blockSize,
		readers:   make(map[int]*readerState),
	}
	for i := range r.slots {
		r.slots[i].data = make([]byte, blockSize)
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// BlockSize returns the configured per-slot size.
func (r *RingBuffer) BlockSize() int { return r.blockSize }

// Len returns the configured slot count.
func (r *RingBuffer) Len() int { return len(r.slots) }

func (r *RingBuffer) strictFloor() (uint64, bool) {
	have := false
	var floor uint64
	for _, rs := range r.readers {
		if !rs.strict || rs.closed {
			continue
		}
		if !have || rs.readSeq < floor {
			floor = rs.readSeq
			have = true
		}
	}
	return floor, have
}

// ReserveWrite returns the index and backing buffer for the next slot to be
// filled by the producer. The caller fills buf outside of any lock, then
// calls CommitWrite with the same index.
func (r *RingBuffer) ReserveWrite() (int, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return 0, nil, ErrClosed
		}
		blocked := false
		if floor, ok := r.strictFloor(); ok {
			if r.writeSeq-floor >= uint64(len(r.slots)) {
				blocked = true
			}
		} else if len(r.readers) == 0 && r.wrapped {
			blocked = true
		}
		if !blocked {
			break
		}
		r.notFull.Wait()
	}

	idx := int(r.writeSeq % uint64(len(r.slots)))
	return idx, r.slots[idx].data, nil
}

// CommitWrite publishes the slot reserved at idx. gap marks the slot as a
// gap sentinel (no sample data). It reports overflow if committing this
// slot discarded data a reader had not yet consumed.
func (r *RingBuffer) CommitWrite(idx int, gap bool, timestamp uint64) (overflow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.writeSeq
	r.slots[idx].seq = seq
	r.slots[idx].valid = true
	r.slots[idx].gap = gap
	r.slots[idx].timestamp = timestamp

	floor := seq + 1 - uint64(len(r.slots))
	for _, rs := range r.readers {
		if rs.closed {
			continue
		}
		if seq >= uint64(len(r.slots)) && rs.readSeq < floor {
			overflow = true
			rs.backlog += int(floor - rs.readSeq)
			rs.readSeq = floor
		}
	}

	r.writeSeq++
	if r.writeSeq >= uint64(len(r.slots)) {
		r.wrapped = true
	}
	r.notEmpty.Broadcast()
	return overflow
}

// OpenReader registers a new reader. Strict readers gate the producer and
// must never be lapped; non-strict readers are skipped over with backlog
// reported instead.
func (r *RingBuffer) OpenReader(strict bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.readers[id] = &readerState{id: id, strict: strict, readSeq: r.writeSeq}
	return id
}

// Read is the outcome of GetRead: the data slice is only valid until the
// matching ReleaseRead call.
type Read struct {
	Status    Status
	Data      []byte
	Timestamp uint64
	Backlog   int
}

// GetRead blocks until a block is available for reader id, the buffer is
// closed, or the reader is stopped.
func (r *RingBuffer) GetRead(id int) Read {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := r.readers[id]
	if rs == nil {
		return Read{Status: StatusShutdown}
	}
	for {
		if rs.closed {
			return Read{Status: StatusShutdown}
		}
		if rs.readSeq < r.writeSeq {
			break
		}
		if r.closed {
			return Read{Status: StatusShutdown}
		}
		r.notEmpty.Wait()
	}

	idx := int(rs.readSeq % uint64(len(r.slots)))
	s := &r.slots[idx]
	if !s.valid || s.seq != rs.readSeq {
		// Slot was overwritten before this (non-strict) reader reached it.
		backlog := rs.backlog
		rs.backlog = 0
		return Read{Status: StatusGap, Backlog: backlog}
	}
	if s.gap {
		backlog := rs.backlog
		rs.backlog = 0
		return Read{Status: StatusGap, Backlog: backlog}
	}
	backlog := rs.backlog
	rs.backlog = 0
	return Read{Status: StatusOK, Data: s.data, Timestamp: s.timestamp, Backlog: backlog}
}

// ReleaseRead advances the reader past the block last returned by GetRead.
func (r *RingBuffer) ReleaseRead(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.readers[id]
	if rs == nil || rs.closed {
		return
	}
	rs.readSeq++
	r.notFull.Broadcast()
}

// StopReader wakes a reader blocked in GetRead so it can observe shutdown.
func (r *RingBuffer) StopReader(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs := r.readers[id]; rs != nil {
		rs.closed = true
	}
	r.notEmpty.Broadcast()
}

// CloseReader unregisters a reader, un-gating the producer if it was strict.
func (r *RingBuffer) CloseReader(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readers, id)
	r.notFull.Broadcast()
}

// Close shuts the ring buffer down: the producer and all readers
// subsequently observe ErrClosed / StatusShutdown.
func (r *RingBuffer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}
