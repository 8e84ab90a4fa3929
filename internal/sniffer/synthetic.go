package sniffer

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// Synthetic is a deterministic, hardware-free driver used by tests (and by
// the end-to-end scenarios in spec.md 8) to exercise the full ingest
// pipeline without a real fa_sniffer device. Each Read produces
// framesPerBlock frames of n entries; id 0's entry is (frame counter, 0),
// so its x value is exactly the rolling frame counter the Transform stage
// records as id_zero, and every other id k's entry is (k, 2k).
type Synthetic struct {
	n              int
	framesPerBlock int
	interval       time.Duration

	seq     uint32
	failing atomic.Bool
	clock   func() uint64
}

// NewSynthetic builds a synthetic driver for n BPM ids and framesPerBlock
// frames per raw block. interval is stored but Read does not use it:
// reads are not throttled, and the reported timestamp comes from the clock
// set with SetClock, or from the wall clock when none is set.
func NewSynthetic(n, framesPerBlock int, interval time.Duration) *Synthetic {
	return &Synthetic{n: n, framesPerBlock: framesPerBlock, interval: interval}
}

// SetFailing toggles whether Read fails (simulating a sniffer outage, for
// gap-injection tests such as spec.md's E3).
func (s *Synthetic) SetFailing(v bool) {
	s.failing.Store(v)
}

// SetClock overrides the timestamp source used by Read, for tests that
// need exact, reproducible inter-block spacing instead of wall-clock time.
func (s *Synthetic) SetClock(clock func() uint64) {
	s.clock = clock
}

// Read implements Driver.
func (s *Synthetic) Read(buf []byte, timestamp *uint64) error {
	if s.failing.Load() {
		return ErrNoData
	}
	const entrySize = 8
	want := s.framesPerBlock * s.n * entrySize
	if len(buf) < want {
		return ErrNoData
	}
	off := 0
	for f := 0; f < s.framesPerBlock; f++ {
		frameCounter := atomic.AddUint32(&s.seq, 1) - 1
		for id := 0; id < s.n; id++ {
			var x int32
			if id == 0 {
				x = int32(frameCounter)
			} else {
				x = int32(id)
			}
			y := int32(id) * 2
			binary.LittleEndian.PutUint32(buf[off:], uint32(x))
			binary.LittleEndian.PutUint32(buf[off+4:], uint32(y))
			off += entrySize
		}
	}
	if s.clock != nil {
		*timestamp = s.clock()
	} else {
		*timestamp = uint64(time.Now().UnixMicro())
	}
	return nil
}

func (s *Synthetic) Reset() error { return nil }

func (s *Synthetic) Status() (Status, error) {
	return Status{EntryCount: uint32(s.n)}, nil
}

func (s *Synthetic) Interrupt() error { return nil }
