package sniffer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dls-controls/fa-archiver/internal/ringbuf"
)

// RealtimePriority is the SCHED_FIFO priority the sniffer thread requests
// when running with realtime scheduling enabled (spec.md 4.3: "priority
// 1 so the kernel cannot starve it").
const RealtimePriority = 1

// Thread is the real-time producer that pulls raw blocks from a Driver and
// publishes them into a RingBuffer.
type Thread struct {
	driver Driver
	ring   *ringbuf.RingBuffer
	log    *zap.SugaredLogger

	// Realtime requests SCHED_FIFO priority 1 for the running goroutine's
	// OS thread. Best-effort: failure (e.g. missing CAP_SYS_NICE) is
	// logged once and otherwise ignored.
	Realtime bool
}

// NewThread builds a sniffer thread reading from driver and publishing
// into ring.
func NewThread(driver Driver, ring *ringbuf.RingBuffer, log *zap.SugaredLogger) *Thread {
	return &Thread{driver: driver, ring: ring, log: log}
}

// Run drives the read/commit loop until ctx is cancelled. Transitions
// between the ok and gap states are logged exactly once, so a prolonged
// outage does not spam the log.
func (t *Thread) Run(ctx context.Context) error {
	if t.Realtime {
		if err := setRealtimeFIFO(RealtimePriority); err != nil {
			t.log.Warnw("sniffer: could not set realtime priority, continuing at default priority", "error", err)
		}
	}

	lastWasGap := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		idx, buf, err := t.ring.ReserveWrite()
		if err != nil {
			return err
		}

		var timestamp uint64
		readErr := t.driver.Read(buf, &timestamp)
		gap := readErr != nil

		if gap != lastWasGap {
			if gap {
				t.log.Warnw("sniffer: lost data, entering gap state", "error", readErr)
			} else {
				t.log.Infow("sniffer: data resumed")
			}
			lastWasGap = gap
		}

		if overflow := t.ring.CommitWrite(idx, gap, timestamp); overflow {
			t.log.Warnw("sniffer: ring buffer overflow, slow reader missed a block")
		}

		if gap {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			if err := t.driver.Reset(); err != nil {
				t.log.Errorw("sniffer: reset failed", "error", err)
			}
		}
	}
}

func setRealtimeFIFO(priority int) error {
	return unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(priority)})
}
