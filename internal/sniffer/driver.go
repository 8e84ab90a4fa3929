// Package sniffer implements the archiver's view of the hardware sniffer
// device: a small capability set (reset / read / status / interrupt) with
// two production variants — a character-device driver that talks to the
// real hardware via ioctls, and an empty stub used by read-only archivers
// — plus a synthetic driver used by tests in place of real hardware.
package sniffer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNoData is returned by Read when the driver has no frame available
// (e.g. the empty driver, or a real device that has stalled).
var ErrNoData = errors.New("sniffer: no data available")

// Status reports the sniffer device's self-reported health.
type Status struct {
	Version     uint32
	EntryCount  uint32
	FrameErrors uint32
}

// Driver is the capability set every sniffer source implements.
type Driver interface {
	// Reset restarts the device in place after a read failure.
	Reset() error
	// Read fills buf with one raw block's worth of bytes and reports the
	// precise hardware timestamp (microseconds since epoch) for it.
	Read(buf []byte, timestamp *uint64) error
	// Status reports device health.
	Status() (Status, error)
	// Interrupt aborts any in-progress blocking Read.
	Interrupt() error
}

// Device ioctl numbers for the character-device variant's
// version/entry-count/timestamp/restart requests. They are placeholders,
// not values taken from the fa_sniffer kernel driver's header; the kernel
// module itself is out of scope (spec.md 1), so only the user-space side
// of the ioctl contract lives here.
const (
	iocGetVersion    = 0x40046601
	iocSetEntryCount = 0x40046602
	iocGetTimestamp  = 0x80106603
	iocReset         = 0x6604
)

type timestampResidue struct {
	Timestamp uint64
	Residue   uint32
	_         uint32 // padding to 16 bytes
}

// DeviceDriver talks to the real fa_sniffer character device.
type DeviceDriver struct {
	fd int
	n  int
}

// OpenDevice opens the sniffer character device at path and configures it
// for n BPM entries per frame.
func OpenDevice(path string, n int) (*DeviceDriver, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("sniffer: open %s: %w", path, err)
	}
	d := &DeviceDriver{fd: fd, n: n}
	if err := ioctlInt(fd, iocSetEntryCount, n); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sniffer: set entry count: %w", err)
	}
	return d, nil
}

// Close releases the underlying file descriptor.
func (d *DeviceDriver) Close() error {
	return unix.Close(d.fd)
}

// Read implements Driver.
func (d *DeviceDriver) Read(buf []byte, timestamp *uint64) error {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return fmt.Errorf("sniffer: read: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("sniffer: short read: got %d of %d bytes", n, len(buf))
	}
	var ts timestampResidue
	if err := ioctlPointer(d.fd, iocGetTimestamp, &ts); err != nil {
		return fmt.Errorf("sniffer: get timestamp: %w", err)
	}
	*timestamp = ts.Timestamp
	return nil
}

// Reset implements Driver: restart the device in place.
func (d *DeviceDriver) Reset() error {
	if err := ioctlNone(d.fd, iocReset); err != nil {
		return fmt.Errorf("sniffer: reset: %w", err)
	}
	return nil
}

// Status implements Driver.
func (d *DeviceDriver) Status() (Status, error) {
	version, err := ioctlGetInt(d.fd, iocGetVersion)
	if err != nil {
		return Status{}, fmt.Errorf("sniffer: get version: %w", err)
	}
	return Status{Version: uint32(version), EntryCount: uint32(d.n)}, nil
}

// Interrupt implements Driver: wakes a thread blocked in Read by closing
// and reopening is unsafe here, so instead it relies on the kernel driver
// honoring a concurrent ioctl; in practice callers use context
// cancellation around the read loop, with Interrupt as a best-effort nudge.
func (d *DeviceDriver) Interrupt() error {
	return ioctlNone(d.fd, iocReset)
}

// EmptyDriver is a stub used by read-only archivers (or query-only
// deployments) where no real sniffer hardware is attached. Read always
// fails with ErrNoData.
type EmptyDriver struct{}

func (EmptyDriver) Reset() error                      { return nil }
func (EmptyDriver) Read(_ []byte, _ *uint64) error     { return ErrNoData }
func (EmptyDriver) Status() (Status, error)            { return Status{}, nil }
func (EmptyDriver) Interrupt() error                   { return nil }
func NewEmpty() Driver                                 { return EmptyDriver{} }
