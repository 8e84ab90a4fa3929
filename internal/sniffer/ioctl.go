package sniffer

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctlInt(fd int, req uint, val int) error {
	return unix.IoctlSetInt(fd, req, val)
}

func ioctlGetInt(fd int, req uint) (int, error) {
	return unix.IoctlGetInt(fd, req)
}

func ioctlNone(fd int, req uint) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPointer(fd int, req uint, v *timestampResidue) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(v)))
	if errno != 0 {
		return errno
	}
	return nil
}
