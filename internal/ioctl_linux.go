//go:build linux

package internal

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl issues ioctl(2) and transparently restarts it when interrupted by a signal.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}
