package v4l2

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrIoctl reports a failed kernel call; Err is the errno.
type ErrIoctl struct {
	Op  string
	Err error
}

func (e ErrIoctl) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e ErrIoctl) Unwrap() error {
	return e.Err
}

// IsErrno reports whether err wraps the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e syscall.Errno
	if !errors.As(err, &e) {
		return false
	}
	return e == errno
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the device is closed"
}

type ErrTooManyPlanes struct {
	Count int
}

func (e ErrTooManyPlanes) Error() string {
	return fmt.Sprintf("too many planes: %d > %d", e.Count, MaxPlanes)
}
