package dmabuf

import (
	"fmt"
)

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the buffer is closed"
}

type ErrAllocate struct {
	Size uint64
	Err  error
}

func (e ErrAllocate) Error() string {
	return fmt.Sprintf("unable to allocate a buffer of %d bytes: %v", e.Size, e.Err)
}

func (e ErrAllocate) Unwrap() error {
	return e.Err
}
