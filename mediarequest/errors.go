package mediarequest

import (
	"fmt"
)

type ErrRequestsOutstanding struct {
	Count int
}

func (e ErrRequestsOutstanding) Error() string {
	return fmt.Sprintf("%d requests are still outstanding", e.Count)
}

type ErrAllocRequest struct {
	Index int
	Err   error
}

func (e ErrAllocRequest) Error() string {
	return fmt.Sprintf("unable to allocate request #%d: %v", e.Index, e.Err)
}

func (e ErrAllocRequest) Unwrap() error {
	return e.Err
}

type ErrStart struct {
	Err error
}

func (e ErrStart) Error() string {
	return fmt.Sprintf("unable to start the request: %v", e.Err)
}

func (e ErrStart) Unwrap() error {
	return e.Err
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the request pool is closed"
}

type ErrNilRequest struct{}

func (ErrNilRequest) Error() string {
	return "the request is nil"
}
