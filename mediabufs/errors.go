package mediabufs

import (
	"fmt"

	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

type ErrOperationFailed struct {
	Op  string
	Err error
}

func (e ErrOperationFailed) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e ErrOperationFailed) Unwrap() error {
	return e.Err
}

// ErrUnsupportedBufferType means the device did not accept the requested
// geometry or pixel format.
type ErrUnsupportedBufferType struct {
	BufType     v4l2.BufType
	PixelFormat types.FourCC
	Width       uint32
	Height      uint32
	Reason      string
}

func (e ErrUnsupportedBufferType) Error() string {
	return fmt.Sprintf(
		"unsupported buffer type %s (format %s %dx%d): %s",
		e.BufType, e.PixelFormat, e.Width, e.Height, e.Reason,
	)
}

type ErrAllocationFailed struct {
	Size uint64
	Err  error
}

func (e ErrAllocationFailed) Error() string {
	return fmt.Sprintf("unable to allocate %d bytes: %v", e.Size, e.Err)
}

func (e ErrAllocationFailed) Unwrap() error {
	return e.Err
}

// ErrDecodingError is reported for a destination the device completed with
// the error flag set.
type ErrDecodingError struct{}

func (ErrDecodingError) Error() string {
	return "the device reported a decoding error"
}

type ErrAlreadyWaiting struct {
	Index uint32
}

func (e ErrAlreadyWaiting) Error() string {
	return fmt.Sprintf("destination entry #%d is already waiting for a completion", e.Index)
}

type ErrNoSourceEntry struct{}

func (ErrNoSourceEntry) Error() string {
	return "no source entry given"
}

type ErrFixedSize struct {
	Capacity uint64
}

func (e ErrFixedSize) Error() string {
	return fmt.Sprintf("the entry has a fixed size of %d bytes and cannot grow", e.Capacity)
}

type ErrFormatNotSet struct {
	BufType v4l2.BufType
}

func (e ErrFormatNotSet) Error() string {
	return fmt.Sprintf("no format is negotiated for %s", e.BufType)
}

type ErrNoM2MCapabilities struct {
	Capabilities uint32
}

func (e ErrNoM2MCapabilities) Error() string {
	return fmt.Sprintf("the device is not a memory-to-memory device (capabilities: 0x%x)", e.Capabilities)
}

type ErrNoAllocator struct{}

func (ErrNoAllocator) Error() string {
	return "no buffer allocator configured"
}

// ErrForeignEntry is returned when an entry is submitted to a controller
// that did not create it.
type ErrForeignEntry struct {
	Index uint32
}

func (e ErrForeignEntry) Error() string {
	return fmt.Sprintf("destination#%d belongs to another controller", e.Index)
}

type ErrNotHeld struct {
	Index uint32
}

func (e ErrNotHeld) Error() string {
	return fmt.Sprintf("destination#%d is not held by the caller (already released?)", e.Index)
}
