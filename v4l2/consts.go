// consts.go defines the V4L2 and media-controller constants used by v4l2req.

// Package v4l2 is a minimal binding to the V4L2 memory-to-memory and
// media-request kernel interfaces needed by stateless codecs.
package v4l2

import (
	"fmt"
)

// BufType is enum v4l2_buf_type.
type BufType uint32

const (
	BufTypeUndefined          = BufType(0)
	BufTypeVideoCapture       = BufType(1)
	BufTypeVideoOutput        = BufType(2)
	BufTypeVideoCaptureMPlane = BufType(9)
	BufTypeVideoOutputMPlane  = BufType(10)
)

func (t BufType) String() string {
	switch t {
	case BufTypeUndefined:
		return "undefined"
	case BufTypeVideoCapture:
		return "video_capture"
	case BufTypeVideoOutput:
		return "video_output"
	case BufTypeVideoCaptureMPlane:
		return "video_capture_mplane"
	case BufTypeVideoOutputMPlane:
		return "video_output_mplane"
	}
	return fmt.Sprintf("unknown_%d", uint32(t))
}

func (t BufType) IsMultiplanar() bool {
	return t == BufTypeVideoCaptureMPlane || t == BufTypeVideoOutputMPlane
}

func (t BufType) IsOutput() bool {
	return t == BufTypeVideoOutput || t == BufTypeVideoOutputMPlane
}

// Memory is enum v4l2_memory.
type Memory uint32

const (
	MemoryMMAP    = Memory(1)
	MemoryUserPtr = Memory(2)
	MemoryDMABuf  = Memory(4)
)

func (m Memory) String() string {
	switch m {
	case MemoryMMAP:
		return "mmap"
	case MemoryUserPtr:
		return "userptr"
	case MemoryDMABuf:
		return "dmabuf"
	}
	return fmt.Sprintf("unknown_%d", uint32(m))
}

// Capability bits of struct v4l2_capability.
const (
	CapVideoM2MMPlane = uint32(0x00004000)
	CapVideoM2M       = uint32(0x00008000)
	CapStreaming      = uint32(0x04000000)
	CapDeviceCaps     = uint32(0x80000000)
)

// Flags of struct v4l2_fmtdesc.
const (
	FmtFlagCompressed = uint32(0x0001)
	FmtFlagEmulated   = uint32(0x0002)
)

// Flags of struct v4l2_buffer.
const (
	BufFlagMapped            = uint32(0x00000001)
	BufFlagQueued            = uint32(0x00000002)
	BufFlagDone              = uint32(0x00000004)
	BufFlagError             = uint32(0x00000040)
	BufFlagM2MHoldCaptureBuf = uint32(0x00000200)
	BufFlagTimestampCopy     = uint32(0x00004000)
	BufFlagLast              = uint32(0x00100000)
	BufFlagRequestFD         = uint32(0x00800000)
)

const (
	FieldAny  = uint32(0)
	FieldNone = uint32(1)
)

// Values for the "which" member of struct v4l2_ext_controls.
const (
	CtrlWhichCurVal     = uint32(0)
	CtrlWhichDefVal     = uint32(0x0f000000)
	CtrlWhichRequestVal = uint32(0x0f010000)
)

const (
	CtrlFlagNextCtrl     = uint32(0x80000000)
	CtrlFlagNextCompound = uint32(0x40000000)
)

// MaxPlanes is VIDEO_MAX_PLANES.
const MaxPlanes = 8
