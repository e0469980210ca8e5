// types.go defines the Go-side representations of V4L2 objects.

package v4l2

import (
	"strings"
	"time"

	"github.com/xaionaro-go/v4l2req/types"
)

type Capabilities struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// Effective returns the capability bits of the opened node: the per-device
// bits when the driver reports them, the whole-driver bits otherwise.
func (c Capabilities) Effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

type FormatDesc struct {
	Index       uint32
	Type        BufType
	Flags       uint32
	Description string
	PixelFormat types.FourCC
}

func (d FormatDesc) IsEmulated() bool {
	return d.Flags&FmtFlagEmulated != 0
}

type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is struct v4l2_format restricted to the pix and pix_mp members.
// Single-planar formats carry exactly one entry in Planes.
type Format struct {
	Type         BufType
	Width        uint32
	Height       uint32
	PixelFormat  types.FourCC
	Field        uint32
	ColorSpace   uint32
	Flags        uint32
	YCbCrEnc     uint32
	Quantization uint32
	XferFunc     uint32
	Planes       []PlaneFormat
}

func (f Format) Clone() Format {
	f.Planes = append([]PlaneFormat(nil), f.Planes...)
	return f
}

// Plane describes one memory plane of a queued or dequeued buffer.
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	FD         int32
	DataOffset uint32
}

// Buffer is struct v4l2_buffer for DMABUF memory. Single-planar buffer types
// carry exactly one entry in Planes.
type Buffer struct {
	Index     uint32
	Type      BufType
	Memory    Memory
	Flags     uint32
	Field     uint32
	Timestamp time.Duration
	Sequence  uint32
	Planes    []Plane
	RequestFD int32
}

func (b Buffer) IsError() bool {
	return b.Flags&BufFlagError != 0
}

// ExtControl is one struct v4l2_ext_control. Compound controls set Payload;
// scalar ones set Value.
type ExtControl struct {
	ID      uint32
	Value   int64
	Payload []byte
}

type QueryExtControl struct {
	ID           uint32
	Type         uint32
	Name         string
	Minimum      int64
	Maximum      int64
	Step         uint64
	DefaultValue int64
	Flags        uint32
	ElemSize     uint32
	Elems        uint32
	Dims         []uint32
}

func cString(b []byte) string {
	s := string(b)
	if idx := strings.IndexByte(s, 0); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func fourCC(v uint32) types.FourCC {
	return types.FourCC(v)
}
