//go:build linux && (amd64 || arm64)

// abi_64bit.go mirrors the kernel structures exchanged via ioctl on 64-bit targets.

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layout checks: [0]struct{} = [actual - expected]struct{} does not compile unless actual == expected.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Fmtdesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2CreateBuffers{}) - 256]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2ExtControls{}) - 32]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2QueryExtCtrl{}) - 232]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(v4l2Format{}.raw) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2CreateBuffers{}.format) - 16]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.timestamp) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.requestFD) - 80]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Plane{}.m) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2ExtControls{}.controls) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2QueryExtCtrl{}.minimum) - 40]struct{}{}
)

const (
	vidiocQuerycap     = 0x80685600
	vidiocEnumFmt      = 0xc0405602
	vidiocGFmt         = 0xc0d05604
	vidiocSFmt         = 0xc0d05605
	vidiocReqbufs      = 0xc0145608
	vidiocQbuf         = 0xc058560f
	vidiocDqbuf        = 0xc0585611
	vidiocStreamon     = 0x40045612
	vidiocStreamoff    = 0x40045613
	vidiocGExtCtrls    = 0xc0205647
	vidiocSExtCtrls    = 0xc0205648
	vidiocCreateBufs   = 0xc100565c
	vidiocQueryExtCtrl = 0xc0e85667

	mediaIocRequestAlloc  = 0x80047c05
	mediaRequestIocQueue  = 0x00007c80
	mediaRequestIocReinit = 0x00007c81

	// struct v4l2_ext_control is packed: the 64-bit union starts at offset 12
	extControlWireSize = 20
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

// v4l2Format keeps the union as raw bytes; the union is 8-aligned in C
// because struct v4l2_window holds pointers.
type v4l2Format struct {
	typ uint32
	_   uint32
	raw [200]byte
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2CreateBuffers struct {
	index         uint32
	count         uint32
	memory        uint32
	_             uint32
	format        v4l2Format
	capabilities  uint32
	flags         uint32
	maxNumBuffers uint32
	reserved      [5]uint32
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uint64
	length    uint32
	reserved2 uint32
	requestFD int32
	_         uint32
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uint64
	dataOffset uint32
	reserved   [11]uint32
}

type v4l2ExtControls struct {
	which     uint32
	count     uint32
	errorIdx  uint32
	requestFD int32
	reserved  uint32
	controls  unsafe.Pointer
}

type v4l2QueryExtCtrl struct {
	id           uint32
	typ          uint32
	name         [32]byte
	minimum      int64
	maximum      int64
	step         uint64
	defaultValue int64
	flags        uint32
	elemSize     uint32
	elems        uint32
	nrOfDims     uint32
	dims         [4]uint32
	reserved     [32]uint32
}
