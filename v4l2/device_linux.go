//go:build linux && (amd64 || arm64)

// device_linux.go implements the video device node operations.

package v4l2

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/xaionaro-go/v4l2req/internal"
	"github.com/xaionaro-go/v4l2req/logger"
	"golang.org/x/sys/unix"
)

// Device is an opened V4L2 video node.
type Device struct {
	path string
	fd   atomic.Int64
}

// OpenDevice opens the video node non-blocking: dequeueing is driven by readiness events.
func OpenDevice(
	ctx context.Context,
	path string,
) (_ret *Device, _err error) {
	logger.Debugf(ctx, "OpenDevice(ctx, '%s')", path)
	defer func() { logger.Debugf(ctx, "/OpenDevice(ctx, '%s'): %v", path, _err) }()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	d := &Device{path: path}
	d.fd.Store(int64(fd))
	return d, nil
}

func (d *Device) String() string {
	return d.path
}

func (d *Device) FD() int {
	return int(d.fd.Load())
}

func (d *Device) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	fd := d.FD()
	if fd < 0 {
		return ErrIoctl{Op: op, Err: ErrClosed{}}
	}
	if err := internal.Ioctl(fd, req, arg); err != nil {
		return ErrIoctl{Op: op, Err: err}
	}
	return nil
}

func (d *Device) QueryCapabilities(ctx context.Context) (Capabilities, error) {
	var raw v4l2Capability
	if err := d.ioctl("VIDIOC_QUERYCAP", vidiocQuerycap, unsafe.Pointer(&raw)); err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		Driver:       cString(raw.driver[:]),
		Card:         cString(raw.card[:]),
		BusInfo:      cString(raw.busInfo[:]),
		Version:      raw.version,
		Capabilities: raw.capabilities,
		DeviceCaps:   raw.deviceCaps,
	}, nil
}

// EnumFormat returns the index-th format of the queue; EINVAL marks the end of the list.
func (d *Device) EnumFormat(
	ctx context.Context,
	bufType BufType,
	index uint32,
) (FormatDesc, error) {
	raw := v4l2Fmtdesc{index: index, typ: uint32(bufType)}
	if err := d.ioctl("VIDIOC_ENUM_FMT", vidiocEnumFmt, unsafe.Pointer(&raw)); err != nil {
		return FormatDesc{}, err
	}
	return FormatDesc{
		Index:       raw.index,
		Type:        BufType(raw.typ),
		Flags:       raw.flags,
		Description: cString(raw.description[:]),
		PixelFormat: fourCC(raw.pixelformat),
	}, nil
}

func (d *Device) GetFormat(ctx context.Context, bufType BufType) (Format, error) {
	raw := v4l2Format{typ: uint32(bufType)}
	if err := d.ioctl("VIDIOC_G_FMT", vidiocGFmt, unsafe.Pointer(&raw)); err != nil {
		return Format{}, err
	}
	return formatFromRaw(&raw), nil
}

// SetFormat requests format and returns what the driver actually applied.
func (d *Device) SetFormat(ctx context.Context, format Format) (Format, error) {
	raw := format.toRaw()
	if err := d.ioctl("VIDIOC_S_FMT", vidiocSFmt, unsafe.Pointer(&raw)); err != nil {
		return Format{}, err
	}
	return formatFromRaw(&raw), nil
}

// RequestBuffers returns the number of buffers the driver granted. A zero
// count releases every buffer of the queue.
func (d *Device) RequestBuffers(
	ctx context.Context,
	bufType BufType,
	memory Memory,
	count uint32,
) (uint32, error) {
	raw := v4l2RequestBuffers{
		count:  count,
		typ:    uint32(bufType),
		memory: uint32(memory),
	}
	if err := d.ioctl("VIDIOC_REQBUFS", vidiocReqbufs, unsafe.Pointer(&raw)); err != nil {
		return 0, err
	}
	return raw.count, nil
}

// CreateBuffers adds count buffers for format and returns the index of the first one.
func (d *Device) CreateBuffers(
	ctx context.Context,
	memory Memory,
	format Format,
	count uint32,
) (uint32, uint32, error) {
	raw := v4l2CreateBuffers{
		count:  count,
		memory: uint32(memory),
		format: format.toRaw(),
	}
	if err := d.ioctl("VIDIOC_CREATE_BUFS", vidiocCreateBufs, unsafe.Pointer(&raw)); err != nil {
		return 0, 0, err
	}
	return raw.index, raw.count, nil
}

func (d *Device) QueueBuffer(ctx context.Context, buf Buffer) error {
	return d.bufferIoctl("VIDIOC_QBUF", vidiocQbuf, &buf)
}

// DequeueBuffer returns EAGAIN if nothing is ready.
func (d *Device) DequeueBuffer(
	ctx context.Context,
	bufType BufType,
	memory Memory,
	numPlanes int,
) (Buffer, error) {
	if !bufType.IsMultiplanar() {
		numPlanes = 1
	}
	buf := Buffer{
		Type:   bufType,
		Memory: memory,
		Planes: make([]Plane, numPlanes),
	}
	if err := d.bufferIoctl("VIDIOC_DQBUF", vidiocDqbuf, &buf); err != nil {
		return Buffer{}, err
	}
	return buf, nil
}

func (d *Device) bufferIoctl(op string, req uintptr, buf *Buffer) error {
	if len(buf.Planes) > MaxPlanes {
		return ErrTooManyPlanes{Count: len(buf.Planes)}
	}

	raw := v4l2Buffer{
		index:     buf.Index,
		typ:       uint32(buf.Type),
		flags:     buf.Flags,
		field:     buf.Field,
		timestamp: unix.NsecToTimeval(buf.Timestamp.Nanoseconds()),
		memory:    uint32(buf.Memory),
		requestFD: buf.RequestFD,
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()
	var planes [MaxPlanes]v4l2Plane
	if buf.Type.IsMultiplanar() {
		for i, p := range buf.Planes {
			planes[i] = v4l2Plane{
				bytesused:  p.BytesUsed,
				length:     p.Length,
				m:          uint64(uint32(p.FD)),
				dataOffset: p.DataOffset,
			}
		}
		pinner.Pin(&planes[0])
		raw.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		raw.length = uint32(len(buf.Planes))
	} else if len(buf.Planes) > 0 {
		p := buf.Planes[0]
		raw.bytesused = p.BytesUsed
		raw.length = p.Length
		raw.m = uint64(uint32(p.FD))
	}

	if err := d.ioctl(op, req, unsafe.Pointer(&raw)); err != nil {
		return err
	}

	buf.Index = raw.index
	buf.Flags = raw.flags
	buf.Field = raw.field
	buf.Sequence = raw.sequence
	buf.Timestamp = time.Duration(raw.timestamp.Nano())
	if buf.Type.IsMultiplanar() {
		n := min(int(raw.length), len(buf.Planes))
		for i := 0; i < n; i++ {
			buf.Planes[i] = Plane{
				BytesUsed:  planes[i].bytesused,
				Length:     planes[i].length,
				FD:         int32(uint32(planes[i].m)),
				DataOffset: planes[i].dataOffset,
			}
		}
		buf.Planes = buf.Planes[:n]
	} else if len(buf.Planes) > 0 {
		buf.Planes[0] = Plane{
			BytesUsed: raw.bytesused,
			Length:    raw.length,
			FD:        int32(uint32(raw.m)),
		}
	}
	return nil
}

func (d *Device) StreamOn(ctx context.Context, bufType BufType) error {
	t := int32(bufType)
	return d.ioctl("VIDIOC_STREAMON", vidiocStreamon, unsafe.Pointer(&t))
}

func (d *Device) StreamOff(ctx context.Context, bufType BufType) error {
	t := int32(bufType)
	return d.ioctl("VIDIOC_STREAMOFF", vidiocStreamoff, unsafe.Pointer(&t))
}

// SetExtControls applies ctrls; a non-negative requestFD scopes them to that request.
func (d *Device) SetExtControls(
	ctx context.Context,
	requestFD int,
	ctrls []ExtControl,
) error {
	return d.extControls("VIDIOC_S_EXT_CTRLS", vidiocSExtCtrls, requestFD, ctrls)
}

// GetExtControls reads the current values into ctrls. Compound controls must
// carry a Payload of the expected size.
func (d *Device) GetExtControls(
	ctx context.Context,
	requestFD int,
	ctrls []ExtControl,
) error {
	return d.extControls("VIDIOC_G_EXT_CTRLS", vidiocGExtCtrls, requestFD, ctrls)
}

func (d *Device) extControls(
	op string,
	req uintptr,
	requestFD int,
	ctrls []ExtControl,
) error {
	if len(ctrls) == 0 {
		return nil
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	wire := make([]byte, len(ctrls)*extControlWireSize)
	for i, c := range ctrls {
		w := wire[i*extControlWireSize:]
		binary.LittleEndian.PutUint32(w[0:], c.ID)
		if len(c.Payload) > 0 {
			pinner.Pin(&c.Payload[0])
			binary.LittleEndian.PutUint32(w[4:], uint32(len(c.Payload)))
			binary.LittleEndian.PutUint64(w[12:], uint64(uintptr(unsafe.Pointer(&c.Payload[0]))))
		} else {
			binary.LittleEndian.PutUint64(w[12:], uint64(c.Value))
		}
	}
	pinner.Pin(&wire[0])

	raw := v4l2ExtControls{
		which:     CtrlWhichCurVal,
		count:     uint32(len(ctrls)),
		requestFD: -1,
		controls:  unsafe.Pointer(&wire[0]),
	}
	if requestFD >= 0 {
		raw.which = CtrlWhichRequestVal
		raw.requestFD = int32(requestFD)
	}

	if err := d.ioctl(op, req, unsafe.Pointer(&raw)); err != nil {
		return fmt.Errorf("%w (error_idx: %d)", err, raw.errorIdx)
	}

	for i := range ctrls {
		if len(ctrls[i].Payload) == 0 {
			ctrls[i].Value = int64(binary.LittleEndian.Uint64(wire[i*extControlWireSize+12:]))
		}
	}
	return nil
}

func (d *Device) QueryExtControl(ctx context.Context, id uint32) (QueryExtControl, error) {
	raw := v4l2QueryExtCtrl{id: id}
	if err := d.ioctl("VIDIOC_QUERY_EXT_CTRL", vidiocQueryExtCtrl, unsafe.Pointer(&raw)); err != nil {
		return QueryExtControl{}, err
	}
	q := QueryExtControl{
		ID:           raw.id,
		Type:         raw.typ,
		Name:         cString(raw.name[:]),
		Minimum:      raw.minimum,
		Maximum:      raw.maximum,
		Step:         raw.step,
		DefaultValue: raw.defaultValue,
		Flags:        raw.flags,
		ElemSize:     raw.elemSize,
		Elems:        raw.elems,
	}
	if n := min(int(raw.nrOfDims), len(raw.dims)); n > 0 {
		q.Dims = append([]uint32(nil), raw.dims[:n]...)
	}
	return q, nil
}

// Close is idempotent.
func (d *Device) Close(ctx context.Context) error {
	fd := d.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	logger.Debugf(ctx, "closing '%s'", d.path)
	return unix.Close(int(fd))
}
