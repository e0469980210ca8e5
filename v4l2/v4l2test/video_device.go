// video_device.go implements a scriptable in-memory stand-in for a V4L2 M2M video node.

// Package v4l2test provides fake V4L2 video and media devices for tests.
package v4l2test

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

type queuedBuffer struct {
	buf v4l2.Buffer
}

// VideoDevice records every call; tests inspect the exported fields under
// Locker or through the accessor methods.
type VideoDevice struct {
	Locker xsync.Mutex

	FakeFD       int
	Capabilities v4l2.Capabilities
	Formats      map[v4l2.BufType][]v4l2.FormatDesc
	MaxWidth     uint32
	MaxHeight    uint32
	MaxBuffers   uint32

	// error injection; a set entry makes the next matching call fail
	QueueErr     map[v4l2.BufType]error
	StreamOnErr  map[v4l2.BufType]error
	SetFormatErr error
	CreateErr    error

	CurrentFormats  map[v4l2.BufType]v4l2.Format
	Streaming       map[v4l2.BufType]bool
	Requested       map[v4l2.BufType]uint32
	Created         map[v4l2.BufType]uint32
	Queued          map[v4l2.BufType][]v4l2.Buffer
	Done            map[v4l2.BufType][]v4l2.Buffer
	QueueCalls      []v4l2.Buffer
	Controls        map[uint32]int64
	RequestControls map[int]map[uint32]int64
	KnownControls   map[uint32]v4l2.QueryExtControl
	Closed          bool
}

func NewVideoDevice(multiplanar bool) *VideoDevice {
	d := &VideoDevice{
		FakeFD:     1000,
		MaxWidth:   4096,
		MaxHeight:  2304,
		MaxBuffers: 32,

		QueueErr:        map[v4l2.BufType]error{},
		StreamOnErr:     map[v4l2.BufType]error{},
		CurrentFormats:  map[v4l2.BufType]v4l2.Format{},
		Streaming:       map[v4l2.BufType]bool{},
		Requested:       map[v4l2.BufType]uint32{},
		Created:         map[v4l2.BufType]uint32{},
		Queued:          map[v4l2.BufType][]v4l2.Buffer{},
		Done:            map[v4l2.BufType][]v4l2.Buffer{},
		Controls:        map[uint32]int64{},
		RequestControls: map[int]map[uint32]int64{},
		KnownControls:   map[uint32]v4l2.QueryExtControl{},
	}

	src, dst := v4l2.BufTypeVideoOutput, v4l2.BufTypeVideoCapture
	d.Capabilities = v4l2.Capabilities{
		Driver:       "fake",
		Card:         "fake stateless codec",
		Capabilities: v4l2.CapDeviceCaps | v4l2.CapVideoM2M | v4l2.CapVideoM2MMPlane,
		DeviceCaps:   v4l2.CapVideoM2M | v4l2.CapStreaming,
	}
	if multiplanar {
		src, dst = v4l2.BufTypeVideoOutputMPlane, v4l2.BufTypeVideoCaptureMPlane
		d.Capabilities.DeviceCaps = v4l2.CapVideoM2MMPlane | v4l2.CapStreaming
	}
	d.Formats = map[v4l2.BufType][]v4l2.FormatDesc{
		src: {
			{Type: src, Flags: v4l2.FmtFlagCompressed, PixelFormat: types.FourCCH264Slice, Description: "H.264 Parsed Slice Data"},
			{Type: src, Flags: v4l2.FmtFlagCompressed, PixelFormat: types.FourCCHEVCSlice, Description: "HEVC Parsed Slice Data"},
		},
		dst: {
			{Type: dst, Flags: v4l2.FmtFlagEmulated, PixelFormat: types.FourCCYUV420, Description: "Planar YUV 4:2:0"},
			{Type: dst, PixelFormat: types.FourCCNV12Col128, Description: "Y/CbCr 4:2:0 (128b cols)"},
			{Type: dst, PixelFormat: types.FourCCNV12, Description: "Y/CbCr 4:2:0"},
		},
	}
	for i := range d.Formats[src] {
		d.Formats[src][i].Index = uint32(i)
	}
	for i := range d.Formats[dst] {
		d.Formats[dst][i].Index = uint32(i)
	}
	return d
}

func (d *VideoDevice) FD() int {
	return d.FakeFD
}

func (d *VideoDevice) QueryCapabilities(ctx context.Context) (v4l2.Capabilities, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.Capabilities, error) {
		return d.Capabilities, nil
	})
}

func (d *VideoDevice) EnumFormat(ctx context.Context, bufType v4l2.BufType, index uint32) (v4l2.FormatDesc, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.FormatDesc, error) {
		list := d.Formats[bufType]
		if int(index) >= len(list) {
			return v4l2.FormatDesc{}, v4l2.ErrIoctl{Op: "VIDIOC_ENUM_FMT", Err: unix.EINVAL}
		}
		return list[index], nil
	})
}

func (d *VideoDevice) GetFormat(ctx context.Context, bufType v4l2.BufType) (v4l2.Format, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.Format, error) {
		f, ok := d.CurrentFormats[bufType]
		if !ok {
			return v4l2.Format{}, v4l2.ErrIoctl{Op: "VIDIOC_G_FMT", Err: unix.EINVAL}
		}
		return f.Clone(), nil
	})
}

// SetFormat clamps the geometry to MaxWidth x MaxHeight and falls back to the
// first advertised pixel format, the way drivers do.
func (d *VideoDevice) SetFormat(ctx context.Context, format v4l2.Format) (v4l2.Format, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.Format, error) {
		if err := d.SetFormatErr; err != nil {
			d.SetFormatErr = nil
			return v4l2.Format{}, v4l2.ErrIoctl{Op: "VIDIOC_S_FMT", Err: err}
		}
		list := d.Formats[format.Type]
		if len(list) == 0 {
			return v4l2.Format{}, v4l2.ErrIoctl{Op: "VIDIOC_S_FMT", Err: unix.EINVAL}
		}

		result := format.Clone()
		known := false
		for _, desc := range list {
			if desc.PixelFormat == format.PixelFormat {
				known = true
				break
			}
		}
		if !known {
			result.PixelFormat = list[0].PixelFormat
		}
		result.Width = min(result.Width, d.MaxWidth)
		result.Height = min(result.Height, d.MaxHeight)
		result.Field = v4l2.FieldNone

		compressed := format.Type.IsOutput()
		switch {
		case compressed:
			size := uint32(0)
			if len(format.Planes) > 0 {
				size = format.Planes[0].SizeImage
			}
			if size == 0 {
				size = result.Width * result.Height / 2
			}
			result.Planes = []v4l2.PlaneFormat{{SizeImage: size}}
		case format.Type.IsMultiplanar() && result.PixelFormat == types.FourCCNV12M:
			result.Planes = []v4l2.PlaneFormat{
				{SizeImage: result.Width * result.Height, BytesPerLine: result.Width},
				{SizeImage: result.Width * result.Height / 2, BytesPerLine: result.Width},
			}
		default:
			result.Planes = []v4l2.PlaneFormat{{
				SizeImage:    result.Width * result.Height * 3 / 2,
				BytesPerLine: result.Width,
			}}
		}
		d.CurrentFormats[format.Type] = result.Clone()
		return result, nil
	})
}

func (d *VideoDevice) RequestBuffers(ctx context.Context, bufType v4l2.BufType, memory v4l2.Memory, count uint32) (uint32, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (uint32, error) {
		granted := min(count, d.MaxBuffers)
		d.Requested[bufType] = granted
		if count == 0 {
			d.Created[bufType] = 0
			d.Queued[bufType] = nil
			d.Done[bufType] = nil
		}
		return granted, nil
	})
}

func (d *VideoDevice) CreateBuffers(ctx context.Context, memory v4l2.Memory, format v4l2.Format, count uint32) (uint32, uint32, error) {
	type result struct{ index, count uint32 }
	r, err := xsync.DoR2(ctx, &d.Locker, func() (result, error) {
		if err := d.CreateErr; err != nil {
			d.CreateErr = nil
			return result{}, v4l2.ErrIoctl{Op: "VIDIOC_CREATE_BUFS", Err: err}
		}
		index := d.Requested[format.Type] + d.Created[format.Type]
		if index+count > d.MaxBuffers {
			return result{}, v4l2.ErrIoctl{Op: "VIDIOC_CREATE_BUFS", Err: unix.ENOMEM}
		}
		d.Created[format.Type] += count
		return result{index: index, count: count}, nil
	})
	return r.index, r.count, err
}

func (d *VideoDevice) QueueBuffer(ctx context.Context, buf v4l2.Buffer) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		d.QueueCalls = append(d.QueueCalls, cloneBuffer(buf))
		if err := d.QueueErr[buf.Type]; err != nil {
			delete(d.QueueErr, buf.Type)
			return v4l2.ErrIoctl{Op: "VIDIOC_QBUF", Err: err}
		}
		if buf.Memory != v4l2.MemoryDMABuf || len(buf.Planes) == 0 {
			return v4l2.ErrIoctl{Op: "VIDIOC_QBUF", Err: unix.EINVAL}
		}
		d.Queued[buf.Type] = append(d.Queued[buf.Type], cloneBuffer(buf))
		return nil
	})
}

// Complete finishes the oldest queued buffer of bufType, making it
// dequeueable. It reports false if nothing was queued.
func (d *VideoDevice) Complete(ctx context.Context, bufType v4l2.BufType, flags uint32) bool {
	return xsync.DoR1(ctx, &d.Locker, func() bool {
		q := d.Queued[bufType]
		if len(q) == 0 {
			return false
		}
		buf := q[0]
		d.Queued[bufType] = q[1:]
		buf.Flags = flags | v4l2.BufFlagDone
		for i := range buf.Planes {
			if !bufType.IsOutput() {
				buf.Planes[i].BytesUsed = buf.Planes[i].Length
			}
		}
		d.Done[bufType] = append(d.Done[bufType], buf)
		return true
	})
}

func (d *VideoDevice) DequeueBuffer(ctx context.Context, bufType v4l2.BufType, memory v4l2.Memory, numPlanes int) (v4l2.Buffer, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.Buffer, error) {
		q := d.Done[bufType]
		if len(q) == 0 {
			return v4l2.Buffer{}, v4l2.ErrIoctl{Op: "VIDIOC_DQBUF", Err: unix.EAGAIN}
		}
		d.Done[bufType] = q[1:]
		return q[0], nil
	})
}

func (d *VideoDevice) StreamOn(ctx context.Context, bufType v4l2.BufType) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		if err := d.StreamOnErr[bufType]; err != nil {
			delete(d.StreamOnErr, bufType)
			return v4l2.ErrIoctl{Op: "VIDIOC_STREAMON", Err: err}
		}
		d.Streaming[bufType] = true
		return nil
	})
}

func (d *VideoDevice) StreamOff(ctx context.Context, bufType v4l2.BufType) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		d.Streaming[bufType] = false
		d.Queued[bufType] = nil
		d.Done[bufType] = nil
		return nil
	})
}

func (d *VideoDevice) SetExtControls(ctx context.Context, requestFD int, ctrls []v4l2.ExtControl) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		target := d.Controls
		if requestFD >= 0 {
			if d.RequestControls[requestFD] == nil {
				d.RequestControls[requestFD] = map[uint32]int64{}
			}
			target = d.RequestControls[requestFD]
		}
		for _, c := range ctrls {
			if _, ok := d.KnownControls[c.ID]; !ok {
				return v4l2.ErrIoctl{Op: "VIDIOC_S_EXT_CTRLS", Err: unix.EINVAL}
			}
			v := c.Value
			if c.Payload != nil {
				v = int64(len(c.Payload))
			}
			target[c.ID] = v
		}
		return nil
	})
}

func (d *VideoDevice) GetExtControls(ctx context.Context, requestFD int, ctrls []v4l2.ExtControl) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		source := d.Controls
		if requestFD >= 0 {
			source = d.RequestControls[requestFD]
		}
		for i, c := range ctrls {
			if _, ok := d.KnownControls[c.ID]; !ok {
				return v4l2.ErrIoctl{Op: "VIDIOC_G_EXT_CTRLS", Err: unix.EINVAL}
			}
			ctrls[i].Value = source[c.ID]
		}
		return nil
	})
}

func (d *VideoDevice) QueryExtControl(ctx context.Context, id uint32) (v4l2.QueryExtControl, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (v4l2.QueryExtControl, error) {
		q, ok := d.KnownControls[id]
		if !ok {
			return v4l2.QueryExtControl{}, v4l2.ErrIoctl{Op: "VIDIOC_QUERY_EXT_CTRL", Err: unix.EINVAL}
		}
		return q, nil
	})
}

func (d *VideoDevice) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.Locker, func() error {
		if d.Closed {
			return fmt.Errorf("closed twice")
		}
		d.Closed = true
		return nil
	})
}

// QueueCallCount returns the number of QueueBuffer invocations so far.
func (d *VideoDevice) QueueCallCount(ctx context.Context) int {
	return xsync.DoR1(ctx, &d.Locker, func() int {
		return len(d.QueueCalls)
	})
}

func (d *VideoDevice) QueuedCount(ctx context.Context, bufType v4l2.BufType) int {
	return xsync.DoR1(ctx, &d.Locker, func() int {
		return len(d.Queued[bufType])
	})
}

func (d *VideoDevice) IsStreaming(ctx context.Context, bufType v4l2.BufType) bool {
	return xsync.DoR1(ctx, &d.Locker, func() bool {
		return d.Streaming[bufType]
	})
}

func (d *VideoDevice) IsClosed(ctx context.Context) bool {
	return xsync.DoR1(ctx, &d.Locker, func() bool {
		return d.Closed
	})
}

func cloneBuffer(b v4l2.Buffer) v4l2.Buffer {
	b.Planes = append([]v4l2.Plane(nil), b.Planes...)
	return b
}
