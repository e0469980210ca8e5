package mediabufs

import (
	"context"

	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

// Device is the video node the controller drives; *v4l2.Device implements it.
type Device interface {
	FD() int
	QueryCapabilities(ctx context.Context) (v4l2.Capabilities, error)
	EnumFormat(ctx context.Context, bufType v4l2.BufType, index uint32) (v4l2.FormatDesc, error)
	GetFormat(ctx context.Context, bufType v4l2.BufType) (v4l2.Format, error)
	SetFormat(ctx context.Context, format v4l2.Format) (v4l2.Format, error)
	RequestBuffers(ctx context.Context, bufType v4l2.BufType, memory v4l2.Memory, count uint32) (uint32, error)
	CreateBuffers(ctx context.Context, memory v4l2.Memory, format v4l2.Format, count uint32) (uint32, uint32, error)
	QueueBuffer(ctx context.Context, buf v4l2.Buffer) error
	DequeueBuffer(ctx context.Context, bufType v4l2.BufType, memory v4l2.Memory, numPlanes int) (v4l2.Buffer, error)
	StreamOn(ctx context.Context, bufType v4l2.BufType) error
	StreamOff(ctx context.Context, bufType v4l2.BufType) error
	SetExtControls(ctx context.Context, requestFD int, ctrls []v4l2.ExtControl) error
	GetExtControls(ctx context.Context, requestFD int, ctrls []v4l2.ExtControl) error
	QueryExtControl(ctx context.Context, id uint32) (v4l2.QueryExtControl, error)
	types.Closer
}

var _ Device = (*v4l2.Device)(nil)

// Request is a media request buffers and controls can be attached to;
// *mediarequest.Request implements it. A request reporting a negative FD
// is treated as no request at all, which is how a nil *mediarequest.Request
// behaves.
type Request interface {
	FD() int
	Start(ctx context.Context) error
	Abort(ctx context.Context)
}

func hasRequest(req Request) bool {
	return req != nil && req.FD() >= 0
}

func requestFD(req Request) int {
	if !hasRequest(req) {
		return -1
	}
	return req.FD()
}

func abortRequest(ctx context.Context, req Request) {
	if !hasRequest(req) {
		return
	}
	req.Abort(ctx)
}
