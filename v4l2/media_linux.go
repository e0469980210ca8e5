//go:build linux && (amd64 || arm64)

// media_linux.go implements the media controller node and its request objects.

package v4l2

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/xaionaro-go/v4l2req/internal"
	"github.com/xaionaro-go/v4l2req/logger"
	"golang.org/x/sys/unix"
)

// MediaDevice is an opened media controller node (/dev/mediaN).
type MediaDevice struct {
	path string
	fd   atomic.Int64
}

func OpenMediaDevice(
	ctx context.Context,
	path string,
) (_ret *MediaDevice, _err error) {
	logger.Debugf(ctx, "OpenMediaDevice(ctx, '%s')", path)
	defer func() { logger.Debugf(ctx, "/OpenMediaDevice(ctx, '%s'): %v", path, _err) }()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	m := &MediaDevice{path: path}
	m.fd.Store(int64(fd))
	return m, nil
}

func (m *MediaDevice) String() string {
	return m.path
}

// AllocRequest asks the kernel for a new request object.
func (m *MediaDevice) AllocRequest(ctx context.Context) (*MediaRequest, error) {
	fd := int(m.fd.Load())
	if fd < 0 {
		return nil, ErrIoctl{Op: "MEDIA_IOC_REQUEST_ALLOC", Err: ErrClosed{}}
	}
	var reqFD int32
	if err := internal.Ioctl(fd, mediaIocRequestAlloc, unsafe.Pointer(&reqFD)); err != nil {
		return nil, ErrIoctl{Op: "MEDIA_IOC_REQUEST_ALLOC", Err: err}
	}
	r := &MediaRequest{}
	r.fd.Store(int64(reqFD))
	return r, nil
}

func (m *MediaDevice) Close(ctx context.Context) error {
	fd := m.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return unix.Close(int(fd))
}

// MediaRequest is a kernel request object. It signals POLLPRI when it completes.
type MediaRequest struct {
	fd atomic.Int64
}

func (r *MediaRequest) FD() int {
	return int(r.fd.Load())
}

func (r *MediaRequest) Queue(ctx context.Context) error {
	if err := internal.Ioctl(r.FD(), mediaRequestIocQueue, nil); err != nil {
		return ErrIoctl{Op: "MEDIA_REQUEST_IOC_QUEUE", Err: err}
	}
	return nil
}

func (r *MediaRequest) Reinit(ctx context.Context) error {
	if err := internal.Ioctl(r.FD(), mediaRequestIocReinit, nil); err != nil {
		return ErrIoctl{Op: "MEDIA_REQUEST_IOC_REINIT", Err: err}
	}
	return nil
}

func (r *MediaRequest) Close(ctx context.Context) error {
	fd := r.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return unix.Close(int(fd))
}
