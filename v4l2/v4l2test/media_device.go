package v4l2test

import (
	"context"

	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

// MediaDevice hands out fake request objects with synthetic descriptors.
type MediaDevice struct {
	Locker xsync.Mutex

	NextFD   int
	AllocErr error
	// FailAllocAfter makes allocation fail once this many requests exist; 0 disables it.
	FailAllocAfter int

	Requests []*Request
	Closed   bool
}

func NewMediaDevice() *MediaDevice {
	return &MediaDevice{NextFD: 2000}
}

func (d *MediaDevice) AllocRequest(ctx context.Context) (*Request, error) {
	return xsync.DoR2(ctx, &d.Locker, func() (*Request, error) {
		if d.AllocErr != nil {
			return nil, d.AllocErr
		}
		if d.FailAllocAfter > 0 && len(d.Requests) >= d.FailAllocAfter {
			return nil, unix.ENOMEM
		}
		r := &Request{fd: d.NextFD}
		d.NextFD++
		d.Requests = append(d.Requests, r)
		return r, nil
	})
}

func (d *MediaDevice) Close(ctx context.Context) error {
	d.Locker.Do(ctx, func() {
		d.Closed = true
	})
	return nil
}

func (d *MediaDevice) IsClosed(ctx context.Context) bool {
	return xsync.DoR1(ctx, &d.Locker, func() bool {
		return d.Closed
	})
}

type Request struct {
	Locker xsync.Mutex

	fd          int
	QueueErr    error
	QueueCount  int
	ReinitCount int
	Closed      bool
}

func (r *Request) FD() int {
	return r.fd
}

func (r *Request) Queue(ctx context.Context) error {
	return xsync.DoR1(ctx, &r.Locker, func() error {
		r.QueueCount++
		if err := r.QueueErr; err != nil {
			r.QueueErr = nil
			return err
		}
		return nil
	})
}

func (r *Request) Reinit(ctx context.Context) error {
	r.Locker.Do(ctx, func() {
		r.ReinitCount++
	})
	return nil
}

func (r *Request) Close(ctx context.Context) error {
	r.Locker.Do(ctx, func() {
		r.Closed = true
	})
	return nil
}

func (r *Request) Counts(ctx context.Context) (queued, reinit int) {
	r.Locker.Do(ctx, func() {
		queued, reinit = r.QueueCount, r.ReinitCount
	})
	return
}
