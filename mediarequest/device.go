package mediarequest

import (
	"context"

	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

// Handle is one kernel request object.
type Handle interface {
	FD() int
	Queue(ctx context.Context) error
	Reinit(ctx context.Context) error
	types.Closer
}

// MediaDevice allocates request objects.
type MediaDevice interface {
	AllocRequest(ctx context.Context) (Handle, error)
	types.Closer
}

type v4l2MediaDevice struct {
	*v4l2.MediaDevice
}

var _ MediaDevice = v4l2MediaDevice{}

func (d v4l2MediaDevice) AllocRequest(ctx context.Context) (Handle, error) {
	r, err := d.MediaDevice.AllocRequest(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}
