package mediarequest

import (
	"context"

	"github.com/xaionaro-go/v4l2req/v4l2/v4l2test"
)

type fakeMediaDevice struct {
	*v4l2test.MediaDevice
}

func (d fakeMediaDevice) AllocRequest(ctx context.Context) (Handle, error) {
	r, err := d.MediaDevice.AllocRequest(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}
