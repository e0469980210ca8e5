package mediabufs

import (
	"context"

	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

// SetExtControls applies ctrls to req, or to the device right away if req is nil.
func (c *Controller) SetExtControls(ctx context.Context, req Request, ctrls []v4l2.ExtControl) error {
	if err := c.device.SetExtControls(ctx, requestFD(req), ctrls); err != nil {
		logger.Errorf(ctx, "unable to set %d controls: %v", len(ctrls), err)
		return ErrOperationFailed{Op: "set controls", Err: err}
	}
	return nil
}

// SetExtControl sets one compound control.
func (c *Controller) SetExtControl(ctx context.Context, req Request, id uint32, payload []byte) error {
	return c.SetExtControls(ctx, req, []v4l2.ExtControl{{ID: id, Payload: payload}})
}

// GetExtControls reads control values into ctrls.
func (c *Controller) GetExtControls(ctx context.Context, req Request, ctrls []v4l2.ExtControl) error {
	if err := c.device.GetExtControls(ctx, requestFD(req), ctrls); err != nil {
		logger.Errorf(ctx, "unable to get %d controls: %v", len(ctrls), err)
		return ErrOperationFailed{Op: "get controls", Err: err}
	}
	return nil
}

// QueryExtControls describes every control in ids. It is meant for probing:
// an unknown control gets a zero Type, the rest are still queried, and the
// last failure is returned.
func (c *Controller) QueryExtControls(ctx context.Context, ids []uint32) ([]v4l2.QueryExtControl, error) {
	result := make([]v4l2.QueryExtControl, len(ids))
	var lastErr error
	for i, id := range ids {
		q, err := c.device.QueryExtControl(ctx, id)
		if err != nil {
			logger.Debugf(ctx, "unable to query control 0x%x: %v", id, err)
			result[i] = v4l2.QueryExtControl{ID: id}
			lastErr = ErrOperationFailed{Op: "query control", Err: err}
			continue
		}
		result[i] = q
	}
	return result, lastErr
}
