package mediabufs

import (
	"context"

	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"github.com/xaionaro-go/xsync"
)

// StreamOn starts both queues; if the destination queue fails, the source
// queue is stopped again. It does nothing if streaming is already on.
func (c *Controller) StreamOn(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "StreamOn")
	defer func() { logger.Debugf(ctx, "/StreamOn: %v", _err) }()
	return xsync.DoA1R1(ctx, &c.locker, c.streamOnLocked, ctx)
}

func (c *Controller) streamOnLocked(ctx context.Context) error {
	if c.streamOn {
		return nil
	}
	if err := c.device.StreamOn(ctx, c.layout.source); err != nil {
		logger.Errorf(ctx, "unable to start streaming %s: %v", c.layout.source, err)
		return ErrOperationFailed{Op: "stream on " + c.layout.source.String(), Err: err}
	}
	if err := c.device.StreamOn(ctx, c.layout.destination); err != nil {
		logger.Errorf(ctx, "unable to start streaming %s: %v", c.layout.destination, err)
		if err := c.device.StreamOff(ctx, c.layout.source); err != nil {
			logger.Errorf(ctx, "unable to stop streaming %s: %v", c.layout.source, err)
		}
		return ErrOperationFailed{Op: "stream on " + c.layout.destination.String(), Err: err}
	}
	c.streamOn = true
	return nil
}

// StreamOff stops both queues; the device drops whatever is queued. It
// does nothing if streaming is off.
func (c *Controller) StreamOff(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "StreamOff")
	defer func() { logger.Debugf(ctx, "/StreamOff: %v", _err) }()
	return xsync.DoA1R1(ctx, &c.locker, c.streamOffLocked, ctx)
}

func (c *Controller) streamOffLocked(ctx context.Context) error {
	if !c.streamOn {
		return nil
	}
	var result error
	for _, bufType := range []v4l2.BufType{c.layout.source, c.layout.destination} {
		if err := c.device.StreamOff(ctx, bufType); err != nil {
			logger.Errorf(ctx, "unable to stop streaming %s: %v", bufType, err)
			result = ErrOperationFailed{Op: "stream off " + bufType.String(), Err: err}
		}
	}
	c.streamOn = false
	return result
}

func (c *Controller) IsStreaming(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &c.locker, func() bool {
		return c.streamOn
	})
}
