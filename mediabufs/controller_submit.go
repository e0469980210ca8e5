package mediabufs

import (
	"context"

	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"github.com/xaionaro-go/xsync"
)

func (c *Controller) queueBuffer(
	ctx context.Context,
	e *entryBase,
	bufType v4l2.BufType,
	req Request,
	isDestination bool,
	holdCapture bool,
) error {
	buf := v4l2.Buffer{
		Index:     e.index,
		Type:      bufType,
		Memory:    v4l2.MemoryDMABuf,
		Field:     v4l2.FieldNone,
		Timestamp: e.timestamp,
		Planes:    e.v4l2Planes(isDestination),
	}
	if hasRequest(req) {
		buf.Flags |= v4l2.BufFlagRequestFD
		buf.RequestFD = int32(req.FD())
	}
	if holdCapture {
		buf.Flags |= v4l2.BufFlagM2MHoldCaptureBuf
	}
	if err := c.device.QueueBuffer(ctx, buf); err != nil {
		logger.Errorf(ctx, "unable to queue %s buffer #%d: %v", bufType, e.index, err)
		return ErrOperationFailed{Op: "queue " + bufType.String(), Err: err}
	}
	return nil
}

func (c *Controller) wantsPoll(ctx context.Context) bool {
	return c.sources.HasInUse(ctx) || c.destinations.HasInUse(ctx)
}

// armPollLocked schedules the completion poll unless one is armed already.
// The armed poll holds a reference on the controller.
func (c *Controller) armPollLocked(ctx context.Context) error {
	if c.polling || !c.wantsPoll(ctx) {
		return nil
	}
	c.Ref()
	if err := c.scheduler.AddTask(ctx, c.pollTask, c.config.PollTimeout); err != nil {
		c.refCount.Dec()
		return err
	}
	c.polling = true
	return nil
}

// Submit queues dst (if any) and then src to the device, attaching src to
// req, and starts req. src and req are consumed in any case: on failure
// src goes back to the free list and req is aborted. dst is consumed on
// failure too: it is signalled with StatusError and handed back as if
// released. A dst that was already submitted and not completed yet is
// rejected before anything reaches the device and stays with its holder.
// If isFinal is false, the device keeps the destination for the next
// source too.
func (c *Controller) Submit(
	ctx context.Context,
	req Request,
	src *SourceEntry,
	dst *DestinationEntry,
	isFinal bool,
) (_err error) {
	logger.Tracef(ctx, "Submit(ctx, %v, %v, %t)", src, dst, isFinal)
	defer func() { logger.Tracef(ctx, "/Submit(ctx, %v, %v, %t): %v", src, dst, isFinal, _err) }()

	if src == nil {
		abortRequest(ctx, req)
		return ErrNoSourceEntry{}
	}
	if dst != nil && dst.link != c.link {
		abortRequest(ctx, req)
		c.putSourceFree(ctx, src)
		return ErrForeignEntry{Index: dst.index}
	}
	if dst != nil && !dst.isHeld(ctx) {
		abortRequest(ctx, req)
		c.putSourceFree(ctx, src)
		return ErrNotHeld{Index: dst.index}
	}
	if dst != nil && dst.markWaiting(ctx) {
		logger.Infof(ctx, "%s is already waiting for a completion", dst)
		abortRequest(ctx, req)
		c.putSourceFree(ctx, src)
		return ErrAlreadyWaiting{Index: dst.index}
	}

	counters := c.config.Counters
	c.locker.ManualLock(ctx)
	srcBytes, err := c.submitLocked(ctx, req, src, dst, isFinal)
	c.locker.ManualUnlock(ctx)
	if err != nil {
		abortRequest(ctx, req)
		c.putSourceFree(ctx, src)
		if dst != nil {
			if dst.signalDone(ctx, StatusError, 0) {
				dst.handBack(ctx)
			} else {
				dst.Release(ctx)
			}
		}
		counters.Errors.Source.Increment(0)
		return err
	}

	counters.Submitted.Source.Increment(srcBytes)
	if dst != nil {
		counters.Submitted.Destination.Increment(0)
	}
	if !hasRequest(req) {
		return nil
	}
	if err := req.Start(ctx); err != nil {
		logger.Errorf(ctx, "unable to start the request: %v", err)
		return ErrOperationFailed{Op: "start request", Err: err}
	}
	return nil
}

// submitLocked returns the number of source bytes queued. On failure dst
// is no longer in the in-use list, although the device may still hold it.
func (c *Controller) submitLocked(
	ctx context.Context,
	req Request,
	src *SourceEntry,
	dst *DestinationEntry,
	isFinal bool,
) (_srcBytes uint64, _err error) {
	if dst != nil {
		if err := c.destinations.Track(ctx, dst); err != nil {
			return 0, ErrOperationFailed{Op: "track destination", Err: err}
		}
		dst.clearTimestamp(ctx)
		if err := c.queueBuffer(ctx, &dst.entryBase, c.layout.destination, nil, true, false); err != nil {
			return 0, err
		}
		if err := c.destinations.PutInUse(ctx, dst); err != nil {
			return 0, ErrOperationFailed{Op: "track destination", Err: err}
		}
		defer func() {
			if _err == nil {
				return
			}
			// the device still holds it; locally it goes back to the holder
			c.destinations.ExtractInUse(ctx, func(e *DestinationEntry) bool { return e == dst })
		}()
		dst.setStatus(ctx, StatusWaiting)
	}

	// a failure from here on leaves dst queued on the device
	if src.planes[0] == nil {
		return 0, ErrOperationFailed{Op: "queue source", Err: ErrAllocationFailed{}}
	}
	srcBytes := src.planes[0].Len()
	if err := c.queueBuffer(ctx, &src.entryBase, c.layout.source, req, false, !isFinal); err != nil {
		return 0, err
	}
	if err := c.sources.PutInUse(ctx, src); err != nil {
		return 0, ErrOperationFailed{Op: "track source", Err: err}
	}
	src.status = StatusWaiting

	if err := c.armPollLocked(ctx); err != nil {
		// both entries are on the device already; they are reclaimed on
		// the next successful submission
		logger.Errorf(ctx, "unable to schedule the completion poll: %v", err)
	}
	return srcBytes, nil
}

func (c *Controller) numPlanes(ptr **v4l2.Format) int {
	f := loadFormat(ptr)
	if !f.IsSet() || len(f.Get().Planes) == 0 {
		return 1
	}
	return len(f.Get().Planes)
}

func (c *Controller) dequeueSourceLocked(ctx context.Context) *SourceEntry {
	buf, err := c.device.DequeueBuffer(ctx, c.layout.source, v4l2.MemoryDMABuf, c.numPlanes(&c.sourceFormat))
	if err != nil {
		logger.Errorf(ctx, "unable to dequeue a source buffer: %v", err)
		return nil
	}
	fd := int(buf.Planes[0].FD)
	e, ok := c.sources.ExtractInUse(ctx, func(e *SourceEntry) bool {
		return e.firstFD() == fd
	})
	if !ok {
		logger.Errorf(ctx, "dequeued source buffer #%d (fd %d) is not in use", buf.Index, fd)
		return nil
	}
	e.timestamp = buf.Timestamp
	e.status = StatusDone
	if buf.IsError() {
		e.status = StatusError
	}
	return e
}

func (c *Controller) dequeueDestinationLocked(ctx context.Context) (*DestinationEntry, v4l2.Buffer) {
	buf, err := c.device.DequeueBuffer(ctx, c.layout.destination, v4l2.MemoryDMABuf, c.numPlanes(&c.destinationFormat))
	if err != nil {
		logger.Errorf(ctx, "unable to dequeue a destination buffer: %v", err)
		return nil, buf
	}
	fd := int(buf.Planes[0].FD)
	e, ok := c.destinations.ExtractInUse(ctx, func(e *DestinationEntry) bool {
		return e.firstFD() == fd
	})
	if !ok {
		logger.Errorf(ctx, "dequeued destination buffer #%d (fd %d) is not in use", buf.Index, fd)
		return nil, buf
	}
	return e, buf
}

// onPoll runs on the reactor goroutine and must not block.
func (c *Controller) onPoll(ctx context.Context, revents pollqueue.Events) {
	logger.Tracef(ctx, "onPoll(ctx, %s)", revents)
	defer func() { logger.Tracef(ctx, "/onPoll(ctx, %s)", revents) }()

	counters := c.config.Counters
	if revents == 0 {
		logger.Warnf(ctx, "%s: no completion within %v", c, c.config.PollTimeout)
		counters.PollTimeouts.Add(1)
	}

	var (
		src         *SourceEntry
		dst         *DestinationEntry
		dstBuf      v4l2.Buffer
		rescheduled bool
	)
	c.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		c.polling = false
		if revents&pollqueue.EventOut != 0 {
			src = c.dequeueSourceLocked(ctx)
		}
		if revents&pollqueue.EventIn != 0 {
			dst, dstBuf = c.dequeueDestinationLocked(ctx)
		}
		if !c.wantsPoll(ctx) {
			return
		}
		if err := c.scheduler.AddTask(ctx, c.pollTask, c.config.PollTimeout); err != nil {
			logger.Errorf(ctx, "unable to reschedule the completion poll: %v", err)
			return
		}
		c.polling = true
		rescheduled = true
	})

	if src != nil {
		if src.status == StatusError {
			counters.Errors.Source.Increment(src.planes[0].Len())
		} else {
			counters.Completed.Source.Increment(src.planes[0].Len())
		}
		c.putSourceFree(ctx, src)
	}
	if dst != nil {
		status := StatusDone
		if dstBuf.IsError() {
			status = StatusError
			counters.Errors.Destination.Increment(0)
		} else {
			var bytes uint64
			for _, p := range dstBuf.Planes {
				bytes += uint64(p.BytesUsed)
			}
			counters.Completed.Destination.Increment(bytes)
		}
		for i, p := range dstBuf.Planes {
			if b := dst.Plane(i); b != nil {
				b.SetLen(uint64(p.BytesUsed))
			}
		}
		if dst.signalDone(ctx, status, dstBuf.Timestamp) {
			dst.handBack(ctx)
		}
	}
	if !rescheduled {
		c.Unref(ctx)
	}
}
