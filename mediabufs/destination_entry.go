package mediabufs

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/v4l2req/dmabuf"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

// DestinationEntry receives decoded output. It may outlive its controller:
// Release then closes it instead of returning it to the pool.
type DestinationEntry struct {
	entryBase

	locker   xsync.Mutex
	waiting  bool
	released bool
	imported bool
	doneCh   chan struct{}
	link     *weakLink
}

func newDestinationEntry(index uint32, link *weakLink) *DestinationEntry {
	return &DestinationEntry{
		entryBase: entryBase{index: index, status: StatusNew},
		link:      link,
	}
}

// newImportDestinationEntry creates an entry whose planes are supplied
// with ImportFD. It never goes to the free list.
func newImportDestinationEntry(link *weakLink) *DestinationEntry {
	e := newDestinationEntry(0, link)
	e.status = StatusImported
	e.imported = true
	return e
}

func (e *DestinationEntry) String() string {
	return fmt.Sprintf("destination#%d", e.index)
}

func (e *DestinationEntry) Status() Status {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &e.locker, func() Status {
		return e.status
	})
}

// markWaiting sets the waiting flag and reports whether it was already set.
func (e *DestinationEntry) markWaiting(ctx context.Context) bool {
	return xsync.DoR1(ctx, &e.locker, func() bool {
		if e.waiting {
			return true
		}
		e.waiting = true
		e.doneCh = make(chan struct{})
		return false
	})
}

// signalDone clears the waiting flag, records status and wakes every waiter.
// It reports true if the holder released the entry while it was waiting;
// the caller then owes the hand-back.
func (e *DestinationEntry) signalDone(ctx context.Context, status Status, ts time.Duration) (_handBack bool) {
	e.locker.Do(ctx, func() {
		e.status = status
		e.timestamp = ts
		if !e.waiting {
			return
		}
		e.waiting = false
		close(e.doneCh)
		_handBack = e.released
	})
	return
}

// acquire marks the entry as held by a client.
func (e *DestinationEntry) acquire(ctx context.Context) {
	e.locker.Do(ctx, func() {
		e.released = false
	})
}

func (e *DestinationEntry) isHeld(ctx context.Context) bool {
	return xsync.DoR1(ctx, &e.locker, func() bool {
		return !e.released
	})
}

func (e *DestinationEntry) resetLocked() {
	e.reset()
	e.released = true
}

func (e *DestinationEntry) setStatus(ctx context.Context, status Status) {
	e.locker.Do(ctx, func() {
		e.status = status
	})
}

func (e *DestinationEntry) isWaiting(ctx context.Context) bool {
	return xsync.DoR1(ctx, &e.locker, func() bool {
		return e.waiting
	})
}

// Wait blocks until the device is done with the entry. It returns nil on
// success and ErrDecodingError if the device flagged the output as broken.
func (e *DestinationEntry) Wait(ctx context.Context) error {
	e.locker.ManualLock(ctx)
	if !e.waiting {
		status := e.status
		e.locker.ManualUnlock(ctx)
		return status.Err()
	}
	doneCh := e.doneCh
	e.locker.ManualUnlock(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
	}
	return e.Status().Err()
}

func (e *DestinationEntry) Timestamp() time.Duration {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &e.locker, func() time.Duration {
		return e.timestamp
	})
}

func (e *DestinationEntry) clearTimestamp(ctx context.Context) {
	e.locker.Do(ctx, func() {
		e.timestamp = 0
	})
}

// ReadStart prepares every plane for CPU reads; on failure the planes
// already prepared are finished again.
func (e *DestinationEntry) ReadStart(ctx context.Context) error {
	n := e.numPlanes()
	for i := 0; i < n; i++ {
		if err := e.planes[i].ReadStart(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if err := e.planes[j].ReadEnd(ctx); err != nil {
					logger.Errorf(ctx, "unable to finish reading plane %d: %v", j, err)
				}
			}
			return ErrAllocationFailed{Err: err}
		}
	}
	return nil
}

func (e *DestinationEntry) ReadStop(ctx context.Context) error {
	var result error
	n := e.numPlanes()
	for i := 0; i < n; i++ {
		if err := e.planes[i].ReadEnd(ctx); err != nil {
			result = ErrOperationFailed{Op: fmt.Sprintf("read end of plane %d", i), Err: err}
		}
	}
	return result
}

// Data maps the plane for CPU access.
func (e *DestinationEntry) Data(ctx context.Context, plane int) ([]byte, error) {
	b := e.Plane(plane)
	if b == nil {
		return nil, ErrOperationFailed{Op: "map", Err: fmt.Errorf("plane %d is not allocated", plane)}
	}
	return b.Map(ctx)
}

// DupFD returns a new descriptor of the plane for export; the caller owns it.
func (e *DestinationEntry) DupFD(ctx context.Context, plane int) (int, error) {
	b := e.Plane(plane)
	if b == nil {
		return -1, ErrOperationFailed{Op: "dup", Err: fmt.Errorf("plane %d is not allocated", plane)}
	}
	return b.DupFD(ctx)
}

// ImportFD attaches an externally allocated buffer as the given plane. It
// takes ownership of fd. Only entries made by Controller.NewImportDestinationEntry
// accept imports, and only into empty planes.
func (e *DestinationEntry) ImportFD(ctx context.Context, plane int, fd int, size uint64) error {
	if plane < 0 || plane >= len(e.planes) {
		return ErrOperationFailed{Op: "import", Err: fmt.Errorf("invalid plane %d", plane)}
	}
	if e.Status() != StatusImported || e.planes[plane] != nil {
		return ErrOperationFailed{Op: "import", Err: fmt.Errorf("plane %d of %s cannot be imported", plane, e)}
	}
	if fd < 0 {
		return ErrAllocationFailed{Size: size, Err: unix.EBADF}
	}
	e.planes[plane] = dmabuf.Import(ctx, fd, size)
	return nil
}

// Release hands the entry back: to its controller's pool if the controller
// is alive, otherwise the entry is closed. An entry still queued on the
// device is handed back once the device is done with it. Imported entries
// are always closed.
func (e *DestinationEntry) Release(ctx context.Context) {
	var twice bool
	now := xsync.DoR1(ctx, &e.locker, func() bool {
		if e.released {
			twice = true
			return false
		}
		e.released = true
		return !e.waiting
	})
	switch {
	case twice:
		logger.Warnf(ctx, "%s is released twice", e)
	case !now:
		logger.Debugf(ctx, "%s is released while queued on the device; it is handed back on completion", e)
	default:
		e.handBack(ctx)
	}
}

func (e *DestinationEntry) handBack(ctx context.Context) {
	if e.link != nil {
		if c := e.link.lock(ctx); c != nil {
			defer e.link.unlock(ctx)
			c.putDestinationFree(ctx, e)
			return
		}
	}
	e.delete(ctx)
}

func (e *DestinationEntry) delete(ctx context.Context) {
	logger.Tracef(ctx, "deleting %s", e)
	e.closePlanes(ctx)
}
