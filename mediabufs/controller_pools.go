package mediabufs

import (
	"context"
	"errors"

	"github.com/asticode/go-astikit"
	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/pool"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

func (c *Controller) requireFormat(bufType v4l2.BufType, ptr **v4l2.Format) (v4l2.Format, error) {
	f := loadFormat(ptr)
	if !f.IsSet() {
		return v4l2.Format{}, ErrFormatNotSet{BufType: bufType}
	}
	return f.Get(), nil
}

func formatSize(format v4l2.Format) uint64 {
	var total uint64
	for _, p := range format.Planes {
		total += uint64(p.SizeImage)
	}
	return total
}

// CreateSourcePool replaces the free source entries with n new ones sized
// after the negotiated source format. The device may grant fewer buffers
// than asked for; the pool is then smaller. Either all entries are created
// or none.
func (c *Controller) CreateSourcePool(ctx context.Context, n int) (_err error) {
	logger.Debugf(ctx, "CreateSourcePool(ctx, %d)", n)
	defer func() { logger.Debugf(ctx, "/CreateSourcePool(ctx, %d): %v", n, _err) }()

	format, err := c.requireFormat(c.layout.source, &c.sourceFormat)
	if err != nil {
		return err
	}

	for _, e := range c.sources.DrainFree(ctx) {
		e.closePlanes(ctx)
	}

	if n > c.config.MaxEntries {
		logger.Warnf(ctx, "limiting the source pool to %d entries", c.config.MaxEntries)
		n = c.config.MaxEntries
	}
	granted, err := c.device.RequestBuffers(ctx, format.Type, v4l2.MemoryDMABuf, uint32(n))
	if err != nil {
		logger.Errorf(ctx, "unable to request %d source buffers: %v", n, err)
		return ErrOperationFailed{Op: "request source buffers", Err: err}
	}
	if int(granted) < n {
		logger.Infof(ctx, "the device granted only %d of %d source buffers", granted, n)
		n = int(granted)
	}

	fixedSize := !c.SourceResizable()
	rollback := astikit.NewCloser()
	entries := make([]*SourceEntry, 0, n)
	for i := 0; i < n; i++ {
		e := newSourceEntry(uint32(i), fixedSize, c.config.Allocator)
		if err := e.allocFromFormat(ctx, c.config.Allocator, format); err != nil {
			logger.Errorf(ctx, "unable to allocate source entry #%d: %v", i, err)
			_ = rollback.Close()
			if _, err := c.device.RequestBuffers(ctx, format.Type, v4l2.MemoryDMABuf, 0); err != nil {
				logger.Errorf(ctx, "unable to release the source buffers: %v", err)
			}
			return err
		}
		rollback.Add(func() { e.closePlanes(ctx) })
		entries = append(entries, e)
	}

	for _, e := range entries {
		if err := c.sources.PutFree(ctx, e); err != nil {
			logger.Errorf(ctx, "internal error: unable to put %s to the free list: %v", e, err)
			e.closePlanes(ctx)
		}
	}
	logger.Debugf(ctx, "created %d source entries of %s each", n, humanize.IBytes(formatSize(format)))
	return nil
}

// GetFreeSourceEntry waits for a free source entry.
func (c *Controller) GetFreeSourceEntry(ctx context.Context) (*SourceEntry, error) {
	return c.sources.GetFree(ctx)
}

// TryGetFreeSourceEntry returns pool.ErrPoolEmpty instead of waiting.
func (c *Controller) TryGetFreeSourceEntry(ctx context.Context) (*SourceEntry, error) {
	e, ok := c.sources.TryGetFree(ctx)
	if !ok {
		return nil, pool.ErrPoolEmpty{}
	}
	return e, nil
}

// AbortSourceEntry returns an unsubmitted source entry to the free list.
func (c *Controller) AbortSourceEntry(ctx context.Context, e *SourceEntry) {
	if e == nil {
		return
	}
	c.putSourceFree(ctx, e)
}

func (c *Controller) putSourceFree(ctx context.Context, e *SourceEntry) {
	if c.tornDown.Load() {
		logger.Debugf(ctx, "%s is returned after teardown; closing it", e)
		if err := c.sources.Forget(ctx, e); err != nil && !errors.As(err, &pool.ErrNotInPool{}) {
			logger.Errorf(ctx, "unable to forget %s: %v", e, err)
		}
		e.closePlanes(ctx)
		return
	}
	if err := c.sources.PutFree(ctx, e); err != nil {
		logger.Errorf(ctx, "unable to return %s to the free list: %v", e, err)
	}
}

func (c *Controller) newTrackedDestination(ctx context.Context, format v4l2.Format) (*DestinationEntry, error) {
	e := newDestinationEntry(0, c.link)
	if err := c.destinations.Track(ctx, e); err != nil {
		return nil, err
	}
	index, _, err := c.device.CreateBuffers(ctx, v4l2.MemoryDMABuf, format, 1)
	if err != nil {
		logger.Errorf(ctx, "unable to create a destination buffer: %v", err)
		if err := c.destinations.Forget(ctx, e); err != nil {
			logger.Errorf(ctx, "internal error: unable to forget a new destination entry: %v", err)
		}
		return nil, ErrOperationFailed{Op: "create destination buffer", Err: err}
	}
	e.index = index
	return e, nil
}

// CreateDestinationSlots adds n destination entries sized after the
// negotiated destination format. Either all entries are created or none;
// device buffers created before a failure cannot be given back and are only
// released at teardown.
func (c *Controller) CreateDestinationSlots(ctx context.Context, n int) (_err error) {
	logger.Debugf(ctx, "CreateDestinationSlots(ctx, %d)", n)
	defer func() { logger.Debugf(ctx, "/CreateDestinationSlots(ctx, %d): %v", n, _err) }()

	format, err := c.requireFormat(c.layout.destination, &c.destinationFormat)
	if err != nil {
		return err
	}

	rollback := astikit.NewCloser()
	entries := make([]*DestinationEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.newTrackedDestination(ctx, format)
		if err != nil {
			_ = rollback.Close()
			return err
		}
		rollback.Add(func() {
			e.closePlanes(ctx)
			if err := c.destinations.Forget(ctx, e); err != nil {
				logger.Errorf(ctx, "internal error: unable to forget %s: %v", e, err)
			}
		})
		if err := e.allocFromFormat(ctx, c.config.Allocator, format); err != nil {
			logger.Errorf(ctx, "unable to allocate %s: %v", e, err)
			_ = rollback.Close()
			return err
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		if err := c.destinations.PutFree(ctx, e); err != nil {
			logger.Errorf(ctx, "internal error: unable to put %s to the free list: %v", e, err)
		}
	}
	logger.Debugf(ctx, "created %d destination entries of %s each", n, humanize.IBytes(formatSize(format)))
	return nil
}

// GetOrCreateDestinationEntry returns a free destination entry, creating a
// new one if none is free and the pool has room, or waiting otherwise. The
// planes are resized to the current destination format.
func (c *Controller) GetOrCreateDestinationEntry(ctx context.Context) (_ret *DestinationEntry, _err error) {
	logger.Tracef(ctx, "GetOrCreateDestinationEntry")
	defer func() { logger.Tracef(ctx, "/GetOrCreateDestinationEntry: %v %v", _ret, _err) }()

	format, err := c.requireFormat(c.layout.destination, &c.destinationFormat)
	if err != nil {
		return nil, err
	}

	e, ok := c.destinations.TryGetFree(ctx)
	if !ok {
		e, err = c.newTrackedDestination(ctx, format)
		if err != nil {
			if !errors.As(err, &pool.ErrPoolFull{}) {
				return nil, err
			}
			logger.Debugf(ctx, "the destination pool is full; waiting for a free entry")
			e, err = c.destinations.GetFree(ctx)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := e.allocFromFormat(ctx, c.config.Allocator, format); err != nil {
		// the device buffer cannot be uncreated: keep the slot for later
		if err := c.destinations.PutFree(ctx, e); err != nil {
			logger.Errorf(ctx, "internal error: unable to put %s to the free list: %v", e, err)
		}
		return nil, err
	}
	e.acquire(ctx)
	return e, nil
}

// NewImportDestinationEntry creates an entry whose planes the caller imports
// with ImportFD. It takes a pool slot only while submitted and not yet
// released; Release closes it.
func (c *Controller) NewImportDestinationEntry() *DestinationEntry {
	return newImportDestinationEntry(c.link)
}

// putDestinationFree takes back a released destination entry. Imported
// entries and entries returned after teardown are closed instead.
func (c *Controller) putDestinationFree(ctx context.Context, e *DestinationEntry) {
	if e.imported || c.tornDown.Load() {
		if err := c.destinations.Forget(ctx, e); err != nil && !errors.As(err, &pool.ErrNotInPool{}) {
			logger.Errorf(ctx, "internal error: unable to forget %s: %v", e, err)
		}
		e.delete(ctx)
		return
	}
	if err := c.destinations.PutFree(ctx, e); err != nil {
		logger.Errorf(ctx, "unable to return %s to the pool: %v", e, err)
	}
}
