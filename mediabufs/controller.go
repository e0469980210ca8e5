// controller.go implements the owner of a codec session: the video node,
// both buffer pools and the completion polling.

// Package mediabufs manages the buffers a stateless V4L2 codec consumes and
// produces: it negotiates formats, keeps free and in-flight entries per
// direction and reclaims them as the device completes requests.
package mediabufs

import (
	"context"
	"fmt"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/go-ng/xatomic"
	"github.com/xaionaro-go/typing"
	"github.com/xaionaro-go/v4l2req/dmabuf"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/v4l2req/pool"
	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"github.com/xaionaro-go/xsync"
	"go.uber.org/atomic"
)

const (
	DefaultVideoPath   = "/dev/video0"
	DefaultPollTimeout = 2 * time.Second
	DefaultMaxEntries  = 64
)

type Config struct {
	// PollTimeout bounds every wait for a completion.
	PollTimeout time.Duration

	// MaxEntries caps the number of entries per direction.
	MaxEntries int

	// Allocator backs the planes of every entry.
	Allocator dmabuf.Allocator

	// Counters, if set, receives traffic statistics.
	Counters *types.Counters
}

func (cfg Config) withDefaults() Config {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Allocator == nil {
		cfg.Allocator = dmabuf.MemfdAllocator{}
	}
	if cfg.Counters == nil {
		cfg.Counters = &types.Counters{}
	}
	return cfg
}

// Controller is reference counted: it is created with one reference and is
// torn down when the last one is dropped. An armed completion poll holds a
// reference of its own.
type Controller struct {
	config       Config
	device       Device
	scheduler    pollqueue.Scheduler
	capabilities v4l2.Capabilities
	layout       queueLayout
	pollTask     *pollqueue.Task
	link         *weakLink
	closer       *astikit.Closer
	refCount     atomic.Int64
	tornDown     atomic.Bool

	// locker guards the stream state and the decision to arm a poll.
	locker   xsync.Mutex
	streamOn bool
	polling  bool

	sources      *pool.Queue[*SourceEntry]
	destinations *pool.Queue[*DestinationEntry]

	sourceFormat      *v4l2.Format
	destinationFormat *v4l2.Format
}

// Open opens the video node at path and creates a controller on it. If
// cfg.Allocator is nil, a DMA heap is used, or memfd if no heap is available.
func Open(
	ctx context.Context,
	path string,
	scheduler pollqueue.Scheduler,
	cfg Config,
) (_ret *Controller, _err error) {
	if path == "" {
		path = DefaultVideoPath
	}
	ctx = logger.WithField(ctx, "video_path", path)
	logger.Debugf(ctx, "Open")
	defer func() { logger.Debugf(ctx, "/Open: %v", _err) }()

	dev, err := v4l2.OpenDevice(ctx, path)
	if err != nil {
		return nil, err
	}

	var heap *dmabuf.HeapAllocator
	if cfg.Allocator == nil {
		heap, err = dmabuf.OpenHeap(ctx)
		switch {
		case err == nil:
			cfg.Allocator = heap
		default:
			heap = nil
			logger.Warnf(ctx, "no DMA heap is available, falling back to memfd buffers: %v", err)
		}
	}

	c, err := New(ctx, dev, scheduler, cfg)
	if err != nil {
		if heap != nil {
			if err := heap.Close(ctx); err != nil {
				logger.Errorf(ctx, "unable to close the DMA heap: %v", err)
			}
		}
		if err := dev.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close %s: %v", path, err)
		}
		return nil, err
	}
	if heap != nil {
		c.closer.Add(func() {
			if err := heap.Close(ctx); err != nil {
				logger.Errorf(ctx, "unable to close the DMA heap: %v", err)
			}
		})
	}
	return c, nil
}

// New creates a controller on an opened video node. On success the
// controller owns dev.
func New(
	ctx context.Context,
	dev Device,
	scheduler pollqueue.Scheduler,
	cfg Config,
) (_ret *Controller, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v", _err) }()

	caps, err := dev.QueryCapabilities(ctx)
	if err != nil {
		return nil, ErrOperationFailed{Op: "query capabilities", Err: err}
	}
	layout, err := layoutFromCapabilities(caps)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		return nil, err
	}
	logger.Debugf(ctx, "device '%s' (%s): %s layout", caps.Card, caps.Driver, layout.kind)

	cfg = cfg.withDefaults()
	c := &Controller{
		config:       cfg,
		device:       dev,
		scheduler:    scheduler,
		capabilities: caps,
		layout:       layout,
		closer:       astikit.NewCloser(),
		sources:      pool.NewQueue[*SourceEntry](cfg.MaxEntries),
		destinations: pool.NewQueue[*DestinationEntry](cfg.MaxEntries),
	}
	c.sources.ResetFunc = func(_ context.Context, e *SourceEntry) {
		e.reset()
	}
	c.destinations.ResetFunc = func(ctx context.Context, e *DestinationEntry) {
		e.locker.Do(xsync.WithNoLogging(ctx, true), e.resetLocked)
	}
	c.refCount.Store(1)
	c.link = newWeakLink(c)
	c.pollTask = pollqueue.NewTask(dev.FD(), pollqueue.EventIn|pollqueue.EventOut, c.onPoll)
	c.closer.Add(func() {
		if err := dev.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the video device: %v", err)
		}
	})
	return c, nil
}

func (c *Controller) String() string {
	return fmt.Sprintf("mediabufs(fd:%d)", c.device.FD())
}

// Ref adds a reference; every Ref must be paired with Unref.
func (c *Controller) Ref() *Controller {
	c.refCount.Inc()
	return c
}

// Unref drops a reference and tears the controller down with the last one.
func (c *Controller) Unref(ctx context.Context) {
	n := c.refCount.Dec()
	switch {
	case n > 0:
		return
	case n < 0:
		logger.Errorf(ctx, "internal error: %s is unreferenced more times than referenced (%d)", c, n)
		return
	}
	c.teardown(ctx)
}

func (c *Controller) teardown(ctx context.Context) {
	logger.Debugf(ctx, "teardown")
	defer func() { logger.Debugf(ctx, "/teardown") }()

	c.tornDown.Store(true)
	c.link.breakLink(ctx)
	c.scheduler.DeleteTask(ctx, c.pollTask)

	if err := c.StreamOff(ctx); err != nil {
		logger.Errorf(ctx, "unable to stop streaming: %v", err)
	}
	for _, bufType := range []v4l2.BufType{c.layout.source, c.layout.destination} {
		if _, err := c.device.RequestBuffers(ctx, bufType, v4l2.MemoryDMABuf, 0); err != nil {
			logger.Errorf(ctx, "unable to release the %s buffers: %v", bufType, err)
		}
	}

	for _, e := range drainPool(ctx, c.sources) {
		e.closePlanes(ctx)
	}
	for _, e := range c.destinations.DrainFree(ctx) {
		e.delete(ctx)
	}
	for _, e := range drainInUse(ctx, c.destinations) {
		// an unreleased entry is closed by its holder's Release
		if e.signalDone(ctx, StatusError, 0) {
			e.delete(ctx)
		}
	}

	if err := c.closer.Close(); err != nil {
		logger.Errorf(ctx, "unable to close %s: %v", c, err)
	}
}

// drainPool removes every free and in-use item; items held by clients stay with them.
func drainPool[T comparable](ctx context.Context, q *pool.Queue[T]) []T {
	return append(q.DrainFree(ctx), drainInUse(ctx, q)...)
}

func drainInUse[T comparable](ctx context.Context, q *pool.Queue[T]) []T {
	var result []T
	for {
		item, ok := q.ExtractInUse(ctx, func(T) bool { return true })
		if !ok {
			break
		}
		if err := q.Forget(ctx, item); err != nil {
			logger.Errorf(ctx, "internal error: unable to forget an in-use item: %v", err)
		}
		result = append(result, item)
	}
	return result
}

func (c *Controller) Capabilities() v4l2.Capabilities {
	return c.capabilities
}

// SourceBufType is the buffer type compressed data is queued with.
func (c *Controller) SourceBufType() v4l2.BufType {
	return c.layout.source
}

// DestinationBufType is the buffer type decoded frames are queued with.
func (c *Controller) DestinationBufType() v4l2.BufType {
	return c.layout.destination
}

func (c *Controller) SourceFormat() typing.Optional[v4l2.Format] {
	return loadFormat(&c.sourceFormat)
}

func (c *Controller) DestinationFormat() typing.Optional[v4l2.Format] {
	return loadFormat(&c.destinationFormat)
}

func loadFormat(ptr **v4l2.Format) typing.Optional[v4l2.Format] {
	f := xatomic.LoadPointer(ptr)
	if f == nil {
		return typing.Optional[v4l2.Format]{}
	}
	return typing.Opt(f.Clone())
}

func storeFormat(ptr **v4l2.Format, format v4l2.Format) {
	format = format.Clone()
	xatomic.StorePointer(ptr, &format)
}

// SourceResizable reports whether the device accepts source buffers larger
// than negotiated; only the multi-planar API does.
func (c *Controller) SourceResizable() bool {
	bufType := c.layout.source
	if f := c.SourceFormat(); f.IsSet() {
		bufType = f.Get().Type
	}
	return bufType.IsMultiplanar()
}

// Config returns the configuration with defaults applied.
func (c *Controller) Config() Config {
	return c.config
}

type Stats struct {
	Sources      pool.Counts
	Destinations pool.Counts
	StreamOn     bool
	Polling      bool
	Traffic      types.Statistics
}

func (c *Controller) Stats(ctx context.Context) Stats {
	s := Stats{
		Sources:      c.sources.Counts(ctx),
		Destinations: c.destinations.Counts(ctx),
		Traffic:      c.config.Counters.ToStats(),
	}
	c.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		s.StreamOn = c.streamOn
		s.Polling = c.polling
	})
	return s
}
