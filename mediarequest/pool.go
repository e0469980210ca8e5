// pool.go implements a fixed set of reusable media requests.

// Package mediarequest manages the one-shot request objects a stateless codec
// uses to bind controls and buffers into a single submission.
package mediarequest

import (
	"context"
	"fmt"
	"time"

	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/v4l2req/pool"
	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"go.uber.org/atomic"
)

const DefaultPollTimeout = 2 * time.Second

type Config struct {
	// PollTimeout bounds the completion wait of a started request.
	PollTimeout time.Duration

	// Counters, if set, receives request statistics; it may be shared with
	// a buffer controller.
	Counters *types.Counters
}

func (cfg Config) withDefaults() Config {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Counters == nil {
		cfg.Counters = &types.Counters{}
	}
	return cfg
}

type Pool struct {
	config    Config
	device    MediaDevice
	scheduler pollqueue.Scheduler
	requests  []*Request
	free      *pool.Queue[*Request]
	closed    atomic.Bool
}

// OpenPool opens the media node at path and allocates n requests on it.
func OpenPool(
	ctx context.Context,
	path string,
	scheduler pollqueue.Scheduler,
	n int,
	cfg Config,
) (*Pool, error) {
	dev, err := v4l2.OpenMediaDevice(ctx, path)
	if err != nil {
		return nil, err
	}
	p, err := NewPool(logger.WithField(ctx, "media_path", path), v4l2MediaDevice{dev}, scheduler, n, cfg)
	if err != nil {
		dev.Close(ctx)
		return nil, err
	}
	return p, nil
}

// NewPool allocates n requests on dev. On success the pool owns dev; on
// failure every request allocated so far is closed and dev is left open.
func NewPool(
	ctx context.Context,
	dev MediaDevice,
	scheduler pollqueue.Scheduler,
	n int,
	cfg Config,
) (_ret *Pool, _err error) {
	logger.Debugf(ctx, "NewPool(ctx, %d)", n)
	defer func() { logger.Debugf(ctx, "/NewPool(ctx, %d): %v", n, _err) }()

	p := &Pool{
		config:    cfg.withDefaults(),
		device:    dev,
		scheduler: scheduler,
		requests:  make([]*Request, 0, n),
		free:      pool.NewQueue[*Request](n),
	}
	for i := 0; i < n; i++ {
		h, err := dev.AllocRequest(ctx)
		if err != nil {
			p.closeRequests(ctx)
			return nil, ErrAllocRequest{Index: i, Err: err}
		}
		req := &Request{pool: p, handle: h}
		req.task = pollqueue.NewTask(h.FD(), pollqueue.EventPri, req.onPoll)
		p.requests = append(p.requests, req)
		if err := p.free.PutFree(ctx, req); err != nil {
			p.closeRequests(ctx)
			return nil, fmt.Errorf("internal error: unable to put request #%d to the free list: %w", i, err)
		}
	}
	return p, nil
}

func (p *Pool) closeRequests(ctx context.Context) {
	for _, req := range p.requests {
		if err := req.handle.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close request fd %d: %v", req.handle.FD(), err)
		}
	}
	p.requests = nil
}

// Get waits for a free request. It fails only if ctx is done or the pool is closed.
func (p *Pool) Get(ctx context.Context) (*Request, error) {
	if p.closed.Load() {
		return nil, ErrClosed{}
	}
	req, err := p.free.GetFree(ctx)
	if err != nil {
		return nil, err
	}
	req.outstanding.Store(true)
	logger.Tracef(ctx, "got request fd %d", req.FD())
	return req, nil
}

// Start queues req to the device and arms the completion wait. On failure
// the request remains outstanding: the caller must Abort it.
func (p *Pool) Start(ctx context.Context, req *Request) (_err error) {
	logger.Tracef(ctx, "Start(ctx, fd:%d)", req.FD())
	defer func() { logger.Tracef(ctx, "/Start(ctx, fd:%d): %v", req.FD(), _err) }()

	if err := req.handle.Queue(ctx); err != nil {
		logger.Errorf(ctx, "unable to queue request fd %d: %v", req.FD(), err)
		return ErrStart{Err: err}
	}
	if err := p.scheduler.AddTask(ctx, req.task, p.config.PollTimeout); err != nil {
		return ErrStart{Err: err}
	}
	p.config.Counters.RequestsStarted.Add(1)
	return nil
}

// Abort reclaims an outstanding request, started or not. Aborting a request
// that is already free does nothing.
func (p *Pool) Abort(ctx context.Context, req *Request) {
	if req == nil {
		return
	}
	logger.Tracef(ctx, "Abort(ctx, fd:%d)", req.FD())
	p.scheduler.DeleteTask(ctx, req.task)
	if p.reclaim(ctx, req) {
		p.config.Counters.RequestsAborted.Add(1)
	}
}

func (p *Pool) reclaim(ctx context.Context, req *Request) bool {
	if !req.outstanding.CompareAndSwap(true, false) {
		return false
	}
	if err := req.handle.Reinit(ctx); err != nil {
		logger.Errorf(ctx, "unable to reinit media request fd %d: %v", req.FD(), err)
	}
	if err := p.free.PutFree(ctx, req); err != nil {
		logger.Errorf(ctx, "internal error: unable to return request fd %d to the free list: %v", req.FD(), err)
		return false
	}
	return true
}

// Close requires that no request is outstanding. It closes every request and the media device.
func (p *Pool) Close(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close: %v", _err) }()

	if counts := p.free.Counts(ctx); counts.Out > 0 {
		return ErrRequestsOutstanding{Count: counts.Out}
	}
	if p.closed.Swap(true) {
		return nil
	}
	p.free.DrainFree(ctx)
	p.closeRequests(ctx)
	return p.device.Close(ctx)
}

type Stats struct {
	Total       int
	Free        int
	Outstanding int
}

func (p *Pool) Stats(ctx context.Context) Stats {
	counts := p.free.Counts(ctx)
	return Stats{
		Total:       len(p.requests),
		Free:        counts.Free,
		Outstanding: counts.Out,
	}
}

func (p *Pool) Counters() *types.Counters {
	return p.config.Counters
}
