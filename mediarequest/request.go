package mediarequest

import (
	"context"

	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"go.uber.org/atomic"
)

type Request struct {
	pool        *Pool
	handle      Handle
	task        *pollqueue.Task
	outstanding atomic.Bool
}

// FD is the descriptor to attach buffers and controls to this request;
// it is -1 for a nil request.
func (r *Request) FD() int {
	if r == nil {
		return -1
	}
	return r.handle.FD()
}

// Start is a shorthand for Pool.Start.
func (r *Request) Start(ctx context.Context) error {
	if r == nil {
		return ErrNilRequest{}
	}
	return r.pool.Start(ctx, r)
}

// Abort is a shorthand for Pool.Abort; it does nothing for a nil request.
func (r *Request) Abort(ctx context.Context) {
	if r == nil {
		return
	}
	r.pool.Abort(ctx, r)
}

func (r *Request) onPoll(ctx context.Context, revents pollqueue.Events) {
	counters := r.pool.config.Counters
	if revents == 0 {
		// there is no way to tell a lost completion from a slow device: assume it completed
		logger.Warnf(ctx, "request fd %d timed out; reclaiming it anyway", r.FD())
		counters.PollTimeouts.Add(1)
	}
	if r.pool.reclaim(ctx, r) {
		counters.RequestsCompleted.Add(1)
	}
}
