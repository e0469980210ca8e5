//go:build linux

// pollqueue.go implements a single-goroutine poll(2) reactor for one-shot tasks.

// Package pollqueue multiplexes readiness waits on many descriptors onto one
// background goroutine.
package pollqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

type PollQueue struct {
	locker xsync.Mutex
	tasks  []*Task
	wakeFD int
	closed bool

	cancelFn context.CancelFunc
	doneCh   chan struct{}
}

var _ Scheduler = (*PollQueue)(nil)

func New(ctx context.Context) (_ret *PollQueue, _err error) {
	logger.Debugf(ctx, "New")
	defer func() { logger.Debugf(ctx, "/New: %v", _err) }()

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("unable to create an eventfd: %w", err)
	}

	ctx, cancelFn := context.WithCancel(xcontext.DetachDone(ctx))
	pq := &PollQueue{
		wakeFD:   wakeFD,
		cancelFn: cancelFn,
		doneCh:   make(chan struct{}),
	}
	observability.Go(ctx, func(ctx context.Context) {
		defer close(pq.doneCh)
		pq.loop(ctx)
	})
	return pq, nil
}

func (pq *PollQueue) wake(ctx context.Context) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(pq.wakeFD, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		logger.Errorf(ctx, "unable to wake the poll loop: %v", err)
	}
}

func (pq *PollQueue) AddTask(
	ctx context.Context,
	t *Task,
	timeout time.Duration,
) error {
	logger.Tracef(ctx, "AddTask(ctx, %s, %v)", t, timeout)
	err := xsync.DoR1(xsync.WithNoLogging(ctx, true), &pq.locker, func() error {
		if pq.closed {
			return ErrClosed{}
		}
		t.generation++
		t.deadline = time.Time{}
		if timeout > 0 {
			t.deadline = time.Now().Add(timeout)
		}
		if !t.scheduled {
			t.scheduled = true
			pq.tasks = append(pq.tasks, t)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pq.wake(ctx)
	return nil
}

func (pq *PollQueue) DeleteTask(ctx context.Context, t *Task) {
	logger.Tracef(ctx, "DeleteTask(ctx, %s)", t)
	removed := xsync.DoR1(xsync.WithNoLogging(ctx, true), &pq.locker, func() bool {
		return pq.removeLocked(t)
	})
	if removed {
		pq.wake(ctx)
	}
}

func (pq *PollQueue) removeLocked(t *Task) bool {
	if !t.scheduled {
		return false
	}
	t.scheduled = false
	t.generation++
	for i, candidate := range pq.tasks {
		if candidate == t {
			pq.tasks = append(pq.tasks[:i], pq.tasks[i+1:]...)
			break
		}
	}
	return true
}

type armedTask struct {
	task       *Task
	generation uint64
	deadline   time.Time
}

type firedTask struct {
	task    *Task
	revents Events
}

func (pq *PollQueue) loop(ctx context.Context) {
	logger.Debugf(ctx, "loop")
	defer func() { logger.Debugf(ctx, "/loop") }()

	var (
		fds   []unix.PollFd
		armed []armedTask
		fired []firedTask
	)
	for {
		closed := false
		pq.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			if pq.closed {
				closed = true
				return
			}
			fds = append(fds[:0], unix.PollFd{Fd: int32(pq.wakeFD), Events: unix.POLLIN})
			armed = armed[:0]
			for _, t := range pq.tasks {
				fds = append(fds, unix.PollFd{Fd: int32(t.fd), Events: int16(t.events)})
				armed = append(armed, armedTask{task: t, generation: t.generation, deadline: t.deadline})
			}
		})
		if closed {
			return
		}

		_, err := unix.Poll(fds, pollTimeout(armed, time.Now()))
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
			continue
		default:
			logger.Errorf(ctx, "poll failed: %v", err)
			return
		}

		if fds[0].Revents != 0 {
			var b [8]byte
			unix.Read(pq.wakeFD, b[:])
		}

		now := time.Now()
		fired = fired[:0]
		pq.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			for i, a := range armed {
				t := a.task
				if !t.scheduled || t.generation != a.generation {
					continue
				}
				revents := Events(fds[i+1].Revents)
				if revents == 0 && (a.deadline.IsZero() || now.Before(a.deadline)) {
					continue
				}
				pq.removeLocked(t)
				fired = append(fired, firedTask{task: t, revents: revents})
			}
		})

		for _, f := range fired {
			logger.Tracef(ctx, "%s fired: %s", f.task, f.revents)
			f.task.Run(ctx, f.revents)
		}
	}
}

func pollTimeout(armed []armedTask, now time.Time) int {
	var earliest time.Time
	for _, a := range armed {
		if a.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || a.deadline.Before(earliest) {
			earliest = a.deadline
		}
	}
	if earliest.IsZero() {
		return -1
	}
	wait := earliest.Sub(now)
	if wait <= 0 {
		return 0
	}
	ms := (wait + time.Millisecond - 1) / time.Millisecond
	return int(min(ms, math.MaxInt32))
}

// Close stops the loop and waits for it to exit. Pending tasks are dropped
// without their callbacks being run. It must not be called from a callback.
func (pq *PollQueue) Close(ctx context.Context) error {
	logger.Debugf(ctx, "Close")
	defer func() { logger.Debugf(ctx, "/Close") }()

	alreadyClosed := xsync.DoR1(ctx, &pq.locker, func() bool {
		if pq.closed {
			return true
		}
		pq.closed = true
		for _, t := range pq.tasks {
			t.scheduled = false
		}
		pq.tasks = nil
		return false
	})
	if alreadyClosed {
		return nil
	}
	pq.wake(ctx)
	<-pq.doneCh
	pq.cancelFn()
	return unix.Close(pq.wakeFD)
}

type ErrClosed struct{}

func (ErrClosed) Error() string {
	return "the poll queue is closed"
}
