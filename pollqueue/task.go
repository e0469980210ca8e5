package pollqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Events is a poll(2) event mask.
type Events int16

const (
	EventIn  = Events(unix.POLLIN)
	EventPri = Events(unix.POLLPRI)
	EventOut = Events(unix.POLLOUT)
	EventErr = Events(unix.POLLERR)
	EventHup = Events(unix.POLLHUP)
)

func (e Events) String() string {
	if e == 0 {
		return "timeout"
	}
	var parts []string
	for _, ev := range []struct {
		bit  Events
		name string
	}{
		{EventIn, "in"},
		{EventPri, "pri"},
		{EventOut, "out"},
		{EventErr, "err"},
		{EventHup, "hup"},
	} {
		if e&ev.bit != 0 {
			parts = append(parts, ev.name)
			e &^= ev.bit
		}
	}
	if e != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(e)))
	}
	return strings.Join(parts, "|")
}

// Callback receives the observed events, or zero if the wait timed out.
// It runs on the reactor goroutine and must not block.
type Callback func(ctx context.Context, revents Events)

// Task is a one-shot wait for events on a descriptor. After its callback has
// run it must be re-added to wait again.
type Task struct {
	fd       int
	events   Events
	callback Callback

	// guarded by the owning scheduler
	scheduled  bool
	generation uint64
	deadline   time.Time
}

func NewTask(fd int, events Events, callback Callback) *Task {
	return &Task{
		fd:       fd,
		events:   events,
		callback: callback,
	}
}

func (t *Task) FD() int {
	return t.fd
}

func (t *Task) Events() Events {
	return t.events
}

func (t *Task) String() string {
	return fmt.Sprintf("task(fd:%d, events:%s)", t.fd, t.events)
}

// Run invokes the callback directly; schedulers call it when the wait ends.
func (t *Task) Run(ctx context.Context, revents Events) {
	t.callback(ctx, revents)
}

// Scheduler is what owners of tasks need from a reactor.
type Scheduler interface {
	// AddTask arms t; a non-positive timeout waits forever.
	AddTask(ctx context.Context, t *Task, timeout time.Duration) error
	// DeleteTask disarms t without waiting for a running callback.
	DeleteTask(ctx context.Context, t *Task)
}
