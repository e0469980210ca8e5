// Package pollqueuetest provides a scheduler driven by hand, for tests.
package pollqueuetest

import (
	"context"
	"time"

	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/xsync"
)

// Manual records armed tasks; nothing fires until the test calls Fire.
type Manual struct {
	locker   xsync.Mutex
	pending  []*pollqueue.Task
	timeouts map[*pollqueue.Task]time.Duration
	AddCount int

	// AddErr, if set, fails the next AddTask.
	AddErr error
}

var _ pollqueue.Scheduler = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{
		timeouts: map[*pollqueue.Task]time.Duration{},
	}
}

func (m *Manual) AddTask(ctx context.Context, t *pollqueue.Task, timeout time.Duration) error {
	return xsync.DoR1(ctx, &m.locker, func() error {
		if err := m.AddErr; err != nil {
			m.AddErr = nil
			return err
		}
		m.AddCount++
		if _, ok := m.timeouts[t]; !ok {
			m.pending = append(m.pending, t)
		}
		m.timeouts[t] = timeout
		return nil
	})
}

// SetAddErr makes the next AddTask fail with err.
func (m *Manual) SetAddErr(ctx context.Context, err error) {
	m.locker.Do(ctx, func() {
		m.AddErr = err
	})
}

func (m *Manual) DeleteTask(ctx context.Context, t *pollqueue.Task) {
	m.locker.Do(ctx, func() {
		m.removeLocked(t)
	})
}

func (m *Manual) removeLocked(t *pollqueue.Task) bool {
	if _, ok := m.timeouts[t]; !ok {
		return false
	}
	delete(m.timeouts, t)
	for i, candidate := range m.pending {
		if candidate == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return true
}

func (m *Manual) Pending(ctx context.Context) []*pollqueue.Task {
	return xsync.DoR1(ctx, &m.locker, func() []*pollqueue.Task {
		return append([]*pollqueue.Task(nil), m.pending...)
	})
}

func (m *Manual) IsPending(ctx context.Context, t *pollqueue.Task) bool {
	return xsync.DoR1(ctx, &m.locker, func() bool {
		_, ok := m.timeouts[t]
		return ok
	})
}

func (m *Manual) Timeout(ctx context.Context, t *pollqueue.Task) time.Duration {
	return xsync.DoR1(ctx, &m.locker, func() time.Duration {
		return m.timeouts[t]
	})
}

// Fire disarms t and runs its callback with revents, as the reactor would.
// It reports false if t was not armed.
func (m *Manual) Fire(ctx context.Context, t *pollqueue.Task, revents pollqueue.Events) bool {
	armed := xsync.DoR1(ctx, &m.locker, func() bool {
		return m.removeLocked(t)
	})
	if !armed {
		return false
	}
	t.Run(ctx, revents)
	return true
}

// FireTimeout simulates expiry of t's deadline.
func (m *Manual) FireTimeout(ctx context.Context, t *pollqueue.Task) bool {
	return m.Fire(ctx, t, 0)
}
