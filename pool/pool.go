// pool.go implements a bounded arena of items tracked as free or in-use.

// Package pool provides a semaphore-gated pool of reusable items: a FIFO of
// free items that callers can wait on, and an ordered list of items currently
// lent to a device.
package pool

import (
	"context"
	"fmt"

	"github.com/eapache/queue"
	"github.com/xaionaro-go/v4l2req/internal"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sync/semaphore"
)

type SlotState int

const (
	// SlotStateOut means the item is known to the pool but held by a client.
	SlotStateOut = SlotState(iota)
	SlotStateFree
	SlotStateInUse
	SlotStateUnknown
)

func (s SlotState) String() string {
	switch s {
	case SlotStateOut:
		return "out"
	case SlotStateFree:
		return "free"
	case SlotStateInUse:
		return "in_use"
	case SlotStateUnknown:
		return "unknown"
	}
	return fmt.Sprintf("unknown_%d", int(s))
}

type slot[T comparable] struct {
	item  T
	state SlotState
}

// Queue is safe for concurrent use. The semaphore count equals the number of
// free items whenever the lock is not held.
type Queue[T comparable] struct {
	// ResetFunc, if set, is applied to every item put on the free list.
	ResetFunc func(context.Context, T)

	locker    xsync.Mutex
	sem       *semaphore.Weighted
	capacity  int
	slots     []slot[T]
	index     map[T]int
	freeSlots []int
	free      *queue.Queue
	inUse     []int
}

func NewQueue[T comparable](capacity int) *Queue[T] {
	q := &Queue[T]{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		index:    make(map[T]int, capacity),
		free:     queue.New(),
	}
	if !q.sem.TryAcquire(int64(capacity)) {
		panic("a fresh semaphore must be fully acquirable")
	}
	return q
}

func (q *Queue[T]) Capacity() int {
	return q.capacity
}

func (q *Queue[T]) slotOf(item T) (int, error) {
	if idx, ok := q.index[item]; ok {
		return idx, nil
	}
	if len(q.index) >= q.capacity {
		return -1, ErrPoolFull{Capacity: q.capacity}
	}
	var idx int
	if n := len(q.freeSlots); n > 0 {
		idx = q.freeSlots[n-1]
		q.freeSlots = q.freeSlots[:n-1]
		q.slots[idx] = slot[T]{item: item}
	} else {
		idx = len(q.slots)
		q.slots = append(q.slots, slot[T]{item: item})
	}
	q.index[item] = idx
	return idx, nil
}

// PutFree appends item to the free list and wakes one waiter. The item must
// not be free or in use already.
func (q *Queue[T]) PutFree(ctx context.Context, item T) error {
	err := xsync.DoA2R1(ctx, &q.locker, q.putFreeLocked, ctx, item)
	if err != nil {
		return err
	}
	q.sem.Release(1)
	return nil
}

func (q *Queue[T]) putFreeLocked(ctx context.Context, item T) error {
	idx, err := q.slotOf(item)
	if err != nil {
		return err
	}
	if s := q.slots[idx].state; s != SlotStateOut {
		return ErrWrongState{Expected: SlotStateOut, Actual: s}
	}
	if q.ResetFunc != nil {
		q.ResetFunc(ctx, item)
	}
	q.slots[idx].state = SlotStateFree
	q.free.Add(idx)
	return nil
}

// GetFree waits until an item is free and returns the oldest one.
func (q *Queue[T]) GetFree(ctx context.Context) (T, error) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, err
	}
	return xsync.DoA1R1(ctx, &q.locker, q.popFreeLocked, ctx), nil
}

// TryGetFree is the non-blocking version of GetFree.
func (q *Queue[T]) TryGetFree(ctx context.Context) (T, bool) {
	if !q.sem.TryAcquire(1) {
		var zero T
		return zero, false
	}
	return xsync.DoA1R1(ctx, &q.locker, q.popFreeLocked, ctx), true
}

func (q *Queue[T]) popFreeLocked(ctx context.Context) T {
	internal.Assert(ctx, q.free.Length() > 0, "semaphore granted a unit with an empty free list")
	idx := q.free.Remove().(int)
	q.slots[idx].state = SlotStateOut
	return q.slots[idx].item
}

// PutInUse appends item to the in-use list.
func (q *Queue[T]) PutInUse(ctx context.Context, item T) error {
	return xsync.DoA1R1(ctx, &q.locker, func(item T) error {
		idx, err := q.slotOf(item)
		if err != nil {
			return err
		}
		if s := q.slots[idx].state; s != SlotStateOut {
			return ErrWrongState{Expected: SlotStateOut, Actual: s}
		}
		q.slots[idx].state = SlotStateInUse
		q.inUse = append(q.inUse, idx)
		return nil
	}, item)
}

// ExtractInUse removes and returns the oldest in-use item satisfying match.
func (q *Queue[T]) ExtractInUse(ctx context.Context, match func(T) bool) (T, bool) {
	q.locker.ManualLock(ctx)
	defer q.locker.ManualUnlock(ctx)
	for pos, idx := range q.inUse {
		item := q.slots[idx].item
		if !match(item) {
			continue
		}
		q.inUse = append(q.inUse[:pos], q.inUse[pos+1:]...)
		q.slots[idx].state = SlotStateOut
		return item, true
	}
	logger.Tracef(ctx, "no matching in-use item among %d", len(q.inUse))
	var zero T
	return zero, false
}

func (q *Queue[T]) HasInUse(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &q.locker, func() bool {
		return len(q.inUse) > 0
	})
}

// State returns SlotStateUnknown for items the pool does not track.
func (q *Queue[T]) State(ctx context.Context, item T) SlotState {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &q.locker, func() SlotState {
		idx, ok := q.index[item]
		if !ok {
			return SlotStateUnknown
		}
		return q.slots[idx].state
	})
}

// Track registers item as held by a client without putting it on any list.
// It fails with ErrPoolFull if the pool cannot take another item.
func (q *Queue[T]) Track(ctx context.Context, item T) error {
	return xsync.DoA1R1(ctx, &q.locker, func(item T) error {
		_, err := q.slotOf(item)
		return err
	}, item)
}

// Forget stops tracking an item held by a client, releasing its slot.
func (q *Queue[T]) Forget(ctx context.Context, item T) error {
	return xsync.DoR1(ctx, &q.locker, func() error {
		idx, ok := q.index[item]
		if !ok {
			return ErrNotInPool{}
		}
		if s := q.slots[idx].state; s != SlotStateOut {
			return ErrWrongState{Expected: SlotStateOut, Actual: s}
		}
		q.forgetLocked(idx)
		return nil
	})
}

func (q *Queue[T]) forgetLocked(idx int) {
	delete(q.index, q.slots[idx].item)
	q.slots[idx] = slot[T]{}
	q.freeSlots = append(q.freeSlots, idx)
}

// DrainFree removes every free item not already promised to a waiter and
// returns them; the pool stops tracking them.
func (q *Queue[T]) DrainFree(ctx context.Context) []T {
	return xsync.DoR1(ctx, &q.locker, func() []T {
		var result []T
		for q.free.Length() > 0 {
			if !q.sem.TryAcquire(1) {
				break
			}
			idx := q.free.Remove().(int)
			result = append(result, q.slots[idx].item)
			q.forgetLocked(idx)
		}
		return result
	})
}

type Counts struct {
	Free  int
	InUse int
	Out   int
}

func (q *Queue[T]) Counts(ctx context.Context) Counts {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &q.locker, func() Counts {
		free := q.free.Length()
		inUse := len(q.inUse)
		return Counts{
			Free:  free,
			InUse: inUse,
			Out:   len(q.index) - free - inUse,
		}
	})
}
