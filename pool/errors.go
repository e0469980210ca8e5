package pool

import (
	"fmt"
)

type ErrPoolFull struct {
	Capacity int
}

func (e ErrPoolFull) Error() string {
	return fmt.Sprintf("the pool is full (capacity: %d)", e.Capacity)
}

type ErrNotInPool struct{}

func (ErrNotInPool) Error() string {
	return "the item is not tracked by the pool"
}

type ErrWrongState struct {
	Expected SlotState
	Actual   SlotState
}

func (e ErrWrongState) Error() string {
	return fmt.Sprintf("the item is %s, expected %s", e.Actual, e.Expected)
}

// ErrPoolEmpty is returned by non-blocking getters when nothing is free.
type ErrPoolEmpty struct{}

func (ErrPoolEmpty) Error() string {
	return "no free item in the pool"
}
