package mediabufs

import (
	"fmt"
)

// Status is the lifecycle tag of a buffer entry.
type Status int

const (
	StatusNew = Status(iota)
	StatusPending
	StatusWaiting
	StatusDone
	StatusError
	StatusImported
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPending:
		return "pending"
	case StatusWaiting:
		return "waiting"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusImported:
		return "imported"
	}
	return fmt.Sprintf("unknown_%d", int(s))
}

// Err translates a terminal status into the result of a wait.
func (s Status) Err() error {
	switch s {
	case StatusDone:
		return nil
	case StatusError:
		return ErrDecodingError{}
	default:
		return ErrOperationFailed{Op: "wait", Err: fmt.Errorf("entry finished in status %s", s)}
	}
}
