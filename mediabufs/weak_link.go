package mediabufs

import (
	"context"

	"github.com/xaionaro-go/xsync"
)

// weakLink lets entries reach their controller only while it is alive.
// Holders must resolve it with lock and never keep the returned pointer
// past unlock.
type weakLink struct {
	locker     xsync.RWMutex
	controller *Controller
}

func newWeakLink(c *Controller) *weakLink {
	return &weakLink{controller: c}
}

// lock returns nil if the link is broken; otherwise the caller must call unlock.
func (l *weakLink) lock(ctx context.Context) *Controller {
	l.locker.ManualRLock(ctx)
	if l.controller == nil {
		l.locker.ManualRUnlock(ctx)
		return nil
	}
	return l.controller
}

func (l *weakLink) unlock(ctx context.Context) {
	l.locker.ManualRUnlock(ctx)
}

// breakLink waits for current holders to unlock.
func (l *weakLink) breakLink(ctx context.Context) {
	l.locker.ManualLock(ctx)
	defer l.locker.ManualUnlock(ctx)
	l.controller = nil
}
