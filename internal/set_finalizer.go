// set_finalizer.go provides leak finalizers for objects owning kernel handles.

package internal

import (
	"context"
	"runtime"

	"github.com/xaionaro-go/v4l2req/logger"
)

// SetLeakFinalizer arranges for closer to be invoked if obj is garbage-collected
// without being closed explicitly. A leak is reported at Error level.
func SetLeakFinalizer[T any](
	ctx context.Context,
	obj *T,
	closer func(*T) error,
) {
	runtime.SetFinalizer(obj, func(obj *T) {
		logger.Errorf(ctx, "%T was garbage-collected without being closed", obj)
		if err := closer(obj); err != nil {
			logger.Errorf(ctx, "unable to close the leaked %T: %v", obj, err)
		}
	})
}

// ClearFinalizer removes a finalizer set by SetLeakFinalizer.
func ClearFinalizer[T any](obj *T) {
	runtime.SetFinalizer(obj, nil)
}
