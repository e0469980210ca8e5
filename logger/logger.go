// Package logger routes v4l2req diagnostics to the go-belt logger carried
// by the context.
package logger

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

func Debugf(ctx context.Context, format string, args ...any) {
	logger.Debugf(ctx, format, args...)
}

func Infof(ctx context.Context, format string, args ...any) {
	logger.Infof(ctx, format, args...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	logger.Warnf(ctx, format, args...)
}

// Errorf is for failed device calls; a caller seeing the returned error
// may still want the device context logged.
func Errorf(ctx context.Context, format string, args ...any) {
	logger.Errorf(ctx, format, args...)
}

// Panic logs and panics; it is reserved for broken internal invariants.
func Panic(ctx context.Context, values ...any) {
	logger.Panic(ctx, values...)
}
