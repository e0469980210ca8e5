package logger

import (
	"context"

	"github.com/facebookincubator/go-belt"
)

// WithField attaches a structured field (video_path, media_path, ...) to
// every entry logged through the returned context.
func WithField(ctx context.Context, key string, value any) context.Context {
	return belt.WithField(ctx, key, value)
}
