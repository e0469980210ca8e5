package types

import (
	"context"
)

// Closer releases a kernel object (video node, media node, request).
type Closer interface {
	Close(ctx context.Context) error
}
