// assert.go provides a panicking assertion for invariants that only break on programming errors.

// Package internal contains helpers shared by v4l2req packages that are not part of the public API.
package internal

import (
	"context"

	"github.com/xaionaro-go/v4l2req/logger"
)

func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	logger.Panic(ctx, "assertion failed", extraArgs)
}
