package internal

import (
	"golang.org/x/exp/constraints"
)

// AlignUp rounds v up to a multiple of align; align must be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}
