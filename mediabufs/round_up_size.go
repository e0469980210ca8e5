package mediabufs

import (
	"math/bits"
)

const minBufferSize = 256

// RoundUpSize returns the capacity to allocate for x bytes: at least 256,
// otherwise the smallest 3*2^n or 4*2^n not below x.
func RoundUpSize(x uint64) uint64 {
	if x <= minBufferSize {
		return minBufferSize
	}
	pow2 := uint64(1) << bits.Len64(x-1)
	if threeQuarters := pow2 / 4 * 3; threeQuarters >= x {
		return threeQuarters
	}
	return pow2
}
