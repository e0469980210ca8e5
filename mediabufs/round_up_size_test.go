package mediabufs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundUpSize(t *testing.T) {
	for _, tc := range []struct {
		in  uint64
		out uint64
	}{
		{0, 256},
		{1, 256},
		{255, 256},
		{256, 256},
		{257, 384},
		{300, 384},
		{384, 384},
		{385, 512},
		{512, 512},
		{513, 768},
		{1025, 1536},
		{1536, 1536},
		{1537, 2048},
		{3 << 20, 3 << 20},
	} {
		require.Equal(t, tc.out, RoundUpSize(tc.in), "in: %d", tc.in)
	}
}

func TestRoundUpSizeMonotonic(t *testing.T) {
	prev := RoundUpSize(0)
	for x := uint64(1); x < 1<<16; x++ {
		cur := RoundUpSize(x)
		require.GreaterOrEqual(t, cur, x)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
