package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFourCC(t *testing.T) {
	require.Equal(t, "S264", FourCCH264Slice.String())
	require.Equal(t, FourCC(0x3231564e), FourCCNV12)

	v, err := FourCCFromString("NV12\n")
	require.NoError(t, err)
	require.Equal(t, FourCCNV12, v)

	_, err = FourCCFromString("NV1")
	require.Error(t, err)

	require.Equal(t, "unknown_00000001", FourCC(1).String())

	b, err := FourCCP010.MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, `"P010"`, string(b))

	var parsed FourCC
	require.NoError(t, parsed.UnmarshalYAML(b))
	require.Equal(t, FourCCP010, parsed)
}
