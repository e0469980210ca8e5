//go:build linux && (amd64 || arm64)

package v4l2

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/v4l2req/types"
)

func TestFormatRawLayoutMultiplanar(t *testing.T) {
	f := Format{
		Type:        BufTypeVideoCaptureMPlane,
		Width:       1920,
		Height:      1088,
		PixelFormat: types.FourCCNV12,
		Field:       FieldNone,
		Planes: []PlaneFormat{
			{SizeImage: 1920 * 1088, BytesPerLine: 1920},
			{SizeImage: 1920 * 544, BytesPerLine: 1920},
		},
	}

	raw := f.toRaw()
	require.Equal(t, uint32(BufTypeVideoCaptureMPlane), raw.typ)
	require.Equal(t, uint8(2), raw.raw[pixMPNumPlanes])
	require.Equal(t, uint32(1920*544), le.Uint32(raw.raw[pixMPPlaneFmt+pixMPPlaneFmtSize:]))

	require.Equal(t, f, formatFromRaw(&raw))
}

func TestFormatRawLayoutSingleplanar(t *testing.T) {
	f := Format{
		Type:        BufTypeVideoOutput,
		Width:       640,
		Height:      480,
		PixelFormat: types.FourCCH264Slice,
		Planes:      []PlaneFormat{{SizeImage: 786432}},
	}

	raw := f.toRaw()
	require.Equal(t, uint32(786432), le.Uint32(raw.raw[pixSizeImage:]))
	require.Equal(t, f, formatFromRaw(&raw))
}

func TestFormatClone(t *testing.T) {
	f := Format{Planes: []PlaneFormat{{SizeImage: 1}}}
	c := f.Clone()
	c.Planes[0].SizeImage = 2
	require.Equal(t, uint32(1), f.Planes[0].SizeImage)
}
