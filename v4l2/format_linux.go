//go:build linux && (amd64 || arm64)

package v4l2

import (
	"encoding/binary"

	"github.com/xaionaro-go/v4l2req/types"
)

// Offsets inside the union of struct v4l2_format.
const (
	pixWidth        = 0
	pixHeight       = 4
	pixPixelformat  = 8
	pixField        = 12
	pixBytesPerLine = 16
	pixSizeImage    = 20
	pixColorspace   = 24
	pixFlags        = 32
	pixYCbCrEnc     = 36
	pixQuantization = 40
	pixXferFunc     = 44

	pixMPColorspace   = 16
	pixMPPlaneFmt     = 20
	pixMPPlaneFmtSize = 20
	pixMPNumPlanes    = 180
	pixMPFlags        = 181
	pixMPYCbCrEnc     = 182
	pixMPQuantization = 183
	pixMPXferFunc     = 184
)

var le = binary.LittleEndian

func (f Format) toRaw() v4l2Format {
	var raw v4l2Format
	raw.typ = uint32(f.Type)
	b := raw.raw[:]
	le.PutUint32(b[pixWidth:], f.Width)
	le.PutUint32(b[pixHeight:], f.Height)
	le.PutUint32(b[pixPixelformat:], uint32(f.PixelFormat))
	le.PutUint32(b[pixField:], f.Field)

	if !f.Type.IsMultiplanar() {
		if len(f.Planes) > 0 {
			le.PutUint32(b[pixBytesPerLine:], f.Planes[0].BytesPerLine)
			le.PutUint32(b[pixSizeImage:], f.Planes[0].SizeImage)
		}
		le.PutUint32(b[pixColorspace:], f.ColorSpace)
		le.PutUint32(b[pixFlags:], f.Flags)
		le.PutUint32(b[pixYCbCrEnc:], f.YCbCrEnc)
		le.PutUint32(b[pixQuantization:], f.Quantization)
		le.PutUint32(b[pixXferFunc:], f.XferFunc)
		return raw
	}

	le.PutUint32(b[pixMPColorspace:], f.ColorSpace)
	numPlanes := min(len(f.Planes), MaxPlanes)
	for i := 0; i < numPlanes; i++ {
		off := pixMPPlaneFmt + i*pixMPPlaneFmtSize
		le.PutUint32(b[off:], f.Planes[i].SizeImage)
		le.PutUint32(b[off+4:], f.Planes[i].BytesPerLine)
	}
	b[pixMPNumPlanes] = uint8(numPlanes)
	b[pixMPFlags] = uint8(f.Flags)
	b[pixMPYCbCrEnc] = uint8(f.YCbCrEnc)
	b[pixMPQuantization] = uint8(f.Quantization)
	b[pixMPXferFunc] = uint8(f.XferFunc)
	return raw
}

func formatFromRaw(raw *v4l2Format) Format {
	b := raw.raw[:]
	f := Format{
		Type:        BufType(raw.typ),
		Width:       le.Uint32(b[pixWidth:]),
		Height:      le.Uint32(b[pixHeight:]),
		PixelFormat: types.FourCC(le.Uint32(b[pixPixelformat:])),
		Field:       le.Uint32(b[pixField:]),
	}

	if !f.Type.IsMultiplanar() {
		f.Planes = []PlaneFormat{{
			BytesPerLine: le.Uint32(b[pixBytesPerLine:]),
			SizeImage:    le.Uint32(b[pixSizeImage:]),
		}}
		f.ColorSpace = le.Uint32(b[pixColorspace:])
		f.Flags = le.Uint32(b[pixFlags:])
		f.YCbCrEnc = le.Uint32(b[pixYCbCrEnc:])
		f.Quantization = le.Uint32(b[pixQuantization:])
		f.XferFunc = le.Uint32(b[pixXferFunc:])
		return f
	}

	f.ColorSpace = le.Uint32(b[pixMPColorspace:])
	numPlanes := min(int(b[pixMPNumPlanes]), MaxPlanes)
	f.Planes = make([]PlaneFormat, numPlanes)
	for i := range f.Planes {
		off := pixMPPlaneFmt + i*pixMPPlaneFmtSize
		f.Planes[i] = PlaneFormat{
			SizeImage:    le.Uint32(b[off:]),
			BytesPerLine: le.Uint32(b[off+4:]),
		}
	}
	f.Flags = uint32(b[pixMPFlags])
	f.YCbCrEnc = uint32(b[pixMPYCbCrEnc])
	f.Quantization = uint32(b[pixMPQuantization])
	f.XferFunc = uint32(b[pixMPXferFunc])
	return f
}
