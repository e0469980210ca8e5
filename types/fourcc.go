// fourcc.go defines the FourCC pixel/bitstream format code and its conversions.

// Package types provides small types shared across the v4l2req packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FourCC is a V4L2 pixel format code: four ASCII bytes packed little-endian.
type FourCC uint32

func NewFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	// compressed formats consumed by stateless decoders
	FourCCH264Slice  = NewFourCC('S', '2', '6', '4')
	FourCCHEVCSlice  = NewFourCC('S', '2', '6', '5')
	FourCCMPEG2Slice = NewFourCC('M', 'G', '2', 'S')
	FourCCVP8Frame   = NewFourCC('V', 'P', '8', 'F')
	FourCCVP9Frame   = NewFourCC('V', 'P', '9', 'F')
	FourCCAV1Frame   = NewFourCC('A', 'V', '1', 'F')

	// raw formats produced by them
	FourCCNV12       = NewFourCC('N', 'V', '1', '2')
	FourCCNV12M      = NewFourCC('N', 'M', '1', '2')
	FourCCNV12Col128 = NewFourCC('N', 'C', '1', '2')
	FourCCNV12Tiled  = NewFourCC('T', 'M', '1', '2')
	FourCCYUV420     = NewFourCC('Y', 'U', '1', '2')
	FourCCP010       = NewFourCC('P', '0', '1', '0')
)

func (f FourCC) String() string {
	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("unknown_%08X", uint32(f))
		}
	}
	return string(b[:])
}

// FourCCFromString parses the four-character form. Trailing spaces are
// significant in V4L2 codes, so only newlines and tabs are trimmed.
func FourCCFromString(s string) (FourCC, error) {
	s = strings.Trim(s, "\n\r\t")
	if len(s) != 4 {
		return 0, fmt.Errorf("a FourCC must be exactly 4 characters, got '%s'", s)
	}
	return NewFourCC(s[0], s[1], s[2], s[3]), nil
}

// Set implements pflag.Value.
func (f *FourCC) Set(s string) error {
	v, err := FourCCFromString(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Type implements pflag.Value.
func (f *FourCC) Type() string {
	return "fourcc"
}

func (f *FourCC) UnmarshalYAML(b []byte) error {
	v, err := FourCCFromString(strings.Trim(string(b), "\""))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func (f FourCC) MarshalYAML() ([]byte, error) {
	return json.Marshal(f.String())
}
