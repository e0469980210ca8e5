package mediabufs

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"golang.org/x/sys/unix"
)

// FormatAcceptFunc selects destination pixel formats during negotiation.
type FormatAcceptFunc func(desc v4l2.FormatDesc) bool

// setFormat asks the device for format and fails unless it got at least the
// requested geometry in the requested pixel format.
func (c *Controller) setFormat(ctx context.Context, format v4l2.Format) (v4l2.Format, error) {
	got, err := c.device.SetFormat(ctx, format)
	if err != nil {
		return v4l2.Format{}, ErrOperationFailed{Op: "set format", Err: err}
	}
	logger.Tracef(ctx, "set format %s", spew.Sdump(got))

	var reason string
	switch {
	case got.PixelFormat != format.PixelFormat:
		reason = "the device switched the pixel format to " + got.PixelFormat.String()
	case got.Width < format.Width || got.Height < format.Height:
		reason = "the device reduced the geometry"
	}
	if reason != "" {
		return v4l2.Format{}, ErrUnsupportedBufferType{
			BufType:     format.Type,
			PixelFormat: format.PixelFormat,
			Width:       format.Width,
			Height:      format.Height,
			Reason:      reason,
		}
	}
	return got, nil
}

// SetSourceFormat negotiates the compressed input format. A zero size lets
// the driver choose the buffer size. On failure the previously negotiated
// format stays in effect.
func (c *Controller) SetSourceFormat(
	ctx context.Context,
	bufType v4l2.BufType,
	pixelFormat types.FourCC,
	width, height uint32,
	size uint32,
) (_err error) {
	logger.Debugf(ctx, "SetSourceFormat(ctx, %s, %s, %dx%d, %d)", bufType, pixelFormat, width, height, size)
	defer func() {
		logger.Debugf(ctx, "/SetSourceFormat(ctx, %s, %s, %dx%d, %d): %v", bufType, pixelFormat, width, height, size, _err)
	}()

	format := v4l2.Format{
		Type:        bufType,
		Width:       width,
		Height:      height,
		PixelFormat: pixelFormat,
		Planes:      []v4l2.PlaneFormat{{SizeImage: size}},
	}
	got, err := c.setFormat(ctx, format)
	if err != nil {
		logger.Errorf(ctx, "unable to set the source format: %v", err)
		return err
	}
	storeFormat(&c.sourceFormat, got)
	return nil
}

type formatFlagsPass struct {
	must uint32
	not  uint32
}

// native formats are preferred to the ones a driver converts to in software
var destinationFormatPasses = []formatFlagsPass{
	{must: 0, not: v4l2.FmtFlagEmulated},
	{must: v4l2.FmtFlagEmulated, not: 0},
}

// NegotiateDestinationFormat picks the first advertised destination format
// that accept approves and the device can produce at width x height. A nil
// accept approves everything.
func (c *Controller) NegotiateDestinationFormat(
	ctx context.Context,
	width, height uint32,
	accept FormatAcceptFunc,
) (_err error) {
	logger.Debugf(ctx, "NegotiateDestinationFormat(ctx, %dx%d)", width, height)
	defer func() { logger.Debugf(ctx, "/NegotiateDestinationFormat(ctx, %dx%d): %v", width, height, _err) }()

	descs, err := c.EnumFormats(ctx, c.layout.destination)
	if err != nil {
		return err
	}
	for _, pass := range destinationFormatPasses {
		for _, desc := range descs {
			if desc.Flags&pass.must != pass.must || desc.Flags&pass.not != 0 {
				continue
			}
			if accept != nil && !accept(desc) {
				continue
			}
			got, err := c.setFormat(ctx, v4l2.Format{
				Type:        c.layout.destination,
				Width:       width,
				Height:      height,
				PixelFormat: desc.PixelFormat,
			})
			if err != nil {
				logger.Debugf(ctx, "format %s is not usable: %v", desc.PixelFormat, err)
				continue
			}
			storeFormat(&c.destinationFormat, got)
			return nil
		}
	}
	return ErrUnsupportedBufferType{
		BufType: c.layout.destination,
		Width:   width,
		Height:  height,
		Reason:  "no acceptable destination format",
	}
}

// EnumFormats lists every format the device advertises for bufType.
func (c *Controller) EnumFormats(ctx context.Context, bufType v4l2.BufType) ([]v4l2.FormatDesc, error) {
	var result []v4l2.FormatDesc
	for index := uint32(0); ; index++ {
		desc, err := c.device.EnumFormat(ctx, bufType, index)
		if err != nil {
			if v4l2.IsErrno(err, unix.EINVAL) {
				return result, nil
			}
			return result, ErrOperationFailed{Op: "enumerate formats", Err: err}
		}
		result = append(result, desc)
	}
}
