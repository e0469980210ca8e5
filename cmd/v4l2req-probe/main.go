package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/v4l2req/mediabufs"
	"github.com/xaionaro-go/v4l2req/mediarequest"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	videoPath := pflag.String("video", mediabufs.DefaultVideoPath, "the video node of the stateless codec")
	mediaPath := pflag.String("media", "", "the media node to allocate requests on; requests are not probed if empty")
	width := pflag.Uint32("width", 0, "the frame width to negotiate formats for; formats are not negotiated if zero")
	height := pflag.Uint32("height", 0, "the frame height to negotiate formats for")
	srcFormat := types.FourCCH264Slice
	pflag.Var(&srcFormat, "src-format", "the compressed pixel format (FourCC)")
	srcBufferSize := pflag.String("src-buffer-size", "0", "the size of a source buffer, e.g. '512KiB'; zero lets the driver decide")
	srcBuffers := pflag.Int("src-buffers", 4, "the amount of source buffers to create")
	dstBuffers := pflag.Int("dst-buffers", 4, "the amount of destination buffers to create")
	requests := pflag.Int("requests", 4, "the amount of media requests to allocate")
	dump := pflag.Bool("dump", false, "dump the negotiated formats")
	pflag.Parse()
	if len(pflag.Args()) != 0 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	bufSize, err := humanize.ParseBytes(*srcBufferSize)
	if err != nil {
		l.Fatalf("unable to parse the source buffer size '%s': %v", *srcBufferSize, err)
	}

	pq, err := pollqueue.New(ctx)
	if err != nil {
		l.Fatal(err)
	}
	defer pq.Close(ctx)

	counters := &types.Counters{}
	ctl, err := mediabufs.Open(ctx, *videoPath, pq, mediabufs.Config{Counters: counters})
	if err != nil {
		l.Fatal(err)
	}
	defer ctl.Unref(ctx)

	caps := ctl.Capabilities()
	fmt.Printf("device: %s (driver: %s, bus: %s)\n", caps.Card, caps.Driver, caps.BusInfo)
	fmt.Printf("capabilities: 0x%08x\n", caps.Effective())
	for _, bufType := range []v4l2.BufType{ctl.SourceBufType(), ctl.DestinationBufType()} {
		descs, err := ctl.EnumFormats(ctx, bufType)
		if err != nil {
			l.Fatal(err)
		}
		fmt.Printf("%s formats:\n", bufType)
		for _, desc := range descs {
			var emulated string
			if desc.IsEmulated() {
				emulated = " (emulated)"
			}
			fmt.Printf("\t%s: %s%s\n", desc.PixelFormat, desc.Description, emulated)
		}
	}

	if *width != 0 && *height != 0 {
		err := ctl.SetSourceFormat(ctx, ctl.SourceBufType(), srcFormat, *width, *height, uint32(bufSize))
		if err != nil {
			l.Fatal(err)
		}
		if err := ctl.NegotiateDestinationFormat(ctx, *width, *height, nil); err != nil {
			l.Fatal(err)
		}
		printFormat("source", ctl.SourceFormat().Get(), *dump)
		printFormat("destination", ctl.DestinationFormat().Get(), *dump)

		if err := ctl.CreateSourcePool(ctx, *srcBuffers); err != nil {
			l.Fatal(err)
		}
		if err := ctl.CreateDestinationSlots(ctx, *dstBuffers); err != nil {
			l.Fatal(err)
		}
		statsJSON, err := json.Marshal(ctl.Stats(ctx))
		if err != nil {
			l.Fatal(err)
		}
		fmt.Printf("buffers: %s\n", statsJSON)
	}

	if *mediaPath != "" {
		rp, err := mediarequest.OpenPool(ctx, *mediaPath, pq, *requests, mediarequest.Config{Counters: counters})
		if err != nil {
			l.Fatal(err)
		}
		fmt.Printf("requests: %+v\n", rp.Stats(ctx))
		if err := rp.Close(ctx); err != nil {
			l.Error(err)
		}
	}
}

func printFormat(name string, f v4l2.Format, dump bool) {
	fmt.Printf("%s format: %s %dx%d\n", name, f.PixelFormat, f.Width, f.Height)
	for i, p := range f.Planes {
		fmt.Printf("\tplane %d: %s, %d bytes per line\n", i, humanize.IBytes(uint64(p.SizeImage)), p.BytesPerLine)
	}
	if dump {
		spew.Dump(f)
	}
}
