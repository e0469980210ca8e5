package mediabufs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/v4l2req/dmabuf"
	"github.com/xaionaro-go/v4l2req/mediarequest"
	"github.com/xaionaro-go/v4l2req/pollqueue"
	"github.com/xaionaro-go/v4l2req/pollqueue/pollqueuetest"
	"github.com/xaionaro-go/v4l2req/pool"
	"github.com/xaionaro-go/v4l2req/types"
	"github.com/xaionaro-go/v4l2req/v4l2"
	"github.com/xaionaro-go/v4l2req/v4l2/v4l2test"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func testCtx(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	t.Cleanup(func() { belt.Flush(ctx) })
	return ctx
}

type fakeRequest struct {
	fd       int
	startErr error
	started  int
	aborted  int
}

func (r *fakeRequest) FD() int {
	return r.fd
}

func (r *fakeRequest) Start(ctx context.Context) error {
	r.started++
	return r.startErr
}

func (r *fakeRequest) Abort(ctx context.Context) {
	r.aborted++
}

type limitedAllocator struct {
	dmabuf.MemfdAllocator
	left int
}

func (a *limitedAllocator) Alloc(ctx context.Context, size uint64) (*dmabuf.Buffer, error) {
	if a.left <= 0 {
		return nil, errors.New("out of memory")
	}
	a.left--
	return a.MemfdAllocator.Alloc(ctx, size)
}

type testEnv struct {
	ctx   context.Context
	ctl   *Controller
	dev   *v4l2test.VideoDevice
	sched *pollqueuetest.Manual
}

func newTestEnv(t *testing.T, multiplanar bool, cfg Config) testEnv {
	ctx := testCtx(t)
	dev := v4l2test.NewVideoDevice(multiplanar)
	sched := pollqueuetest.NewManual()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	ctl, err := New(ctx, dev, sched, cfg)
	require.NoError(t, err)
	return testEnv{ctx: ctx, ctl: ctl, dev: dev, sched: sched}
}

// newReadyEnv negotiates both formats and creates nSrc source entries.
func newReadyEnv(t *testing.T, nSrc int) testEnv {
	return newReadyEnvWithConfig(t, nSrc, Config{MaxEntries: 4})
}

func newReadyEnvWithConfig(t *testing.T, nSrc int, cfg Config) testEnv {
	env := newTestEnv(t, true, cfg)
	ctx, c := env.ctx, env.ctl
	require.NoError(t, c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCH264Slice, 1280, 720, 64<<10))
	require.NoError(t, c.NegotiateDestinationFormat(ctx, 1280, 720, nil))
	require.NoError(t, c.CreateSourcePool(ctx, nSrc))
	require.NoError(t, c.StreamOn(ctx))
	return env
}

func TestNewPicksQueueLayout(t *testing.T) {
	single := newTestEnv(t, false, Config{})
	require.Equal(t, v4l2.BufTypeVideoOutput, single.ctl.SourceBufType())
	require.Equal(t, v4l2.BufTypeVideoCapture, single.ctl.DestinationBufType())
	require.False(t, single.ctl.SourceResizable())

	multi := newTestEnv(t, true, Config{})
	require.Equal(t, v4l2.BufTypeVideoOutputMPlane, multi.ctl.SourceBufType())
	require.Equal(t, v4l2.BufTypeVideoCaptureMPlane, multi.ctl.DestinationBufType())
	require.True(t, multi.ctl.SourceResizable())
	require.Equal(t, DefaultMaxEntries, single.ctl.Config().MaxEntries)

	ctx := testCtx(t)
	dev := v4l2test.NewVideoDevice(false)
	dev.Capabilities.DeviceCaps = v4l2.CapStreaming
	_, err := New(ctx, dev, pollqueuetest.NewManual(), Config{})
	require.ErrorAs(t, err, &ErrNoM2MCapabilities{})
}

func TestSetSourceFormat(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx, c := env.ctx, env.ctl

	require.False(t, c.SourceFormat().IsSet())
	require.NoError(t, c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCHEVCSlice, 1920, 1080, 1<<20))
	f := c.SourceFormat()
	require.True(t, f.IsSet())
	require.Equal(t, types.FourCCHEVCSlice, f.Get().PixelFormat)
	require.Equal(t, uint32(1<<20), f.Get().Planes[0].SizeImage)

	err := c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCH264Slice, 8192, 4320, 0)
	require.ErrorAs(t, err, &ErrUnsupportedBufferType{})
	require.Equal(t, types.FourCCHEVCSlice, c.SourceFormat().Get().PixelFormat)
	require.Equal(t, uint32(1920), c.SourceFormat().Get().Width)

	err = c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCVP9Frame, 640, 480, 0)
	require.ErrorAs(t, err, &ErrUnsupportedBufferType{})

	env.dev.SetFormatErr = unix.EBUSY
	err = c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCH264Slice, 640, 480, 0)
	require.ErrorAs(t, err, &ErrOperationFailed{})
	require.ErrorIs(t, err, unix.EBUSY)
}

func TestNegotiateDestinationFormat(t *testing.T) {
	for _, tc := range []struct {
		name     string
		accept   FormatAcceptFunc
		expected types.FourCC
	}{
		{name: "native_first", accept: nil, expected: types.FourCCNV12Col128},
		{name: "filtered", accept: func(d v4l2.FormatDesc) bool {
			return d.PixelFormat == types.FourCCNV12
		}, expected: types.FourCCNV12},
		{name: "emulated_last", accept: func(d v4l2.FormatDesc) bool {
			return d.PixelFormat != types.FourCCNV12Col128 && d.PixelFormat != types.FourCCNV12
		}, expected: types.FourCCYUV420},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, true, Config{})
			require.NoError(t, env.ctl.NegotiateDestinationFormat(env.ctx, 1280, 720, tc.accept))
			f := env.ctl.DestinationFormat()
			require.True(t, f.IsSet())
			require.Equal(t, tc.expected, f.Get().PixelFormat)
			require.Equal(t, uint32(1280*720*3/2), f.Get().Planes[0].SizeImage)
		})
	}
}

func TestNegotiateDestinationFormatTooLarge(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx, c := env.ctx, env.ctl

	require.NoError(t, c.NegotiateDestinationFormat(ctx, 640, 480, nil))
	err := c.NegotiateDestinationFormat(ctx, 8192, 8192, nil)
	require.ErrorAs(t, err, &ErrUnsupportedBufferType{})

	f := c.DestinationFormat().Get()
	require.Equal(t, uint32(640), f.Width)
	require.Equal(t, uint32(480), f.Height)
}

func TestCreateSourcePool(t *testing.T) {
	env := newTestEnv(t, true, Config{MaxEntries: 8})
	ctx, c := env.ctx, env.ctl

	require.ErrorAs(t, c.CreateSourcePool(ctx, 2), &ErrFormatNotSet{})

	require.NoError(t, c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCH264Slice, 640, 480, 10000))
	require.NoError(t, c.CreateSourcePool(ctx, 3))
	require.Equal(t, pool.Counts{Free: 3}, c.Stats(ctx).Sources)
	require.Equal(t, uint32(3), env.dev.Requested[c.SourceBufType()])

	// recreation replaces the free entries and the device may grant fewer
	env.dev.MaxBuffers = 2
	require.NoError(t, c.CreateSourcePool(ctx, 5))
	require.Equal(t, pool.Counts{Free: 2}, c.Stats(ctx).Sources)

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), src.Index())
	require.Equal(t, uint64(12288), src.Plane(0).Size())
	require.False(t, src.fixedSize)
	c.AbortSourceEntry(ctx, src)
	require.Equal(t, pool.Counts{Free: 2}, c.Stats(ctx).Sources)
}

func TestCreateSourcePoolIsAllOrNothing(t *testing.T) {
	alloc := &limitedAllocator{left: 2}
	env := newTestEnv(t, true, Config{Allocator: alloc})
	ctx, c := env.ctx, env.ctl

	require.NoError(t, c.SetSourceFormat(ctx, c.SourceBufType(), types.FourCCH264Slice, 640, 480, 4096))
	err := c.CreateSourcePool(ctx, 4)
	require.ErrorAs(t, err, &ErrAllocationFailed{})
	require.Equal(t, pool.Counts{}, c.Stats(ctx).Sources)
	require.Zero(t, env.dev.Requested[c.SourceBufType()])

	_, err = c.TryGetFreeSourceEntry(ctx)
	require.ErrorAs(t, err, &pool.ErrPoolEmpty{})
}

func TestCreateDestinationSlotsIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx, c := env.ctx, env.ctl

	require.ErrorAs(t, c.CreateDestinationSlots(ctx, 1), &ErrFormatNotSet{})
	require.NoError(t, c.NegotiateDestinationFormat(ctx, 320, 240, nil))

	env.dev.MaxBuffers = 2
	err := c.CreateDestinationSlots(ctx, 3)
	require.ErrorAs(t, err, &ErrOperationFailed{})
	require.Equal(t, pool.Counts{}, c.Stats(ctx).Destinations)

	env.dev.MaxBuffers = 8
	require.NoError(t, c.CreateDestinationSlots(ctx, 2))
	require.Equal(t, pool.Counts{Free: 2}, c.Stats(ctx).Destinations)
}

func TestSubmitRoundTrip(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte("slice data")))
	src.SetTimestamp(40 * time.Millisecond)

	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)

	req := &fakeRequest{fd: 2000}
	require.NoError(t, c.Submit(ctx, req, src, dst, true))
	require.Equal(t, 1, req.started)
	require.Zero(t, req.aborted)
	require.Equal(t, StatusWaiting, dst.Status())

	calls := dev.QueueCalls
	require.Len(t, calls, 2)
	require.Equal(t, c.DestinationBufType(), calls[0].Type)
	require.Zero(t, calls[0].Planes[0].BytesUsed)
	require.Equal(t, c.SourceBufType(), calls[1].Type)
	require.Equal(t, uint32(len("slice data")), calls[1].Planes[0].BytesUsed)
	require.Equal(t, int32(2000), calls[1].RequestFD)
	require.NotZero(t, calls[1].Flags&v4l2.BufFlagRequestFD)
	require.Zero(t, calls[1].Flags&v4l2.BufFlagM2MHoldCaptureBuf)
	require.Equal(t, 40*time.Millisecond, calls[1].Timestamp)

	require.True(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, int64(2), c.refCount.Load())

	require.True(t, dev.Complete(ctx, c.SourceBufType(), 0))
	require.True(t, dev.Complete(ctx, c.DestinationBufType(), 0))
	require.True(t, sched.Fire(ctx, c.pollTask, pollqueue.EventIn|pollqueue.EventOut))

	require.NoError(t, dst.Wait(ctx))
	require.Equal(t, StatusDone, dst.Status())
	require.Equal(t, dst.Plane(0).Size(), dst.Plane(0).Len())
	require.False(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, int64(1), c.refCount.Load())

	dst.Release(ctx)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)

	again, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.Same(t, src, again)
	require.Zero(t, again.Plane(0).Len())
	require.Zero(t, again.Timestamp())

	dstAgain, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.Same(t, dst, dstAgain)
	require.Zero(t, dstAgain.Plane(0).Len())
	require.Zero(t, dstAgain.Timestamp())

	stats := c.Stats(ctx).Traffic
	require.Equal(t, uint64(1), stats.Submitted.Source.Count)
	require.Equal(t, uint64(1), stats.Completed.Source.Count)
	require.Equal(t, uint64(1), stats.Completed.Destination.Count)
}

func TestSubmitRejectsWaitingDestination(t *testing.T) {
	env := newReadyEnv(t, 2)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1, 2, 3}))
	require.NoError(t, c.Submit(ctx, &fakeRequest{fd: 2000}, src, dst, true))
	queueCalls := dev.QueueCallCount(ctx)

	src2, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	req2 := &fakeRequest{fd: 2001}
	err = c.Submit(ctx, req2, src2, dst, true)
	require.ErrorAs(t, err, &ErrAlreadyWaiting{})
	require.Equal(t, queueCalls, dev.QueueCallCount(ctx))
	require.Equal(t, 1, req2.aborted)
	require.Zero(t, req2.started)
	require.True(t, dst.isWaiting(ctx))

	again, err := c.TryGetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.Same(t, src2, again)
}

func TestSubmitWithoutDestination(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{0, 0, 1}))
	require.NoError(t, c.Submit(ctx, &fakeRequest{fd: 2000}, src, nil, false))

	require.Len(t, dev.QueueCalls, 1)
	require.Equal(t, c.SourceBufType(), dev.QueueCalls[0].Type)
	require.NotZero(t, dev.QueueCalls[0].Flags&v4l2.BufFlagM2MHoldCaptureBuf)
	require.Equal(t, pool.Counts{}, c.Stats(ctx).Destinations)
}

func TestSubmitWithoutSource(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	req := &fakeRequest{fd: 2000}
	err := c.Submit(ctx, req, nil, nil, true)
	require.ErrorAs(t, err, &ErrNoSourceEntry{})
	require.Equal(t, 1, req.aborted)
	require.Zero(t, dev.QueueCallCount(ctx))
}

func TestSubmitSourceQueueFailure(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)

	dev.QueueErr[c.SourceBufType()] = unix.EIO
	req := &fakeRequest{fd: 2000}
	err = c.Submit(ctx, req, src, dst, true)
	require.ErrorIs(t, err, unix.EIO)
	require.Equal(t, 1, req.aborted)
	require.Zero(t, req.started)

	require.ErrorAs(t, dst.Wait(ctx), &ErrDecodingError{})
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Sources)

	// the device still holds the destination, locally it is free again
	require.Equal(t, 1, dev.QueuedCount(ctx, c.DestinationBufType()))
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)
	require.False(t, sched.IsPending(ctx, c.pollTask))

	dst.Release(ctx)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)

	again, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.Same(t, dst, again)
}

func TestSubmitRequestStartFailure(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c := env.ctx, env.ctl

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))

	req := &fakeRequest{fd: 2000, startErr: unix.EINVAL}
	err = c.Submit(ctx, req, src, nil, true)
	require.ErrorAs(t, err, &ErrOperationFailed{})
	require.Equal(t, 1, req.started)
	require.Zero(t, req.aborted)
	require.Equal(t, pool.Counts{InUse: 1}, c.Stats(ctx).Sources)
}

func TestPollReschedulesWhileBusy(t *testing.T) {
	env := newReadyEnv(t, 2)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	for i := 0; i < 2; i++ {
		src, err := c.GetFreeSourceEntry(ctx)
		require.NoError(t, err)
		require.NoError(t, src.Write(ctx, 0, []byte{byte(i)}))
		require.NoError(t, c.Submit(ctx, nil, src, nil, true))
	}
	require.Equal(t, 1, sched.AddCount)
	require.Equal(t, int64(2), c.refCount.Load())

	// a timeout reclaims nothing and keeps polling
	require.True(t, sched.FireTimeout(ctx, c.pollTask))
	require.True(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, uint64(1), c.Stats(ctx).Traffic.PollTimeouts)

	require.True(t, dev.Complete(ctx, c.SourceBufType(), 0))
	require.True(t, sched.Fire(ctx, c.pollTask, pollqueue.EventOut))
	require.True(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, int64(2), c.refCount.Load())
	require.Equal(t, pool.Counts{Free: 1, InUse: 1}, c.Stats(ctx).Sources)

	require.True(t, dev.Complete(ctx, c.SourceBufType(), v4l2.BufFlagError))
	require.True(t, sched.Fire(ctx, c.pollTask, pollqueue.EventOut))
	require.False(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, int64(1), c.refCount.Load())
	require.Equal(t, pool.Counts{Free: 2}, c.Stats(ctx).Sources)
	require.False(t, c.Stats(ctx).Polling)
	require.Equal(t, uint64(1), c.Stats(ctx).Traffic.Errors.Source.Count)
}

func TestDestinationErrorFlag(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Submit(ctx, nil, src, dst, true))

	waitErr := make(chan error, 1)
	go func() { waitErr <- dst.Wait(ctx) }()

	require.True(t, dev.Complete(ctx, c.DestinationBufType(), v4l2.BufFlagError))
	require.True(t, sched.Fire(ctx, c.pollTask, pollqueue.EventIn))
	require.ErrorAs(t, <-waitErr, &ErrDecodingError{})
	require.True(t, sched.IsPending(ctx, c.pollTask))
}

func TestWaitHonorsContext(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c := env.ctx, env.ctl

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Submit(ctx, nil, src, dst, true))

	shortCtx, cancelFn := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelFn()
	require.ErrorIs(t, dst.Wait(shortCtx), context.DeadlineExceeded)
}

func TestGetOrCreateDestinationEntryWaitsWhenFull(t *testing.T) {
	env := newTestEnv(t, true, Config{MaxEntries: 1})
	ctx, c := env.ctx, env.ctl

	_, err := c.GetOrCreateDestinationEntry(ctx)
	require.ErrorAs(t, err, &ErrFormatNotSet{})

	require.NoError(t, c.NegotiateDestinationFormat(ctx, 320, 240, nil))
	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), dst.Index())

	shortCtx, cancelFn := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelFn()
	_, err = c.GetOrCreateDestinationEntry(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	dst.Release(ctx)
	again, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.Same(t, dst, again)
	require.Equal(t, uint32(1), env.dev.Created[c.DestinationBufType()])
}

func TestStreamOnRollsBack(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx, c, dev := env.ctx, env.ctl, env.dev

	dev.StreamOnErr[c.DestinationBufType()] = unix.EIO
	require.ErrorIs(t, c.StreamOn(ctx), unix.EIO)
	require.False(t, dev.IsStreaming(ctx, c.SourceBufType()))
	require.False(t, c.IsStreaming(ctx))

	require.NoError(t, c.StreamOn(ctx))
	require.NoError(t, c.StreamOn(ctx))
	require.True(t, dev.IsStreaming(ctx, c.SourceBufType()))
	require.True(t, dev.IsStreaming(ctx, c.DestinationBufType()))

	require.NoError(t, c.StreamOff(ctx))
	require.NoError(t, c.StreamOff(ctx))
	require.False(t, dev.IsStreaming(ctx, c.DestinationBufType()))
}

func TestTeardownBreaksWeakLink(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	held, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CreateDestinationSlots(ctx, 1))
	require.NotNil(t, held.Plane(0))

	c.Unref(ctx)
	require.True(t, dev.IsClosed(ctx))
	require.False(t, dev.IsStreaming(ctx, c.SourceBufType()))
	require.Zero(t, dev.Requested[c.SourceBufType()])
	require.Equal(t, pool.Counts{Out: 1}, c.Stats(ctx).Destinations)

	held.Release(ctx)
	require.Nil(t, held.Plane(0))
}

func TestUnrefWithArmedPoll(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	require.NoError(t, c.Submit(ctx, nil, src, nil, true))

	// the armed poll keeps the controller alive
	c.Unref(ctx)
	require.False(t, dev.IsClosed(ctx))

	require.True(t, dev.Complete(ctx, c.SourceBufType(), 0))
	require.True(t, sched.Fire(ctx, c.pollTask, pollqueue.EventOut))
	require.True(t, dev.IsClosed(ctx))
	require.Nil(t, src.Plane(0))
}

func TestExtControls(t *testing.T) {
	env := newTestEnv(t, true, Config{})
	ctx, c, dev := env.ctx, env.ctl, env.dev

	const (
		ctrlSPS = uint32(0x00a40900)
		ctrlPPS = uint32(0x00a40901)
		ctrlBad = uint32(0x00a409ff)
	)
	dev.KnownControls[ctrlSPS] = v4l2.QueryExtControl{ID: ctrlSPS, Type: 0x0200, Name: "H264 SPS", ElemSize: 1032}
	dev.KnownControls[ctrlPPS] = v4l2.QueryExtControl{ID: ctrlPPS, Type: 0x0201, Name: "H264 PPS", ElemSize: 12}

	result, err := c.QueryExtControls(ctx, []uint32{ctrlSPS, ctrlBad, ctrlPPS})
	require.ErrorIs(t, err, unix.EINVAL)
	require.Len(t, result, 3)
	require.Equal(t, "H264 SPS", result[0].Name)
	require.Equal(t, ctrlBad, result[1].ID)
	require.Zero(t, result[1].Type)
	require.Equal(t, "H264 PPS", result[2].Name)

	req := &fakeRequest{fd: 2042}
	require.NoError(t, c.SetExtControl(ctx, req, ctrlSPS, make([]byte, 1032)))
	require.Equal(t, int64(1032), dev.RequestControls[2042][ctrlSPS])
	require.NotContains(t, dev.Controls, ctrlSPS)

	require.NoError(t, c.SetExtControls(ctx, nil, []v4l2.ExtControl{{ID: ctrlPPS, Value: 7}}))
	got := []v4l2.ExtControl{{ID: ctrlPPS}}
	require.NoError(t, c.GetExtControls(ctx, nil, got))
	require.Equal(t, int64(7), got[0].Value)

	require.ErrorAs(t, c.SetExtControl(ctx, nil, ctrlBad, nil), &ErrOperationFailed{})
}

func TestEnumFormats(t *testing.T) {
	env := newTestEnv(t, false, Config{})
	descs, err := env.ctl.EnumFormats(env.ctx, env.ctl.DestinationBufType())
	require.NoError(t, err)
	require.Len(t, descs, 3)
	require.True(t, descs[0].IsEmulated())
}

func submitOne(t *testing.T, env testEnv, dst *DestinationEntry) {
	src, err := env.ctl.GetFreeSourceEntry(env.ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(env.ctx, 0, []byte{1}))
	require.NoError(t, env.ctl.Submit(env.ctx, nil, src, dst, true))
}

func completeBoth(t *testing.T, env testEnv) {
	c := env.ctl
	require.True(t, env.dev.Complete(env.ctx, c.SourceBufType(), 0))
	require.True(t, env.dev.Complete(env.ctx, c.DestinationBufType(), 0))
	require.True(t, env.sched.Fire(env.ctx, c.pollTask, pollqueue.EventIn|pollqueue.EventOut))
}

func TestReleaseWhileQueuedHandsBackOnCompletion(t *testing.T) {
	env := newReadyEnvWithConfig(t, 1, Config{MaxEntries: 1})
	ctx, c := env.ctx, env.ctl

	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	submitOne(t, env, dst)

	dst.Release(ctx)
	require.Equal(t, pool.Counts{InUse: 1}, c.Stats(ctx).Destinations)
	require.NotNil(t, dst.Plane(0))

	completeBoth(t, env)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)

	shortCtx, cancelFn := context.WithTimeout(ctx, time.Second)
	defer cancelFn()
	again, err := c.GetOrCreateDestinationEntry(shortCtx)
	require.NoError(t, err)
	require.Same(t, dst, again)
	require.True(t, again.isHeld(ctx))

	// released twice: the second call changes nothing
	again.Release(ctx)
	again.Release(ctx)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)
}

func TestSubmitRejectsReleasedDestination(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	dst.Release(ctx)

	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	req := &fakeRequest{fd: 2000}
	require.ErrorAs(t, c.Submit(ctx, req, src, dst, true), &ErrNotHeld{})
	require.Zero(t, dev.QueueCallCount(ctx))
	require.Equal(t, 1, req.aborted)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Sources)
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Destinations)

	other := newReadyEnv(t, 1)
	foreign, err := other.ctl.GetOrCreateDestinationEntry(other.ctx)
	require.NoError(t, err)
	src, err = c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.ErrorAs(t, c.Submit(ctx, nil, src, foreign, true), &ErrForeignEntry{})
	require.Zero(t, dev.QueueCallCount(ctx))
}

func importedEntry(t *testing.T, ctx context.Context, c *Controller) *DestinationEntry {
	size := uint64(c.DestinationFormat().Get().Planes[0].SizeImage)
	fd, err := unix.MemfdCreate("import", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, int64(size)))
	e := c.NewImportDestinationEntry()
	require.NoError(t, e.ImportFD(ctx, 0, fd, size))
	return e
}

func TestImportedEntriesGiveBackTheirSlot(t *testing.T) {
	env := newReadyEnvWithConfig(t, 1, Config{MaxEntries: 1})
	ctx, c := env.ctx, env.ctl

	for i := 0; i < 2; i++ {
		e := importedEntry(t, ctx, c)
		submitOne(t, env, e)
		require.Equal(t, pool.Counts{InUse: 1}, c.Stats(ctx).Destinations)

		completeBoth(t, env)
		require.NoError(t, e.Wait(ctx))
		require.Equal(t, pool.Counts{Out: 1}, c.Stats(ctx).Destinations)

		e.Release(ctx)
		require.Equal(t, pool.Counts{}, c.Stats(ctx).Destinations)
		require.Nil(t, e.Plane(0))
	}

	// released while queued: the slot is given back on completion
	e := importedEntry(t, ctx, c)
	submitOne(t, env, e)
	e.Release(ctx)
	completeBoth(t, env)
	require.Equal(t, pool.Counts{}, c.Stats(ctx).Destinations)
	require.Nil(t, e.Plane(0))
}

func TestSubmitTracksDestinationBeforeQueueing(t *testing.T) {
	env := newReadyEnvWithConfig(t, 1, Config{MaxEntries: 1})
	ctx, c, dev := env.ctx, env.ctl, env.dev

	held, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)

	e := importedEntry(t, ctx, c)
	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	err = c.Submit(ctx, nil, src, e, true)
	require.ErrorAs(t, err, &pool.ErrPoolFull{})
	require.Zero(t, dev.QueueCallCount(ctx))
	require.Zero(t, dev.QueuedCount(ctx, c.DestinationBufType()))

	require.ErrorAs(t, e.Wait(ctx), &ErrDecodingError{})
	require.Nil(t, e.Plane(0))
	require.Equal(t, pool.Counts{Free: 1}, c.Stats(ctx).Sources)
	require.Equal(t, pool.Counts{Out: 1}, c.Stats(ctx).Destinations)
	held.Release(ctx)
}

func TestTeardownWakesWaiters(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched

	dst, err := c.GetOrCreateDestinationEntry(ctx)
	require.NoError(t, err)
	sched.SetAddErr(ctx, errors.New("no room in the poll set"))
	submitOne(t, env, dst)
	require.False(t, sched.IsPending(ctx, c.pollTask))
	require.Equal(t, int64(1), c.refCount.Load())

	waitErr := make(chan error, 1)
	go func() { waitErr <- dst.Wait(ctx) }()

	c.Unref(ctx)
	require.True(t, dev.IsClosed(ctx))
	require.ErrorAs(t, <-waitErr, &ErrDecodingError{})
	require.NotNil(t, dst.Plane(0))

	dst.Release(ctx)
	require.Nil(t, dst.Plane(0))
}

func TestSubmitWithNilMediaRequest(t *testing.T) {
	env := newReadyEnv(t, 1)
	ctx, c, dev := env.ctx, env.ctl, env.dev

	var req *mediarequest.Request
	src, err := c.GetFreeSourceEntry(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, 0, []byte{1}))
	require.NoError(t, c.Submit(ctx, req, src, nil, true))
	require.Len(t, dev.QueueCalls, 1)
	require.Zero(t, dev.QueueCalls[0].Flags&v4l2.BufFlagRequestFD)

	const ctrlPPS = uint32(0x00a40901)
	dev.KnownControls[ctrlPPS] = v4l2.QueryExtControl{ID: ctrlPPS}
	require.NoError(t, c.SetExtControls(ctx, req, []v4l2.ExtControl{{ID: ctrlPPS, Value: 1}}))
	require.Equal(t, int64(1), dev.Controls[ctrlPPS])
	require.ErrorAs(t, c.Submit(ctx, req, nil, nil, true), &ErrNoSourceEntry{})
}

func TestConcurrentSubmitAndCompletion(t *testing.T) {
	env := newReadyEnv(t, 2)
	ctx, c, dev, sched := env.ctx, env.ctl, env.dev, env.sched
	const (
		submitters = 2
		iterations = 50
	)

	completerCtx, stopCompleter := context.WithCancel(ctx)
	defer stopCompleter()
	completerDone := make(chan error, 1)
	go func() {
		completerDone <- func() error {
			for completerCtx.Err() == nil {
				var revents pollqueue.Events
				if dev.Complete(ctx, c.SourceBufType(), 0) {
					revents |= pollqueue.EventOut
				}
				if dev.Complete(ctx, c.DestinationBufType(), 0) {
					revents |= pollqueue.EventIn
				}
				if revents == 0 {
					runtime.Gosched()
					continue
				}
				// queued buffers always have a poll armed or about to be armed
				for !sched.Fire(ctx, c.pollTask, revents) {
					if completerCtx.Err() != nil {
						return fmt.Errorf("the completion poll was never armed")
					}
					runtime.Gosched()
				}
			}
			return nil
		}()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < submitters; w++ {
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				src, err := c.GetFreeSourceEntry(gctx)
				if err != nil {
					return err
				}
				if err := src.Write(gctx, 0, []byte{byte(i)}); err != nil {
					return err
				}
				dst, err := c.GetOrCreateDestinationEntry(gctx)
				if err != nil {
					return err
				}
				if err := c.Submit(gctx, nil, src, dst, true); err != nil {
					return err
				}
				if i%2 == 0 {
					// let the completion hand it back
					dst.Release(gctx)
					continue
				}
				if err := dst.Wait(gctx); err != nil {
					return err
				}
				dst.Release(gctx)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		stats := c.Stats(ctx)
		return !stats.Polling && stats.Sources.InUse == 0 && stats.Destinations.InUse == 0
	}, 5*time.Second, time.Millisecond)
	stopCompleter()
	require.NoError(t, <-completerDone)

	stats := c.Stats(ctx)
	require.Equal(t, pool.Counts{Free: 2}, stats.Sources)
	require.Zero(t, stats.Destinations.InUse)
	require.Zero(t, stats.Destinations.Out)
	require.LessOrEqual(t, stats.Destinations.Free, c.Config().MaxEntries)
	require.Equal(t, uint64(submitters*iterations), stats.Traffic.Completed.Destination.Count)
	require.Equal(t, int64(1), c.refCount.Load())
}
