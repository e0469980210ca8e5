//go:build linux

// dmabuf.go implements a handle to a shareable buffer backed by a file descriptor.

// Package dmabuf provides DMA-buf handles shared between the CPU and a codec.
package dmabuf

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/v4l2req/internal"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

const (
	ioctlSync = 0x40086200

	syncRead  = uint64(1 << 0)
	syncWrite = uint64(2 << 0)
	syncStart = uint64(0 << 2)
	syncEnd   = uint64(1 << 2)
)

type syncArg struct {
	flags uint64
}

// Buffer owns one descriptor referring to a buffer of fixed capacity.
type Buffer struct {
	locker xsync.Mutex

	fd      int
	size    uint64
	length  uint64
	mapping []byte

	// set once the descriptor turned out to not support cache syncs (memfd)
	noSync bool
}

func newBuffer(ctx context.Context, fd int, size uint64) *Buffer {
	b := &Buffer{fd: fd, size: size}
	internal.SetLeakFinalizer(ctx, b, func(b *Buffer) error {
		return b.closeLocked()
	})
	return b
}

// Import takes ownership of fd, a buffer of the given capacity.
func Import(ctx context.Context, fd int, size uint64) *Buffer {
	logger.Tracef(ctx, "Import(ctx, %d, %s)", fd, humanize.IBytes(size))
	return newBuffer(ctx, fd, size)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("dmabuf(fd:%d, size:%s)", b.FD(), humanize.IBytes(b.Size()))
}

func (b *Buffer) FD() int {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &b.locker, func() int {
		return b.fd
	})
}

// Size returns the capacity.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Len returns the number of bytes in use.
func (b *Buffer) Len() uint64 {
	return xsync.DoR1(xsync.WithNoLogging(context.TODO(), true), &b.locker, func() uint64 {
		return b.length
	})
}

func (b *Buffer) SetLen(length uint64) {
	b.locker.Do(xsync.WithNoLogging(context.TODO(), true), func() {
		b.length = min(length, b.size)
	})
}

// Map returns a CPU mapping of the whole buffer; it is created on first use
// and stays valid until Close.
func (b *Buffer) Map(ctx context.Context) ([]byte, error) {
	return xsync.DoA1R2(ctx, &b.locker, b.mapLocked, ctx)
}

func (b *Buffer) mapLocked(ctx context.Context) ([]byte, error) {
	if b.mapping != nil {
		return b.mapping, nil
	}
	if b.fd < 0 {
		return nil, ErrClosed{}
	}
	m, err := unix.Mmap(b.fd, 0, int(b.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unable to mmap %s: %w", humanize.IBytes(b.size), err)
	}
	b.mapping = m
	return m, nil
}

func (b *Buffer) ReadStart(ctx context.Context) error {
	return b.sync(ctx, syncStart|syncRead)
}

func (b *Buffer) ReadEnd(ctx context.Context) error {
	return b.sync(ctx, syncEnd|syncRead)
}

func (b *Buffer) WriteStart(ctx context.Context) error {
	return b.sync(ctx, syncStart|syncWrite)
}

func (b *Buffer) WriteEnd(ctx context.Context) error {
	return b.sync(ctx, syncEnd|syncWrite)
}

func (b *Buffer) sync(ctx context.Context, flags uint64) error {
	return xsync.DoA2R1(ctx, &b.locker, b.syncLocked, ctx, flags)
}

func (b *Buffer) syncLocked(ctx context.Context, flags uint64) error {
	if b.noSync {
		return nil
	}
	if b.fd < 0 {
		return ErrClosed{}
	}
	arg := syncArg{flags: flags}
	err := internal.Ioctl(b.fd, ioctlSync, unsafePointer(&arg))
	switch err {
	case nil:
		return nil
	case unix.ENOTTY, unix.EINVAL:
		logger.Debugf(ctx, "fd %d does not support DMA_BUF_IOCTL_SYNC: %v", b.fd, err)
		b.noSync = true
		return nil
	default:
		return fmt.Errorf("DMA_BUF_IOCTL_SYNC(0x%x) failed: %w", flags, err)
	}
}

// DupFD returns a new descriptor to the same buffer; the caller owns it.
func (b *Buffer) DupFD(ctx context.Context) (int, error) {
	return xsync.DoR2(ctx, &b.locker, func() (int, error) {
		if b.fd < 0 {
			return -1, ErrClosed{}
		}
		return unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 0)
	})
}

// Close is idempotent.
func (b *Buffer) Close(ctx context.Context) error {
	return xsync.DoR1(ctx, &b.locker, func() error {
		internal.ClearFinalizer(b)
		return b.closeLocked()
	})
}

func (b *Buffer) closeLocked() error {
	var result error
	if b.mapping != nil {
		if err := unix.Munmap(b.mapping); err != nil {
			result = fmt.Errorf("unable to munmap: %w", err)
		}
		b.mapping = nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil && result == nil {
			result = fmt.Errorf("unable to close fd %d: %w", b.fd, err)
		}
		b.fd = -1
	}
	return result
}
