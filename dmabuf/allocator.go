//go:build linux

// allocator.go implements buffer allocators: DMA heaps and a memfd fallback.

package dmabuf

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/v4l2req/internal"
	"github.com/xaionaro-go/v4l2req/logger"
	"golang.org/x/sys/unix"
)

const (
	ioctlHeapAlloc = 0xc0184800

	pageSize = uint64(4096)

	DefaultHeapDir = "/dev/dma_heap"
)

// Allocator creates new buffers of at least the requested capacity.
type Allocator interface {
	Alloc(ctx context.Context, size uint64) (*Buffer, error)
}

type heapAllocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

// HeapAllocator allocates from a /dev/dma_heap/<name> heap.
type HeapAllocator struct {
	fd   int
	path string
}

var _ Allocator = (*HeapAllocator)(nil)

// OpenHeap opens the first heap of names that exists ("linux,cma" and
// "system" are the usual ones).
func OpenHeap(
	ctx context.Context,
	names ...string,
) (_ret *HeapAllocator, _err error) {
	logger.Debugf(ctx, "OpenHeap(ctx, %v)", names)
	defer func() { logger.Debugf(ctx, "/OpenHeap(ctx, %v): %v", names, _err) }()
	if len(names) == 0 {
		names = []string{"linux,cma", "reserved", "system"}
	}
	var lastErr error
	for _, name := range names {
		path := filepath.Join(DefaultHeapDir, name)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			lastErr = fmt.Errorf("unable to open '%s': %w", path, err)
			continue
		}
		return &HeapAllocator{fd: fd, path: path}, nil
	}
	return nil, lastErr
}

func (a *HeapAllocator) String() string {
	return a.path
}

func (a *HeapAllocator) Alloc(ctx context.Context, size uint64) (*Buffer, error) {
	size = internal.AlignUp(size, pageSize)
	data := heapAllocationData{
		len:     size,
		fdFlags: uint32(unix.O_RDWR | unix.O_CLOEXEC),
	}
	if err := internal.Ioctl(a.fd, ioctlHeapAlloc, unsafePointer(&data)); err != nil {
		return nil, ErrAllocate{Size: size, Err: err}
	}
	logger.Tracef(ctx, "allocated %s from %s as fd %d", humanize.IBytes(size), a.path, data.fd)
	return newBuffer(ctx, int(data.fd), size), nil
}

func (a *HeapAllocator) Close(ctx context.Context) error {
	if a.fd < 0 {
		return nil
	}
	err := unix.Close(a.fd)
	a.fd = -1
	return err
}

// MemfdAllocator backs buffers with anonymous shared memory. Devices cannot
// import them, so it serves CPU-only paths and tests.
type MemfdAllocator struct{}

var _ Allocator = MemfdAllocator{}

func (MemfdAllocator) Alloc(ctx context.Context, size uint64) (*Buffer, error) {
	size = internal.AlignUp(size, pageSize)
	fd, err := unix.MemfdCreate("v4l2req", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, ErrAllocate{Size: size, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, ErrAllocate{Size: size, Err: err}
	}
	return newBuffer(ctx, fd, size), nil
}

// Realloc returns old if it can hold size bytes; otherwise it closes old and
// allocates a replacement. On failure old is left intact.
func Realloc(
	ctx context.Context,
	a Allocator,
	old *Buffer,
	size uint64,
) (*Buffer, error) {
	if old != nil && old.Size() >= size {
		return old, nil
	}
	b, err := a.Alloc(ctx, size)
	if err != nil {
		return nil, err
	}
	if old != nil {
		if err := old.Close(ctx); err != nil {
			logger.Errorf(ctx, "unable to close the replaced buffer %s: %v", old, err)
		}
	}
	return b, nil
}
