// entry.go implements the bookkeeping records for device buffer slots.

package mediabufs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaionaro-go/v4l2req/dmabuf"
	"github.com/xaionaro-go/v4l2req/logger"
	"github.com/xaionaro-go/v4l2req/v4l2"
)

type entryBase struct {
	index     uint32
	status    Status
	planes    [v4l2.MaxPlanes]*dmabuf.Buffer
	timestamp time.Duration
}

// Index is the slot number in the device's buffer table.
func (e *entryBase) Index() uint32 {
	return e.index
}

// Plane returns nil for planes that are not backed by a buffer.
func (e *entryBase) Plane(plane int) *dmabuf.Buffer {
	if plane < 0 || plane >= len(e.planes) {
		return nil
	}
	return e.planes[plane]
}

func (e *entryBase) numPlanes() int {
	n := 0
	for n < len(e.planes) && e.planes[n] != nil {
		n++
	}
	return n
}

func (e *entryBase) firstFD() int {
	if e.planes[0] == nil {
		return -1
	}
	return e.planes[0].FD()
}

func (e *entryBase) reset() {
	e.timestamp = 0
	for _, p := range e.planes {
		if p != nil {
			p.SetLen(0)
		}
	}
}

// allocFromFormat sizes every plane after format; on failure the planes
// touched by this call are released.
func (e *entryBase) allocFromFormat(
	ctx context.Context,
	allocator dmabuf.Allocator,
	format v4l2.Format,
) error {
	if allocator == nil {
		return ErrAllocationFailed{Err: ErrNoAllocator{}}
	}
	for i, pf := range format.Planes {
		if i >= len(e.planes) {
			break
		}
		b, err := dmabuf.Realloc(ctx, allocator, e.planes[i], uint64(pf.SizeImage))
		if err != nil {
			for j := 0; j < i; j++ {
				e.closePlane(ctx, j)
			}
			return ErrAllocationFailed{Size: uint64(pf.SizeImage), Err: err}
		}
		e.planes[i] = b
	}
	return nil
}

func (e *entryBase) closePlane(ctx context.Context, i int) {
	if e.planes[i] == nil {
		return
	}
	if err := e.planes[i].Close(ctx); err != nil {
		logger.Errorf(ctx, "unable to close plane %d of entry #%d: %v", i, e.index, err)
	}
	e.planes[i] = nil
}

func (e *entryBase) closePlanes(ctx context.Context) {
	for i := range e.planes {
		e.closePlane(ctx, i)
	}
}

// v4l2Planes describes the planes for a queue operation. Destination planes
// are queued empty.
func (e *entryBase) v4l2Planes(isDestination bool) []v4l2.Plane {
	n := e.numPlanes()
	planes := make([]v4l2.Plane, 0, n)
	for i := 0; i < n; i++ {
		b := e.planes[i]
		if isDestination {
			b.SetLen(0)
		}
		planes = append(planes, v4l2.Plane{
			BytesUsed: uint32(b.Len()),
			Length:    uint32(b.Size()),
			FD:        int32(b.FD()),
		})
	}
	return planes
}

// SourceEntry carries one unit of compressed input to the device.
type SourceEntry struct {
	entryBase

	// fixedSize is set when the device only accepts buffers of exactly the
	// negotiated size
	fixedSize bool
	allocator dmabuf.Allocator
}

func newSourceEntry(index uint32, fixedSize bool, allocator dmabuf.Allocator) *SourceEntry {
	return &SourceEntry{
		entryBase: entryBase{index: index, status: StatusNew},
		fixedSize: fixedSize,
		allocator: allocator,
	}
}

func (e *SourceEntry) String() string {
	return fmt.Sprintf("source#%d", e.index)
}

func (e *SourceEntry) Status() Status {
	return e.status
}

// SetTimestamp sets the timestamp the device copies to the destination.
func (e *SourceEntry) SetTimestamp(ts time.Duration) {
	e.timestamp = ts
}

func (e *SourceEntry) Timestamp() time.Duration {
	return e.timestamp
}

// Alloc makes sure the first plane can hold size bytes.
func (e *SourceEntry) Alloc(ctx context.Context, size uint64) error {
	return e.realloc(ctx, size, true)
}

func (e *SourceEntry) realloc(ctx context.Context, size uint64, canGrow bool) error {
	cur := e.planes[0]
	if cur != nil && size <= cur.Size() {
		return nil
	}
	if !canGrow {
		var capacity uint64
		if cur != nil {
			capacity = cur.Size()
		}
		return ErrAllocationFailed{Size: size, Err: ErrFixedSize{Capacity: capacity}}
	}
	if e.allocator == nil {
		return ErrAllocationFailed{Size: size, Err: ErrNoAllocator{}}
	}
	newSize := RoundUpSize(size)
	logger.Debugf(ctx, "%s: %d bytes do not fit; reallocating to %d", e, size, newSize)
	b, err := dmabuf.Realloc(ctx, e.allocator, cur, newSize)
	if err != nil {
		return ErrAllocationFailed{Size: newSize, Err: err}
	}
	e.planes[0] = b
	return nil
}

// Write copies data into the first plane at offset. The plane grows only
// for writes at offset zero: growing does not preserve the contents.
func (e *SourceEntry) Write(ctx context.Context, offset uint64, data []byte) (_err error) {
	end := offset + uint64(len(data))
	if err := e.realloc(ctx, end, !e.fixedSize && offset == 0); err != nil {
		return err
	}
	b := e.planes[0]
	if err := b.WriteStart(ctx); err != nil {
		return ErrOperationFailed{Op: "write start", Err: err}
	}
	defer func() {
		if err := b.WriteEnd(ctx); err != nil {
			_err = errors.Join(_err, ErrOperationFailed{Op: "write end", Err: err})
		}
	}()
	m, err := b.Map(ctx)
	if err != nil {
		return ErrOperationFailed{Op: "map", Err: err}
	}
	copy(m[offset:end], data)
	b.SetLen(end)
	return nil
}
