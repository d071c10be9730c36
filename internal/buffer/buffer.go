// Package buffer provides pinned, page aligned memory pools for RDMA.
//
// A base Buffer owns one anonymous mapping of blockSize*numBlocks bytes that
// is split into numBlocks sub-buffers. The sub-buffers form a bounded ring:
// Next hands out the following slot and Last reclaims the oldest one. The
// ring is not synchronized; a buffer belongs to the single goroutine that
// polls its channel's completion queue.
package buffer

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/nebulardma/internal/metrics"
	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
	"github.com/piwi3910/nebulardma/internal/wire"
)

// Ring errors.
var (
	ErrRingExhausted = errors.New("buffer ring exhausted: every block is in flight")
	ErrRingEmpty     = errors.New("buffer ring empty: no block is in flight")
)

// Registrar pins memory for a buffer. Adapters implement it.
type Registrar interface {
	RegisterMemory(addr uintptr, length int) (verbs.MemoryRegion, error)
	DeregisterMemory(mr verbs.MemoryRegion) error
}

// Owner tracks registered buffers by name. Channels implement it.
type Owner interface {
	RemoveBuffer(buf *Buffer) bool
}

// Buffer is a base buffer or a view on one block of a base buffer.
type Buffer struct {
	name      string
	data      []byte
	blockSize int
	numBlocks int
	index     int
	base      *Buffer
	subs      []*Buffer
	mr        *verbs.MemoryRegion
	registrar Registrar
	owner     Owner
	next      int
	last      int
	inFlight  int
	released  bool
}

// Allocate maps blockSize*numBlocks zeroed bytes and carves them into
// numBlocks sub-buffers named "<i>@<name>".
func Allocate(blockSize, numBlocks int, name string) (*Buffer, error) {
	if blockSize <= 0 || numBlocks <= 0 {
		return nil, rdmaerr.Configuration("invalid buffer geometry %dx%d for %q", blockSize, numBlocks, name)
	}

	size := blockSize * numBlocks

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to map %d bytes for %q: %w", rdmaerr.ErrResourceAllocation, size, name, err)
	}

	b := &Buffer{
		name:      name,
		data:      data,
		blockSize: blockSize,
		numBlocks: numBlocks,
		index:     -1,
		next:      -1,
		last:      -1,
	}

	b.subs = make([]*Buffer, numBlocks)
	for i := range b.subs {
		off := i * blockSize
		b.subs[i] = &Buffer{
			name:      fmt.Sprintf("%d@%s", i, name),
			data:      data[off : off+blockSize : off+blockSize],
			blockSize: blockSize,
			numBlocks: 1,
			index:     i,
			base:      b,
		}
	}

	log.Trace().Str("buffer", name).Int("block_size", blockSize).Int("blocks", numBlocks).Msg("Buffer allocated")

	return b, nil
}

// Name returns the buffer name.
func (b *Buffer) Name() string { return b.name }

// Bytes returns the memory backing the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// BlockSize returns the size of one block.
func (b *Buffer) BlockSize() int { return b.blockSize }

// NumBlocks returns the number of blocks, 1 for a sub-buffer.
func (b *Buffer) NumBlocks() int { return b.numBlocks }

// Index returns the block index of a sub-buffer, or -1 for a base buffer.
func (b *Buffer) Index() int { return b.index }

// IsSub reports whether b is a view on a base buffer.
func (b *Buffer) IsSub() bool { return b.base != nil }

// Addr returns the virtual address of the first byte.
func (b *Buffer) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.data)))
}

// At returns sub-buffer i.
func (b *Buffer) At(i int) (*Buffer, error) {
	if b.IsSub() {
		return nil, rdmaerr.Configuration("%s is a sub-buffer", b.name)
	}

	if i < 0 || i >= len(b.subs) {
		return nil, rdmaerr.Configuration("block %d out of range for %s (%d blocks)", i, b.name, len(b.subs))
	}

	return b.subs[i], nil
}

func (b *Buffer) region() *verbs.MemoryRegion {
	if b.base != nil {
		return b.base.mr
	}

	return b.mr
}

// Registered reports whether the memory is pinned.
func (b *Buffer) Registered() bool {
	return b.region() != nil
}

// LKey returns the local key of the registration, 0 if unregistered.
func (b *Buffer) LKey() uint32 {
	if mr := b.region(); mr != nil {
		return mr.LKey
	}

	return 0
}

// RKey returns the remote key of the registration, 0 if unregistered.
func (b *Buffer) RKey() uint32 {
	if mr := b.region(); mr != nil {
		return mr.RKey
	}

	return 0
}

// Descriptor describes the whole buffer for a peer.
func (b *Buffer) Descriptor() wire.CommDescriptor {
	return wire.CommDescriptor{
		Addr:   uint64(b.Addr()),
		Length: uint64(len(b.data)), //nolint:gosec // G115: length is non-negative
		RKey:   b.RKey(),
	}
}

// Register pins the base buffer through r. The registration is shared by
// every sub-buffer.
func (b *Buffer) Register(r Registrar) error {
	if b.IsSub() {
		return rdmaerr.Configuration("cannot register sub-buffer %s directly", b.name)
	}

	if b.released {
		return rdmaerr.Configuration("buffer %s has been released", b.name)
	}

	if b.mr != nil {
		return rdmaerr.ProtocolViolation("buffer %s is already registered", b.name)
	}

	mr, err := r.RegisterMemory(b.Addr(), len(b.data))
	if err != nil {
		return fmt.Errorf("failed to register buffer %s: %w", b.name, err)
	}

	b.mr = &mr
	b.registrar = r

	metrics.AddRegisteredBuffer(1, len(b.data))
	log.Trace().Str("buffer", b.name).Uint32("lkey", mr.LKey).Uint32("rkey", mr.RKey).Msg("Buffer registered")

	return nil
}

// Attach records the owner that must forget b when it is released.
func (b *Buffer) Attach(o Owner) {
	b.owner = o
}

// Deregister unpins the buffer if it is registered.
func (b *Buffer) Deregister() error {
	if b.IsSub() || b.mr == nil {
		return nil
	}

	mr := *b.mr
	b.mr = nil

	metrics.AddRegisteredBuffer(-1, len(b.data))

	if err := b.registrar.DeregisterMemory(mr); err != nil {
		return fmt.Errorf("failed to deregister buffer %s: %w", b.name, err)
	}

	return nil
}

// Release removes a base buffer from its owner, deregisters and unmaps it.
// It is a no-op on a sub-buffer and safe to call twice.
func (b *Buffer) Release() error {
	if b.IsSub() || b.released {
		return nil
	}

	if b.owner != nil {
		b.owner.RemoveBuffer(b)
		b.owner = nil
	}

	err := b.Deregister()

	if uerr := unix.Munmap(b.data); uerr != nil && err == nil {
		err = fmt.Errorf("failed to unmap buffer %s: %w", b.name, uerr)
	}

	b.released = true
	b.data = nil

	for _, sub := range b.subs {
		sub.data = nil
	}

	return err
}

// Next advances the producer cursor and returns the block it lands on. It
// fails without moving when every block is in flight.
func (b *Buffer) Next() (*Buffer, error) {
	if b.IsSub() {
		return nil, rdmaerr.Configuration("%s is a sub-buffer", b.name)
	}

	if b.inFlight == b.numBlocks {
		return nil, ErrRingExhausted
	}

	b.next = (b.next + 1) % b.numBlocks
	b.inFlight++

	return b.subs[b.next], nil
}

// Last advances the consumer cursor and returns the block it lands on. It
// fails without moving when nothing is in flight.
func (b *Buffer) Last() (*Buffer, error) {
	if b.IsSub() {
		return nil, rdmaerr.Configuration("%s is a sub-buffer", b.name)
	}

	if b.inFlight == 0 {
		return nil, ErrRingEmpty
	}

	b.last = (b.last + 1) % b.numBlocks
	b.inFlight--

	return b.subs[b.last], nil
}

// InFlight returns the number of blocks handed out by Next and not yet
// reclaimed by Last.
func (b *Buffer) InFlight() int { return b.inFlight }

// Reset rewinds both cursors.
func (b *Buffer) Reset() {
	b.next, b.last, b.inFlight = -1, -1, 0
}

// Clear zero-fills the buffer.
func (b *Buffer) Clear() {
	clear(b.data)
}

// FillIn clears the buffer and copies data to its start.
func (b *Buffer) FillIn(data []byte) error {
	if len(data) > len(b.data) {
		return rdmaerr.Configuration("invalid data length %d for %s of %d bytes", len(data), b.name, len(b.data))
	}

	b.Clear()
	copy(b.data, data)

	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("RDMABuffer(%s, %dx%d)", b.name, b.blockSize, b.numBlocks)
}
