package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/nebulardma/internal/rdmaerr"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

type fakeRegistrar struct {
	registered   int
	deregistered int
	fail         error
}

func (f *fakeRegistrar) RegisterMemory(addr uintptr, length int) (verbs.MemoryRegion, error) {
	if f.fail != nil {
		return verbs.MemoryRegion{}, f.fail
	}

	f.registered++

	return verbs.MemoryRegion{Handle: 1, Addr: addr, Length: length, LKey: 0x11, RKey: 0x22}, nil
}

func (f *fakeRegistrar) DeregisterMemory(verbs.MemoryRegion) error {
	f.deregistered++

	return nil
}

func allocate(t *testing.T, blockSize, numBlocks int) *Buffer {
	t.Helper()

	b, err := Allocate(blockSize, numBlocks, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Release() })

	return b
}

func TestAllocateGeometry(t *testing.T) {
	tests := []struct {
		blockSize int
		numBlocks int
	}{
		{1, 1},
		{256, 10},
		{1000, 10},
		{4096, 3},
		{7, 1000},
	}

	for _, tt := range tests {
		b := allocate(t, tt.blockSize, tt.numBlocks)

		assert.Equal(t, tt.blockSize*tt.numBlocks, b.Size())
		assert.Zero(t, b.Addr()%uintptr(unix.Getpagesize()), "base must be page aligned")
		assert.Equal(t, -1, b.Index())
		assert.False(t, b.IsSub())

		for i := 0; i < tt.numBlocks; i++ {
			sub, err := b.At(i)
			require.NoError(t, err)

			assert.Equal(t, b.Addr()+uintptr(i*tt.blockSize), sub.Addr())
			assert.Equal(t, tt.blockSize, sub.Size())
			assert.Equal(t, i, sub.Index())
			assert.True(t, sub.IsSub())
		}
	}
}

func TestAllocateZeroFilled(t *testing.T) {
	b := allocate(t, 512, 4)

	for _, c := range b.Bytes() {
		require.Zero(t, c)
	}
}

func TestAllocateInvalid(t *testing.T) {
	_, err := Allocate(0, 10, "x")
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)

	_, err = Allocate(10, 0, "x")
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
}

func TestSubBufferNames(t *testing.T) {
	b := allocate(t, 8, 3)

	sub, err := b.At(2)
	require.NoError(t, err)
	assert.Equal(t, "2@test", sub.Name())

	_, err = b.At(3)
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)
}

func TestRingVisitsEveryBlockInOrder(t *testing.T) {
	const n = 5

	b := allocate(t, 16, n)

	for pass := 0; pass < 2; pass++ {
		for i := 0; i < n; i++ {
			sub, err := b.Next()
			require.NoError(t, err)
			assert.Equal(t, i, sub.Index())
		}

		for i := 0; i < n; i++ {
			sub, err := b.Last()
			require.NoError(t, err)
			assert.Equal(t, i, sub.Index())
		}
	}
}

func TestRingBounded(t *testing.T) {
	b := allocate(t, 16, 2)

	_, err := b.Last()
	assert.ErrorIs(t, err, ErrRingEmpty)

	_, err = b.Next()
	require.NoError(t, err)
	_, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, b.InFlight())

	_, err = b.Next()
	assert.ErrorIs(t, err, ErrRingExhausted)
	assert.Equal(t, 2, b.InFlight())

	sub, err := b.Last()
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Index())

	sub, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Index(), "ring wraps after a slot is reclaimed")

	b.Reset()
	assert.Zero(t, b.InFlight())

	sub, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, sub.Index())
}

func TestRegisterPropagatesToSubBuffers(t *testing.T) {
	b := allocate(t, 64, 4)
	r := &fakeRegistrar{}

	require.NoError(t, b.Register(r))
	assert.Equal(t, 1, r.registered)

	sub, err := b.At(3)
	require.NoError(t, err)
	assert.True(t, sub.Registered())
	assert.Equal(t, uint32(0x11), sub.LKey())
	assert.Equal(t, uint32(0x22), sub.RKey())

	err = sub.Register(r)
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)

	err = b.Register(r)
	assert.ErrorIs(t, err, rdmaerr.ErrProtocolViolation)

	desc := b.Descriptor()
	assert.Equal(t, uint64(b.Addr()), desc.Addr)
	assert.Equal(t, uint64(256), desc.Length)
	assert.Equal(t, uint32(0x22), desc.RKey)

	require.NoError(t, b.Release())
	assert.Equal(t, 1, r.deregistered)
	assert.False(t, sub.Registered())

	// Releasing twice and releasing a sub-buffer are no-ops.
	require.NoError(t, b.Release())
	require.NoError(t, sub.Release())
	assert.Equal(t, 1, r.deregistered)
}

func TestRegisterFailure(t *testing.T) {
	b := allocate(t, 64, 1)

	err := b.Register(&fakeRegistrar{fail: errors.New("boom")})
	require.Error(t, err)
	assert.False(t, b.Registered())
}

func TestFillIn(t *testing.T) {
	b := allocate(t, 8, 1)

	require.NoError(t, b.FillIn([]byte("abcdefgh")))
	require.NoError(t, b.FillIn([]byte("xy")))
	assert.Equal(t, []byte{'x', 'y', 0, 0, 0, 0, 0, 0}, b.Bytes())

	err := b.FillIn(make([]byte, 9))
	assert.ErrorIs(t, err, rdmaerr.ErrConfiguration)

	b.Clear()
	assert.Equal(t, make([]byte, 8), b.Bytes())
}
