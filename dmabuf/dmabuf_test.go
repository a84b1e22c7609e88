package dmabuf

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePagemap maps each virtual page of data to a scripted physical page.
// physPages[i] is the physical frame of the i-th page of the buffer.
func fakePagemap(t *testing.T, data []byte, physPages []uint64) {
	t.Helper()
	base := uintptr(unsafe.Pointer(&data[0]))
	old := physPageFn
	physPageFn = func(vaddr uintptr) (uint64, error) {
		idx := int(vaddr-base) / pageSize
		require.Less(t, idx, len(physPages), "walk past scripted pages")
		return physPages[idx]*uint64(pageSize) + uint64((vaddr-base)%uintptr(pageSize)), nil
	}
	t.Cleanup(func() { physPageFn = old })
}

func TestPhysChunksCoalescing(t *testing.T) {
	data := make([]byte, 4*pageSize)
	// Pages 0,1 adjacent; page 2 elsewhere; page 3 adjacent to 2.
	fakePagemap(t, data, []uint64{100, 101, 500, 501})

	chunks, err := physChunks(data)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, uint64(100*pageSize), chunks[0].BusAddress)
	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, 2*pageSize, chunks[0].Length)

	assert.Equal(t, uint64(500*pageSize), chunks[1].BusAddress)
	assert.Equal(t, 2*pageSize, chunks[1].Offset)
	assert.Equal(t, 2*pageSize, chunks[1].Length)
}

func TestBusAddress(t *testing.T) {
	data := make([]byte, 4*pageSize)
	r := Resolved(data, []Chunk{
		{BusAddress: 0x10000000, Offset: 0, Length: 2 * pageSize},
		{BusAddress: 0x20000000, Offset: 2 * pageSize, Length: 2 * pageSize},
	})

	bus, err := r.BusAddress(0, pageSize, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000000), bus)

	bus, err = r.BusAddress(2*pageSize, pageSize, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000000), bus)

	// Range straddling the chunk boundary.
	_, err = r.BusAddress(pageSize, 2*pageSize, 1)
	assert.ErrorIs(t, err, ErrNotContiguous)

	// Out of bounds.
	_, err = r.BusAddress(3*pageSize, 2*pageSize, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = r.BusAddress(-1, pageSize, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = r.BusAddress(0, 0, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	// Misaligned for the family requirement.
	_, err = r.BusAddress(32, pageSize, 4096)
	assert.ErrorIs(t, err, ErrMisaligned)
	_, err = r.BusAddress(32, 64, 32)
	assert.NoError(t, err)
}

func TestNullRegistration(t *testing.T) {
	r, err := Register(Null{})
	require.NoError(t, err)
	assert.Zero(t, r.Size())
	_, err = r.BusAddress(0, 64, 1)
	assert.ErrorIs(t, err, ErrNullBuffer)
	assert.NoError(t, r.Close())
}

func TestRegisterRejectsUnknownSpec(t *testing.T) {
	type weird struct{ Spec }
	_, err := Register(weird{})
	assert.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	data := make([]byte, pageSize)
	r := Resolved(data, []Chunk{{BusAddress: 0x1000, Offset: 0, Length: pageSize}})
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	_, err := r.BusAddress(0, 64, 1)
	assert.ErrorIs(t, err, ErrNullBuffer)
}
