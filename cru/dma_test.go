package cru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/o2-daq/readoutcard"
	"github.com/o2-daq/readoutcard/dmabuf"
)

const testBusBase = 0x2_0000_0000

func testChannel(t *testing.T, links string) (*DmaChannel, *mockView) {
	t.Helper()
	mask, err := readoutcard.LinkMaskFromString(links)
	require.NoError(t, err)

	data := make([]byte, 64*DmaPageSize)
	buf := dmabuf.Resolved(data, []dmabuf.Chunk{
		{BusAddress: testBusBase, Offset: 0, Length: len(data)},
	})

	m := newMockView(ControlBar)
	p := readoutcard.MakeParameters(readoutcard.SerialID(0), 0).SetLinkMask(mask)
	ch, err := NewChannel(NewBar(m), buf, p)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, m
}

// complete marks n superpages of a link done, filled completely.
func complete(m *mockView, link uint32, total uint32, filledPages uint32) {
	m.regs[regSuperpageCount(link)] = total
	m.regs[regSuperpageFilled(link)] = filledPages
}

func TestChannelPushPopOrder(t *testing.T) {
	ch, m := testChannel(t, "0")
	require.NoError(t, ch.StartDma())

	sizes := []int{2, 1, 4, 1}
	offset := 0
	for i, pages := range sizes {
		sp := readoutcard.Superpage{Offset: offset, Size: pages * DmaPageSize, UserData: i}
		require.NoError(t, ch.PushSuperpage(0, sp))
		offset += sp.Size
	}

	// The descriptor push port saw the last superpage's address and count.
	assert.Equal(t, uint32(1), m.regs[regSuperpagePageCount(0)])
	wantBus := uint64(testBusBase + 7*DmaPageSize)
	assert.Equal(t, uint32(wantBus), m.regs[regSuperpageAddressLow(0)])
	assert.Equal(t, uint32(wantBus>>32), m.regs[regSuperpageAddressHigh(0)])

	_, err := ch.PopSuperpage(0)
	assert.Equal(t, readoutcard.ErrNoReadySuperpage, err)

	complete(m, 0, 2, 2)
	n, err := ch.ReadyCount(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	sp, err := ch.PopSuperpage(0)
	require.NoError(t, err)
	assert.Equal(t, 0, sp.UserData)
	assert.Equal(t, 2*DmaPageSize, sp.Filled)

	complete(m, 0, 2, 1)
	sp, err = ch.PopSuperpage(0)
	require.NoError(t, err)
	assert.Equal(t, 1, sp.UserData)
	assert.Equal(t, DmaPageSize, sp.Filled)

	_, err = ch.PopSuperpage(0)
	assert.Equal(t, readoutcard.ErrNoReadySuperpage, err)

	complete(m, 0, 4, 4)
	sp, err = ch.PopSuperpage(0)
	require.NoError(t, err)
	assert.Equal(t, 2, sp.UserData)
	sp, err = ch.PopSuperpage(0)
	require.NoError(t, err)
	assert.Equal(t, 3, sp.UserData)
}

func TestChannelFifoBound(t *testing.T) {
	ch, m := testChannel(t, "0")
	require.NoError(t, ch.StartDma())

	for i := 0; i < FifoDepth; i++ {
		sp := readoutcard.Superpage{Offset: i * DmaPageSize, Size: DmaPageSize}
		require.NoError(t, ch.PushSuperpage(0, sp))
	}
	err := ch.PushSuperpage(0, readoutcard.Superpage{Size: DmaPageSize})
	assert.Equal(t, readoutcard.ErrFifoFull, err)
	// Backpressure is flow control, not a fault.
	assert.Equal(t, readoutcard.Running, ch.State())

	// Popping one frees one slot.
	complete(m, 0, 1, 1)
	_, err = ch.PopSuperpage(0)
	require.NoError(t, err)
	require.NoError(t, ch.PushSuperpage(0,
		readoutcard.Superpage{Offset: FifoDepth * DmaPageSize, Size: DmaPageSize}))
}

func TestChannelPerLinkIndependence(t *testing.T) {
	ch, m := testChannel(t, "0,3")
	require.NoError(t, ch.StartDma())

	require.NoError(t, ch.PushSuperpage(0, readoutcard.Superpage{Offset: 0, Size: DmaPageSize, UserData: "a"}))
	require.NoError(t, ch.PushSuperpage(3, readoutcard.Superpage{Offset: DmaPageSize, Size: DmaPageSize, UserData: "b"}))

	// Only link 3 completes.
	complete(m, 3, 1, 1)
	n, err := ch.ReadyCount(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	sp, err := ch.PopSuperpage(3)
	require.NoError(t, err)
	assert.Equal(t, "b", sp.UserData)
}

func TestChannelFaults(t *testing.T) {
	ch, _ := testChannel(t, "0")

	err := ch.PushSuperpage(7, readoutcard.Superpage{Size: DmaPageSize})
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorInvalidLinkID))
	assert.Equal(t, readoutcard.Faulted, ch.State())

	// Everything but Close is refused after a fault, reporting the cause.
	err = ch.StartDma()
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorInvalidLinkID))
	require.NoError(t, ch.Close())
	assert.Equal(t, readoutcard.Closed, ch.State())
}

func TestChannelPushValidation(t *testing.T) {
	ch, _ := testChannel(t, "0")

	err := ch.PushSuperpage(0, readoutcard.Superpage{Size: DmaPageSize - 1})
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorMisalignedSize))
	require.NoError(t, ch.Close())

	ch, _ = testChannel(t, "0")
	err = ch.PushSuperpage(0, readoutcard.Superpage{Offset: 1 << 30, Size: DmaPageSize})
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorOutOfBuffer))
}

func TestChannelStopDiscardsInFlight(t *testing.T) {
	ch, m := testChannel(t, "0")
	require.NoError(t, ch.StartDma())

	for i := 0; i < 4; i++ {
		require.NoError(t, ch.PushSuperpage(0, readoutcard.Superpage{Offset: i * DmaPageSize, Size: DmaPageSize}))
	}
	require.NoError(t, ch.StopDma())
	assert.Equal(t, readoutcard.Armed, ch.State())

	// The card was reset; counters restart from zero.
	complete(m, 0, 0, 0)
	require.NoError(t, ch.StartDma())
	n, err := ch.ReadyCount(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = ch.PopSuperpage(0)
	assert.Equal(t, readoutcard.ErrNoReadySuperpage, err)
}

func TestChannelStateTransitions(t *testing.T) {
	ch, _ := testChannel(t, "0")
	assert.Equal(t, readoutcard.Armed, ch.State())

	err := ch.StopDma()
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorParameter))

	require.NoError(t, ch.StartDma())
	err = ch.StartDma()
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorParameter))

	require.NoError(t, ch.StopDma())
	require.NoError(t, ch.Close())
	// Close is idempotent.
	require.NoError(t, ch.Close())
}

func TestValidateParameters(t *testing.T) {
	base := func() *readoutcard.Parameters {
		mask, _ := readoutcard.LinkMaskFromString("0-3")
		return readoutcard.MakeParameters(readoutcard.SerialID(0), 0).SetLinkMask(mask)
	}

	assert.NoError(t, validate(base()))
	assert.Error(t, validate(base().SetChannelNumber(1)))
	assert.Error(t, validate(base().SetDmaPageSize(4096)))
	assert.NoError(t, validate(base().SetDmaPageSize(DmaPageSize)))
	assert.Error(t, validate(base().SetGeneratorLoopback(readoutcard.LoopbackExternal)))
	assert.Error(t, validate(base().
		SetGeneratorEnabled(true).SetGeneratorLoopback(readoutcard.LoopbackNone)))
	assert.NoError(t, validate(base().
		SetGeneratorEnabled(true).SetGeneratorLoopback(readoutcard.LoopbackInternal)))
	assert.Error(t, validate(base().SetGeneratorPattern(readoutcard.PatternRandom)))
	assert.Error(t, validate(base().SetGeneratorDataSize(100)))
	assert.Error(t, validate(base().SetReadoutMode(readoutcard.ReadoutContinuous)))

	mask, _ := readoutcard.LinkMaskFromString("24")
	err := validate(base().SetLinkMask(mask))
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorInvalidLinkID))

	// A real buffer without a link mask is refused.
	noMask := readoutcard.MakeParameters(readoutcard.SerialID(0), 0).
		SetBufferSpec(dmabuf.Memory{Data: make([]byte, DmaPageSize)})
	err = validate(noMask)
	assert.True(t, readoutcard.IsKind(err, readoutcard.ErrorParameter))
	assert.NoError(t, validate(readoutcard.MakeParameters(readoutcard.SerialID(0), 0).
		SetBufferSpec(dmabuf.Null{})))
}
