package rorc

import (
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"

	"github.com/o2-daq/readoutcard"
)

// barView is the mapped-BAR surface the bar needs.  Satisfied by
// pci.BarView and by in-memory mocks in tests.
type barView interface {
	readoutcard.RegisterReadWriter
	Index() int
	Close() error
}

// Bar wraps a mapped C-RORC BAR with the card's register semantics.  All
// control registers live on BAR 0.
type Bar struct {
	view barView
}

func NewBar(view barView) *Bar { return &Bar{view: view} }

func (b *Bar) ReadRegister(i uint32) uint32     { return b.view.ReadRegister(i) }
func (b *Bar) WriteRegister(i uint32, v uint32) { b.view.WriteRegister(i, v) }
func (b *Bar) Index() int                       { return b.view.Index() }
func (b *Bar) Close() error                     { return b.view.Close() }

func (b *Bar) CardType() readoutcard.CardType { return readoutcard.Rorc }

func (b *Bar) wrongBar(op string) error {
	return readoutcard.NewError(readoutcard.ErrorWrongBar,
		op+" requires BAR 0").WithBarIndex(b.view.Index())
}

func (b *Bar) onControlBar() bool { return b.view.Index() == ControlBar }

// Serial reads the serial record from card flash.  The record carries a
// CRC-16/CCITT over the serial word; a mismatch means blank or corrupted
// flash and the serial is reported absent.
func (b *Bar) Serial() (int32, bool) {
	if !b.onControlBar() {
		return 0, false
	}
	b.view.WriteRegister(regFlashAddress, flashSerialAddress)
	word := b.view.ReadRegister(regFlashData)
	b.view.WriteRegister(regFlashAddress, flashSerialAddress+1)
	sum := b.view.ReadRegister(regFlashData)
	if word == 0xffffffff {
		return 0, false
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], word)
	if crc.CalculateCRC(crc.CCITT, buf[:]) != uint64(sum&0xffff) {
		return 0, false
	}
	serial := int32(word)
	if serial < 0 || serial > serialMax {
		return 0, false
	}
	return serial, true
}

// Temperature is not exposed by the C-RORC register map.
func (b *Bar) Temperature() (float64, bool) { return 0, false }

// FirmwareInfo renders the firmware version word, major and minor halves.
func (b *Bar) FirmwareInfo() (string, bool) {
	if !b.onControlBar() {
		return "", false
	}
	raw := b.view.ReadRegister(regFirmware)
	if raw == 0xffffffff {
		return "", false
	}
	return fmt.Sprintf("%d.%d", raw>>16, raw&0xffff), true
}

// CardID is not exposed by the C-RORC register map.
func (b *Bar) CardID() (string, bool) { return "", false }

// DroppedPackets is not counted by the C-RORC.
func (b *Bar) DroppedPackets() int32 { return -1 }

func (b *Bar) CTPClock() uint32 {
	return b.view.ReadRegister(regCtpClock)
}

func (b *Bar) LocalClock() uint32 {
	return b.view.ReadRegister(regLocalClock)
}

// LinksPerWrapper is a CRU concept; the C-RORC has no wrappers.
func (b *Bar) LinksPerWrapper(wrapper uint32) int32 { return -1 }

// Links: one optical link per DMA channel.
func (b *Bar) Links() int32 { return MaxChannels }

func (b *Bar) SetDataEmulatorEnabled(enabled bool) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataEmulatorEnabled")
	}
	bits := b.view.ReadRegister(regDataGenerator)
	if enabled {
		bits |= generatorEnableBit
	} else {
		bits &^= generatorEnableBit
	}
	b.view.WriteRegister(regDataGenerator, bits)
	return nil
}

func (b *Bar) ResetDataGeneratorCounter() error {
	if !b.onControlBar() {
		return b.wrongBar("ResetDataGeneratorCounter")
	}
	b.view.WriteRegister(regGeneratorCountRst, 0x1)
	return nil
}

// ResetCard issues the reset command and waits for the status busy bit to
// clear with a bounded spin.
func (b *Bar) ResetCard() error {
	if !b.onControlBar() {
		return b.wrongBar("ResetCard")
	}
	b.view.WriteRegister(regCommand, cmdReset)
	return b.waitOnBusyClear()
}

func (b *Bar) waitOnBusyClear() error {
	for i := 0; i < maxBusyIterations; i++ {
		if b.view.ReadRegister(regStatus)&statusBusy == 0 {
			return nil
		}
	}
	return readoutcard.NewError(readoutcard.ErrorBusyTimeout,
		fmt.Sprintf("status busy bit did not clear within %d reads", maxBusyIterations)).
		WithRegisterIndex(regStatus)
}

// SetDataGeneratorPattern validates and writes the generator configuration
// word.  The C-RORC generates all four patterns; size is a multiple of 4
// up to 2 MiB.  Random event sizes are not supported by the firmware.
func (b *Bar) SetDataGeneratorPattern(pattern readoutcard.GeneratorPattern, size int, randomSize bool) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataGeneratorPattern")
	}
	if randomSize {
		return readoutcard.NewError(readoutcard.ErrorNotSupportedByFirmware,
			"C-RORC generator has no random event size mode")
	}
	switch pattern {
	case readoutcard.PatternConstant, readoutcard.PatternAlternating,
		readoutcard.PatternIncremental, readoutcard.PatternRandom:
	default:
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("unknown generator pattern %d", pattern))
	}
	if size < 4 || size > generatorDataSizeMax || size%4 != 0 {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("generator data size %d out of range (multiple of 4, up to %d)",
				size, generatorDataSizeMax))
	}
	bits := (uint32(pattern) & generatorPatternMask) << generatorPatternShift
	bits |= (uint32(size/4) & generatorSizeMask) << generatorSizeShift
	bits |= b.view.ReadRegister(regDataGenerator) & generatorEnableBit
	b.view.WriteRegister(regDataGenerator, bits)
	return nil
}

func (b *Bar) DataGeneratorInjectError() error {
	if !b.onControlBar() {
		return b.wrongBar("DataGeneratorInjectError")
	}
	b.view.WriteRegister(regGeneratorInject, 0x1)
	return nil
}

// SetDataSource selects the event source: the optical link, the internal
// generator, or the DIU/SIU loopback stages.
func (b *Bar) SetDataSource(source readoutcard.DataSource) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataSource")
	}
	b.view.WriteRegister(regDataSource, uint32(source))
	return nil
}

// SetLinksEnabled accepts only the single link each channel drives.
func (b *Bar) SetLinksEnabled(mask readoutcard.LinkMask) error {
	if !b.onControlBar() {
		return b.wrongBar("SetLinksEnabled")
	}
	for _, id := range mask.IDs() {
		if id != 0 {
			return readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
				fmt.Sprintf("C-RORC channels have a single link 0, got %d", id))
		}
	}
	return nil
}

func channelReg(channel uint32, offset uint32) uint32 {
	return uint32(channelBlockBase) + channel*uint32(channelBlockStride) + offset
}

// PushDescriptor stages the bus address and pushes the command FIFO entry
// of one channel by writing the page count.
func (b *Bar) PushDescriptor(channel uint32, pages uint32, busAddress uint64) {
	b.view.WriteRegister(channelReg(channel, chanOffAddressLow), uint32(busAddress))
	b.view.WriteRegister(channelReg(channel, chanOffAddressHigh), uint32(busAddress>>32))
	b.view.WriteRegister(channelReg(channel, chanOffPageCount), pages)
}

// DoneCount reads the completion counter of one channel.  Monotone since
// the last card reset.
func (b *Bar) DoneCount(channel uint32) uint32 {
	return b.view.ReadRegister(channelReg(channel, chanOffDoneCount))
}

// FilledBytes reads the byte count the card wrote into the oldest unread
// superpage of one channel.
func (b *Bar) FilledBytes(channel uint32) uint32 {
	return b.view.ReadRegister(channelReg(channel, chanOffFilledBytes))
}

func (b *Bar) startDmaEngine(channel uint32) {
	b.view.WriteRegister(channelReg(channel, chanOffDmaControl), 0x1)
}

func (b *Bar) stopDmaEngine(channel uint32) {
	b.view.WriteRegister(channelReg(channel, chanOffDmaControl), 0x0)
}
