package cru

import (
	"fmt"

	"github.com/o2-daq/readoutcard"
)

// barView is the mapped-BAR surface the bar needs.  Satisfied by
// pci.BarView and by in-memory mocks in tests.
type barView interface {
	readoutcard.RegisterReadWriter
	Index() int
	Close() error
}

// Bar wraps a mapped CRU BAR with the card's register semantics.  The
// firmware features word is parsed once at construction; operations whose
// feature flag is clear are refused without touching the register.
type Bar struct {
	view     barView
	features FirmwareFeatures
}

// NewBar wraps view.  Control operations require BAR 2; a bar on another
// index still serves raw register access but refuses them with WrongBar.
func NewBar(view barView) *Bar {
	b := &Bar{view: view}
	if view.Index() == ControlBar {
		b.features = ParseFirmwareFeatures(view.ReadRegister(regFirmwareFeatures))
	}
	return b
}

// Features returns the parsed firmware features word.
func (b *Bar) Features() FirmwareFeatures { return b.features }

func (b *Bar) ReadRegister(i uint32) uint32     { return b.view.ReadRegister(i) }
func (b *Bar) WriteRegister(i uint32, v uint32) { b.view.WriteRegister(i, v) }
func (b *Bar) Index() int                       { return b.view.Index() }
func (b *Bar) Close() error                     { return b.view.Close() }

func (b *Bar) CardType() readoutcard.CardType { return readoutcard.Cru }

func (b *Bar) wrongBar(op string) error {
	return readoutcard.NewError(readoutcard.ErrorWrongBar,
		op+" requires the control BAR").WithBarIndex(b.view.Index())
}

func (b *Bar) onControlBar() bool { return b.view.Index() == ControlBar }

// Serial reads the serial number register.  Absent when the firmware does
// not expose it or the register reads back as all ones.
func (b *Bar) Serial() (int32, bool) {
	if !b.onControlBar() || !b.features.Serial {
		return 0, false
	}
	raw := b.view.ReadRegister(regSerial)
	if raw == 0xffffffff {
		return 0, false
	}
	return int32(raw), true
}

// Temperature converts the raw sensor reading to degrees Celsius using the
// FPGA sensor formula.  A zero raw value means the sensor has not settled.
func (b *Bar) Temperature() (float64, bool) {
	if !b.onControlBar() || !b.features.Temperature {
		return 0, false
	}
	raw := b.view.ReadRegister(regTemperature) & 0x3ff
	if raw == 0 {
		return 0, false
	}
	return float64(raw)*693.0/1024.0 - 265.0, true
}

// FirmwareInfo renders build date, build time and git hash for display.
func (b *Bar) FirmwareInfo() (string, bool) {
	if !b.onControlBar() || !b.features.FirmwareInfo {
		return "", false
	}
	date := b.view.ReadRegister(regFirmwareDate)
	tim := b.view.ReadRegister(regFirmwareTime)
	hash := b.view.ReadRegister(regFirmwareGitHash)
	return fmt.Sprintf("%x-%x-%x", date, tim, hash), true
}

// CardID renders the FPGA chip id, upper and lower halves.
func (b *Bar) CardID() (string, bool) {
	if !b.onControlBar() || !b.features.ChipID {
		return "", false
	}
	high := b.view.ReadRegister(regChipIDHigh)
	low := b.view.ReadRegister(regChipIDLow)
	return fmt.Sprintf("%08x%08x", high, low), true
}

func (b *Bar) DroppedPackets() int32 {
	if !b.onControlBar() {
		return -1
	}
	return int32(b.view.ReadRegister(regDroppedPackets))
}

func (b *Bar) CTPClock() uint32 {
	return b.view.ReadRegister(regCTPClock)
}

func (b *Bar) LocalClock() uint32 {
	return b.view.ReadRegister(regLocalClock)
}

// LinksPerWrapper returns the instantiated link count of one wrapper, -1
// for a wrapper the card does not have.
func (b *Bar) LinksPerWrapper(wrapper uint32) int32 {
	if wrapper >= wrapperCount {
		return -1
	}
	return int32(b.view.ReadRegister(regWrapperLinkCount(wrapper)))
}

// Links returns the total active link count across wrappers.
func (b *Bar) Links() int32 {
	var total int32
	for w := uint32(0); w < wrapperCount; w++ {
		if n := b.LinksPerWrapper(w); n > 0 {
			total += n
		}
	}
	return total
}

// SetDataEmulatorEnabled flips the enable bit of the generator
// configuration word, leaving the rest of the configuration alone.
func (b *Bar) SetDataEmulatorEnabled(enabled bool) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataEmulatorEnabled")
	}
	bits := b.view.ReadRegister(regDataGenerator)
	if enabled {
		bits |= genEnableBit
	} else {
		bits &^= genEnableBit
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

// ResetCard runs the card reset handshake: CONTROL 1, 2, 1, 0, waiting for
// BUSY to clear after each step.
func (b *Bar) ResetCard() error {
	if !b.onControlBar() {
		return b.wrongBar("ResetCard")
	}
	for _, step := range []uint32{0x1, 0x2, 0x1} {
		b.view.WriteRegister(regControl, step)
		if err := b.waitOnBusyClear(); err != nil {
			return err
		}
	}
	b.view.WriteRegister(regControl, 0x0)
	return nil
}

// waitOnBusyClear spins on the BUSY register with a hard iteration cap; the
// driver is fully userspace and has no interrupt line to wait on.
func (b *Bar) waitOnBusyClear() error {
	for i := 0; i < maxBusyIterations; i++ {
		if b.view.ReadRegister(regBusy) == 0 {
			return nil
		}
	}
	return readoutcard.NewError(readoutcard.ErrorBusyTimeout,
		fmt.Sprintf("BUSY did not clear within %d reads", maxBusyIterations)).
		WithRegisterIndex(regBusy)
}

// SetDataGeneratorPattern validates and writes the generator configuration
// word.  The CRU generates Constant, Alternating and Incremental patterns;
// size is per DMA page, a multiple of 32 between 64 bytes and 8 KiB.
func (b *Bar) SetDataGeneratorPattern(pattern readoutcard.GeneratorPattern, size int, randomSize bool) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataGeneratorPattern")
	}
	var bits uint32
	switch pattern {
	case readoutcard.PatternConstant, readoutcard.PatternAlternating, readoutcard.PatternIncremental:
		bits |= (uint32(pattern) & genPatternMask) << genPatternShift
	default:
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("generator pattern %s not supported by the CRU", pattern))
	}
	if size < generatorDataSizeMin || size > generatorDataSizeMax || size%32 != 0 {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("generator data size %d out of range (multiple of 32, %d-%d)",
				size, generatorDataSizeMin, generatorDataSizeMax))
	}
	bits |= (uint32(size/32) & genSizeMask) << genSizeShift
	if randomSize {
		bits |= genRandomBit
	}
	// Preserve the enable bit so a running emulator is reconfigured, not
	// stopped.
	bits |= b.view.ReadRegister(regDataGenerator) & genEnableBit
	b.view.WriteRegister(regDataGenerator, bits)
	return nil
}

// DataGeneratorInjectError requests a single-shot bit flip in the next
// generated page.
func (b *Bar) DataGeneratorInjectError() error {
	if !b.onControlBar() {
		return b.wrongBar("DataGeneratorInjectError")
	}
	b.view.WriteRegister(regGeneratorInject, 0x1)
	return nil
}

// SetDataSource selects between fiber and internal generator input.
func (b *Bar) SetDataSource(source readoutcard.DataSource) error {
	if !b.onControlBar() {
		return b.wrongBar("SetDataSource")
	}
	if !b.features.DataSelection {
		return readoutcard.NewError(readoutcard.ErrorNotSupportedByFirmware,
			"firmware has no data source selection register")
	}
	b.view.WriteRegister(regDataSource, uint32(source))
	return nil
}

// SetLinksEnabled writes the link enable bitmask.
func (b *Bar) SetLinksEnabled(mask readoutcard.LinkMask) error {
	if !b.onControlBar() {
		return b.wrongBar("SetLinksEnabled")
	}
	var bits uint32
	for _, id := range mask.IDs() {
		if id >= MaxLinks {
			return readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
				fmt.Sprintf("link %d out of range (0-%d)", id, MaxLinks-1))
		}
		bits |= 1 << id
	}
	b.view.WriteRegister(regLinkEnable, bits)
	return nil
}

// PushSuperpageDescriptor stages the bus address and pushes the descriptor
// by writing the page count.  Descriptors must be pushed monotonically.
func (b *Bar) PushSuperpageDescriptor(link uint32, pages uint32, busAddress uint64) {
	b.view.WriteRegister(regSuperpageAddressLow(link), uint32(busAddress))
	b.view.WriteRegister(regSuperpageAddressHigh(link), uint32(busAddress>>32))
	b.view.WriteRegister(regSuperpagePageCount(link), pages)
}

// SuperpageCount reads the completion counter of a link.  Monotone since
// the last card reset.
func (b *Bar) SuperpageCount(link uint32) uint32 {
	return b.view.ReadRegister(regSuperpageCount(link))
}

// SuperpageFilledPages reads the per-descriptor status word of the oldest
// unread superpage: the number of DMA pages the card wrote into it.
func (b *Bar) SuperpageFilledPages(link uint32) uint32 {
	return b.view.ReadRegister(regSuperpageFilled(link))
}

func (b *Bar) startDmaEngine() { b.view.WriteRegister(regDmaControl, 0x1) }
func (b *Bar) stopDmaEngine()  { b.view.WriteRegister(regDmaControl, 0x0) }
