// Package cru implements the single-channel next-generation readout card:
// its BAR 2 register semantics, firmware feature discovery and the per-link
// superpage DMA channel.  Importing the package registers the family with
// the readoutcard root package.
package cru

// Register byte offsets on BAR 2.  Register access is 32-bit word indexed,
// so offsets are divided by 4.  The housekeeping block is firmware
// dependent; absent registers are flagged in the firmware features word and
// gated before access.
const (
	// Card reset handshake, shared with the slow-control bridge.
	regControl = 0x1e8 / 4
	regBusy    = 0x1ec / 4

	// Firmware features word, parsed once at bar construction.
	regFirmwareFeatures = 0x008 / 4

	// Housekeeping block.
	regFirmwareDate        = 0x00010000 / 4
	regFirmwareTime        = 0x00010004 / 4
	regTemperature         = 0x00010008 / 4
	regChipIDLow           = 0x0001000c / 4
	regChipIDHigh          = 0x00010010 / 4
	regSerial              = 0x00010014 / 4
	regFirmwareCompileInfo = 0x00010018 / 4
	regFirmwareGitHash     = 0x0001001c / 4
	regDroppedPackets      = 0x00010020 / 4

	// Clock generator block, both counters in Hz.
	regCTPClock   = 0x00020000 / 4
	regLocalClock = 0x00020004 / 4

	// DMA and generator block.
	regDmaControl        = 0x00000200 / 4
	regDataSource        = 0x00000210 / 4
	regLinkEnable        = 0x00000214 / 4
	regDataGenerator     = 0x00000220 / 4
	regGeneratorInject   = 0x00000224 / 4
	regGeneratorCountRst = 0x00000228 / 4
)

// Link wrapper block: each wrapper aggregates a group of optical links and
// reports how many are instantiated.
const (
	wrapperBase   = 0x00030000
	wrapperStride = 0x00010000
	wrapperCount  = 2

	// Offset of the link count register within a wrapper block.
	wrapperLinkCount = 0x4
)

func regWrapperLinkCount(wrapper uint32) uint32 {
	return (wrapperBase + wrapper*wrapperStride + wrapperLinkCount) / 4
}

// Per-link superpage FIFO: the descriptor is staged in the address
// registers and pushed by the page-count write.  Descriptors must be pushed
// monotonically, no gaps.
const (
	linkFifoBase   = 0x00000800
	linkFifoStride = 0x10

	linkCountBase  = 0x00000c00
	linkFilledBase = 0x00000e00
)

func regSuperpageAddressLow(link uint32) uint32 {
	return (linkFifoBase + link*linkFifoStride) / 4
}

func regSuperpageAddressHigh(link uint32) uint32 {
	return (linkFifoBase + link*linkFifoStride + 0x4) / 4
}

func regSuperpagePageCount(link uint32) uint32 {
	return (linkFifoBase + link*linkFifoStride + 0x8) / 4
}

func regSuperpageCount(link uint32) uint32 {
	return (linkCountBase + link*0x4) / 4
}

func regSuperpageFilled(link uint32) uint32 {
	return (linkFilledBase + link*0x4) / 4
}

// Generator configuration word layout: pattern in bits 0-1, size in 32-byte
// units in bits 2-17, random size in bit 30, enable in bit 31.
const (
	genPatternShift = 0
	genPatternMask  = 0x3
	genSizeShift    = 2
	genSizeMask     = 0xffff
	genRandomBit    = 1 << 30
	genEnableBit    = 1 << 31
)

// Family constants.
const (
	// DmaPageSize is fixed in the CRU data path.
	DmaPageSize = 8 * 1024

	// FifoDepth is the superpage descriptor FIFO depth per link.
	FifoDepth = 16

	// MaxLinks is the number of optical links; valid ids are 0..MaxLinks-1.
	MaxLinks = 24

	// BusAlignment is the required alignment of superpage bus addresses.
	BusAlignment = 4 * 1024

	// ControlBar carries every control register.
	ControlBar = 2

	// Bounded spin iterations on the BUSY bit.
	maxBusyIterations = 10000

	generatorDataSizeMin = 64
	generatorDataSizeMax = DmaPageSize
)
