// Package rorc drives the C-RORC readout card family: six DMA channels on
// BAR 0, a command FIFO of 128 descriptors per channel, and a flash-backed
// serial number.  Importing the package registers the family driver.
package rorc

// Register word indices on BAR 0.  The global block sits at the bottom of
// the BAR; each DMA channel owns a fixed-stride block above it.
const (
	regFirmware   = 0x00000004 / 4
	regCommand    = 0x00000008 / 4
	regStatus     = 0x0000000c / 4
	regLocalClock = 0x00000010 / 4
	regCtpClock   = 0x00000014 / 4

	// Flash access port, used for the serial number record.
	regFlashAddress = 0x00000060 / 4
	regFlashData    = 0x00000064 / 4

	// Generator configuration, shared across channels.
	regDataGenerator     = 0x00000080 / 4
	regGeneratorInject   = 0x00000084 / 4
	regGeneratorCountRst = 0x00000088 / 4
	regDataSource        = 0x0000008c / 4
)

// Per-channel block: descriptor push port and completion counters.
const (
	channelBlockBase   = 0x00001000 / 4
	channelBlockStride = 0x00000400 / 4

	chanOffAddressLow  = 0x0
	chanOffAddressHigh = 0x1
	chanOffPageCount   = 0x2
	chanOffDmaControl  = 0x3
	chanOffDoneCount   = 0x4
	chanOffFilledBytes = 0x5
)

// Command register opcodes and status bits.
const (
	cmdReset = 0x1

	statusBusy = 0x1
)

// Flash layout of the serial record: a two-word block holding the serial
// number and a CRC-16/CCITT of its four bytes.
const (
	flashSerialAddress = 0x00e0
	serialMax          = 1 << 20
)

// Generator configuration word: pattern in bits 0-1, size in 4-byte units
// in bits 2-20, enable in bit 31.
const (
	generatorPatternShift = 0
	generatorPatternMask  = 0x3
	generatorSizeShift    = 2
	generatorSizeMask     = 0x7ffff
	generatorEnableBit    = 1 << 31
)

// Family constants.
const (
	ControlBar         = 0
	MaxChannels        = 6
	FifoDepth          = 128
	BusAlignment       = 32
	DefaultDmaPageSize = 8 * 1024

	generatorDataSizeMax = 2 * 1024 * 1024

	maxBusyIterations = 10000
)
