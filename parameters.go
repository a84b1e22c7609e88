package readoutcard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/o2-daq/readoutcard/dmabuf"
)

// CardID selects a card by serial number or PCI address.  The serial -1 is a
// sentinel that selects the dummy driver.
type CardID struct {
	serial  *int32
	address *PciAddress
}

// SerialID makes a CardID from a serial number.
func SerialID(serial int32) CardID {
	return CardID{serial: &serial}
}

// AddressID makes a CardID from a PCI address.
func AddressID(address PciAddress) CardID {
	return CardID{address: &address}
}

// Serial returns the serial number if the id holds one.
func (c CardID) Serial() (int32, bool) {
	if c.serial == nil {
		return 0, false
	}
	return *c.serial, true
}

// Address returns the PCI address if the id holds one.
func (c CardID) Address() (PciAddress, bool) {
	if c.address == nil {
		return PciAddress{}, false
	}
	return *c.address, true
}

// IsDummy reports whether the id is the sentinel -1.
func (c CardID) IsDummy() bool {
	return c.serial != nil && *c.serial == -1
}

func (c CardID) String() string {
	if c.serial != nil {
		return strconv.FormatInt(int64(*c.serial), 10)
	}
	if c.address != nil {
		return c.address.String()
	}
	return "<empty>"
}

// Parameters collects the configuration of a channel before it is opened.
// Setters store a value and return the receiver for chaining.  Every
// parameter has a non-throwing getter returning (value, present) and a
// Require variant that fails with the Parameter error kind when the value
// was never set.
type Parameters struct {
	cardID              *CardID
	channelNumber       *uint32
	dmaPageSize         *int
	bufferSpec          dmabuf.Spec
	generatorEnabled    *bool
	generatorDataSize   *int
	generatorLoopback   *LoopbackMode
	generatorPattern    *GeneratorPattern
	generatorRandomSize *bool
	readoutMode         *ReadoutMode
	linkMask            LinkMask
}

// NewParameters returns an empty parameter record.
func NewParameters() *Parameters { return &Parameters{} }

// MakeParameters is shorthand for the two required parameters every channel
// needs.
func MakeParameters(id CardID, channel uint32) *Parameters {
	return NewParameters().SetCardID(id).SetChannelNumber(channel)
}

// SetCardID sets the card to open.  Required.
func (p *Parameters) SetCardID(v CardID) *Parameters {
	p.cardID = &v
	return p
}

// SetChannelNumber sets the DMA channel to open.  The RORC has channels 0-5,
// the CRU only channel 0.  Required.
func (p *Parameters) SetChannelNumber(v uint32) *Parameters {
	p.channelNumber = &v
	return p
}

// SetDmaPageSize sets the DMA page size in bytes.  The CRU page size is
// fixed at 8 KiB; setting anything else fails at open.
func (p *Parameters) SetDmaPageSize(v int) *Parameters {
	p.dmaPageSize = &v
	return p
}

// SetBufferSpec sets the DMA buffer.  dmabuf.Null opens the channel without
// data transfer.  Required for real cards.
func (p *Parameters) SetBufferSpec(v dmabuf.Spec) *Parameters {
	p.bufferSpec = v
	return p
}

// SetGeneratorEnabled turns the on-card data generator on.  The generator
// requires a loopback mode other than None.
func (p *Parameters) SetGeneratorEnabled(v bool) *Parameters {
	p.generatorEnabled = &v
	return p
}

// SetGeneratorDataSize sets the generated size per DMA page in bytes.
// RORC: multiple of 4, at most 2 MiB.  CRU: multiple of 32, between 64
// bytes and 8 KiB.  Defaults to the DMA page size.
func (p *Parameters) SetGeneratorDataSize(v int) *Parameters {
	p.generatorDataSize = &v
	return p
}

// SetGeneratorLoopback routes the generated data.  The CRU supports only
// Internal and None.  Defaults to Internal.
func (p *Parameters) SetGeneratorLoopback(v LoopbackMode) *Parameters {
	p.generatorLoopback = &v
	return p
}

// SetGeneratorPattern selects the generated content.  The CRU supports
// Constant, Alternating and Incremental.  Defaults to Incremental.
func (p *Parameters) SetGeneratorPattern(v GeneratorPattern) *Parameters {
	p.generatorPattern = &v
	return p
}

// SetGeneratorRandomSizeEnabled varies the generated size per page.
// Unsupported on the RORC.
func (p *Parameters) SetGeneratorRandomSizeEnabled(v bool) *Parameters {
	p.generatorRandomSize = &v
	return p
}

// SetReadoutMode selects continuous or triggered readout.  Continuous is
// RORC-only.  Defaults to Triggered.
func (p *Parameters) SetReadoutMode(v ReadoutMode) *Parameters {
	p.readoutMode = &v
	return p
}

// SetLinkMask enables the given links.  Ids outside the family range fail
// at open with the InvalidLinkID kind.  Required on the CRU when a transfer
// buffer is present.
func (p *Parameters) SetLinkMask(v LinkMask) *Parameters {
	p.linkMask = v
	return p
}

// Non-throwing getters.

func (p *Parameters) CardID() (CardID, bool) {
	if p.cardID == nil {
		return CardID{}, false
	}
	return *p.cardID, true
}

func (p *Parameters) ChannelNumber() (uint32, bool) {
	if p.channelNumber == nil {
		return 0, false
	}
	return *p.channelNumber, true
}

func (p *Parameters) DmaPageSize() (int, bool) {
	if p.dmaPageSize == nil {
		return 0, false
	}
	return *p.dmaPageSize, true
}

func (p *Parameters) BufferSpec() (dmabuf.Spec, bool) {
	if p.bufferSpec == nil {
		return nil, false
	}
	return p.bufferSpec, true
}

func (p *Parameters) GeneratorEnabled() (bool, bool) {
	if p.generatorEnabled == nil {
		return false, false
	}
	return *p.generatorEnabled, true
}

func (p *Parameters) GeneratorDataSize() (int, bool) {
	if p.generatorDataSize == nil {
		return 0, false
	}
	return *p.generatorDataSize, true
}

func (p *Parameters) GeneratorLoopback() (LoopbackMode, bool) {
	if p.generatorLoopback == nil {
		return LoopbackInternal, false
	}
	return *p.generatorLoopback, true
}

func (p *Parameters) GeneratorPattern() (GeneratorPattern, bool) {
	if p.generatorPattern == nil {
		return PatternIncremental, false
	}
	return *p.generatorPattern, true
}

func (p *Parameters) GeneratorRandomSizeEnabled() (bool, bool) {
	if p.generatorRandomSize == nil {
		return false, false
	}
	return *p.generatorRandomSize, true
}

func (p *Parameters) ReadoutMode() (ReadoutMode, bool) {
	if p.readoutMode == nil {
		return ReadoutTriggered, false
	}
	return *p.readoutMode, true
}

func (p *Parameters) LinkMask() (LinkMask, bool) {
	if p.linkMask == nil {
		return nil, false
	}
	return p.linkMask, true
}

func missing(name string) *Error {
	return NewError(ErrorParameter, "required parameter "+name+" was not set")
}

// Require variants.

func (p *Parameters) RequireCardID() (CardID, error) {
	if v, ok := p.CardID(); ok {
		return v, nil
	}
	return CardID{}, missing("cardId")
}

func (p *Parameters) RequireChannelNumber() (uint32, error) {
	if v, ok := p.ChannelNumber(); ok {
		return v, nil
	}
	return 0, missing("channelNumber")
}

func (p *Parameters) RequireDmaPageSize() (int, error) {
	if v, ok := p.DmaPageSize(); ok {
		return v, nil
	}
	return 0, missing("dmaPageSize")
}

func (p *Parameters) RequireBufferSpec() (dmabuf.Spec, error) {
	if v, ok := p.BufferSpec(); ok {
		return v, nil
	}
	return nil, missing("bufferParameters")
}

func (p *Parameters) RequireLinkMask() (LinkMask, error) {
	if v, ok := p.LinkMask(); ok {
		return v, nil
	}
	return nil, missing("linkMask")
}

// LinkMaskFromString parses a comma-separated list of link ids and inclusive
// ranges, e.g. "0,1,2,8-10" or "0-19,21-23".  Reversed ranges and ids named
// more than once are rejected.
func LinkMaskFromString(s string) (LinkMask, error) {
	mask := LinkMask{}
	if strings.TrimSpace(s) == "" {
		return mask, nil
	}
	add := func(id uint32) error {
		if mask[id] {
			return NewError(ErrorParameter, fmt.Sprintf("link %d appears more than once in %q", id, s))
		}
		mask[id] = true
		return nil
	}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if lo, hi, ok := strings.Cut(item, "-"); ok {
			start, err := parseLinkID(lo, s)
			if err != nil {
				return nil, err
			}
			end, err := parseLinkID(hi, s)
			if err != nil {
				return nil, err
			}
			if end < start {
				return nil, NewError(ErrorParameter, fmt.Sprintf("reversed range %q in %q", item, s))
			}
			for id := start; id <= end; id++ {
				if err := add(id); err != nil {
					return nil, err
				}
			}
			continue
		}
		id, err := parseLinkID(item, s)
		if err != nil {
			return nil, err
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}
	return mask, nil
}

func parseLinkID(s, whole string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, WrapError(ErrorParameter, fmt.Sprintf("bad link id %q in %q", s, whole), err)
	}
	return uint32(v), nil
}

// CardIDFromString parses a card id: a decimal integer is a serial number
// (-1 selects the dummy driver), a "bus:device.function" triplet in
// hexadecimal is a PCI address.
func CardIDFromString(s string) (CardID, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return SerialID(int32(n)), nil
	}
	var bus, device, function uint32
	if n, err := fmt.Sscanf(s, "%x:%x.%x", &bus, &device, &function); n != 3 || err != nil {
		return CardID{}, NewError(ErrorParameter,
			fmt.Sprintf("%q is neither a serial number nor a bus:device.function PCI address", s))
	}
	if bus > 0xff || device > 31 || function > 7 {
		return CardID{}, NewError(ErrorParameter,
			fmt.Sprintf("PCI address %q out of range (bus <= ff, device <= 1f, function <= 7)", s))
	}
	addr, err := NewPciAddress(uint8(bus), uint8(device), uint8(function))
	if err != nil {
		return CardID{}, err
	}
	return AddressID(addr), nil
}
