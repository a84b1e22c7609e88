/*Package readoutcard is a userspace driver library for the PCIe readout cards
used in the data-acquisition chain: the six-channel optical readout card
(RORC) and the single-channel next-generation readout card (CRU).

The package holds the card-neutral surface: card descriptors, channel
parameters, the Bar and DmaChannel contracts, the error taxonomy and the
channel factory.  The card families themselves live in the cru and rorc
subpackages, which register with this package at import time.  A program that
wants to talk to real hardware imports them for side effect:

	import (
		"github.com/o2-daq/readoutcard"

		_ "github.com/o2-daq/readoutcard/cru"
		_ "github.com/o2-daq/readoutcard/rorc"
	)

	params := readoutcard.NewParameters().
		SetCardID(readoutcard.SerialID(12345)).
		SetChannelNumber(0).
		SetBufferSpec(dmabuf.Null{})
	bar, err := readoutcard.NewChannelFactory(nil).OpenBar(params)

Card id -1 is a sentinel that yields an inert dummy implementation, usable
without hardware or the family subpackages.

The core is single threaded and cooperative: no goroutines are spawned, no
call blocks indefinitely, and the only waiting primitive is a bounded spin on
a card BUSY bit.  A channel must not be shared between goroutines without
external locking; distinct channels may be driven concurrently.
*/
package readoutcard

import (
	"fmt"
)

// CardType identifies a readout card family.
type CardType int

// The known card families.  Dummy is the software-only stand-in selected by
// the sentinel card id -1.
const (
	Unknown CardType = iota
	Rorc
	Cru
	Dummy
)

func (t CardType) String() string {
	switch t {
	case Rorc:
		return "RORC"
	case Cru:
		return "CRU"
	case Dummy:
		return "DUMMY"
	default:
		return "UNKNOWN"
	}
}

// PciID is a PCI (vendor, device) pair.
type PciID struct {
	Vendor uint16
	Device uint16
}

func (id PciID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// PCI identification of the supported card families.
var (
	RorcPciID = PciID{Vendor: 0x10dc, Device: 0x0033}
	CruPciID  = PciID{Vendor: 0x1172, Device: 0xe001}
)

// PciAddress is the bus:device.function triplet of a card, without the PCI
// domain.  The numbers are hexadecimal in the string form, e.g. "42:0.0".
type PciAddress struct {
	Bus      uint8
	Device   uint8 // 0-31
	Function uint8 // 0-7
}

// NewPciAddress validates the device and function ranges and returns the
// address.  Bus may be any 8-bit value.
func NewPciAddress(bus, device, function uint8) (PciAddress, error) {
	if device > 31 {
		return PciAddress{}, NewError(ErrorParameter, fmt.Sprintf("PCI device number %d out of range (max 31)", device))
	}
	if function > 7 {
		return PciAddress{}, NewError(ErrorParameter, fmt.Sprintf("PCI function number %d out of range (max 7)", function))
	}
	return PciAddress{Bus: bus, Device: device, Function: function}, nil
}

func (a PciAddress) String() string {
	return fmt.Sprintf("%x:%x.%x", a.Bus, a.Device, a.Function)
}

// CardDescriptor describes one discovered card.  Serial is nil when the
// family-specific probe could not read a serial number; the descriptor is
// still valid without one.
type CardDescriptor struct {
	CardType CardType
	Serial   *int32
	PciID    PciID
	Address  PciAddress
	NumaNode int
}

// SerialString renders the serial for display, "n/a" when absent.
func (d CardDescriptor) SerialString() string {
	if d.Serial == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *d.Serial)
}
