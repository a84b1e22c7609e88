package readoutcard

import (
	"github.com/o2-daq/readoutcard/pci"
)

func toPciAddress(a pci.Address) PciAddress {
	return PciAddress{Bus: a.Bus, Device: a.Slot, Function: a.Function}
}

func describe(d Driver, dev *pci.Device) CardDescriptor {
	desc := CardDescriptor{
		CardType: d.CardType,
		PciID:    d.PciID,
		Address:  toPciAddress(dev.Addr),
		NumaNode: dev.NumaNode,
	}
	if d.Probe != nil {
		if serial, ok := d.Probe(dev); ok {
			desc.Serial = &serial
		}
	}
	return desc
}

// FindAll probes every registered card family and returns one descriptor
// per matching device.  An error iterating one (vendor, device) pair is
// non-fatal: the pair is skipped with a diagnostic on the library logger.
func FindAll() []CardDescriptor {
	var cards []CardDescriptor
	for _, d := range registeredDrivers() {
		h, err := pci.Acquire(pci.ID(d.PciID))
		if err != nil {
			log.WithError(err).WithField("pciId", d.PciID.String()).
				Warn("skipping card family, PCI scan failed")
			continue
		}
		for _, dev := range h.Devices() {
			cards = append(cards, describe(d, dev))
		}
		h.Release()
	}
	return cards
}

// FindBySerial returns the descriptors of cards with the given serial
// number.
func FindBySerial(serial int32) []CardDescriptor {
	var cards []CardDescriptor
	for _, c := range FindAll() {
		if c.Serial != nil && *c.Serial == serial {
			cards = append(cards, c)
		}
	}
	return cards
}

// FindByAddress returns the descriptors of cards at the given PCI address.
func FindByAddress(address PciAddress) []CardDescriptor {
	var cards []CardDescriptor
	for _, c := range FindAll() {
		if c.Address == address {
			cards = append(cards, c)
		}
	}
	return cards
}
