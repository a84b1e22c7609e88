package readoutcard

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard/pci"
)

// ChannelFactory resolves a Parameters record to the matching card family
// and opens either a register-only Bar handle or a full DMA channel.
type ChannelFactory struct {
	log *logrus.Logger
}

// NewChannelFactory makes a factory.  A nil logger uses the library logger.
func NewChannelFactory(l *logrus.Logger) *ChannelFactory {
	if l == nil {
		l = log
	}
	return &ChannelFactory{log: l}
}

// resolve finds the device matching id.  On success the returned handle
// holds one acquisition that the caller must release when done with the
// device.
func (f *ChannelFactory) resolve(id CardID) (Driver, *pci.Device, *pci.Handle, error) {
	for _, d := range registeredDrivers() {
		h, err := pci.Acquire(pci.ID(d.PciID))
		if err != nil {
			f.log.WithError(err).WithField("pciId", d.PciID.String()).
				Warn("skipping card family, PCI scan failed")
			continue
		}
		for _, dev := range h.Devices() {
			if wanted, ok := id.Address(); ok {
				if toPciAddress(dev.Addr) == wanted {
					return d, dev, h, nil
				}
				continue
			}
			if wanted, ok := id.Serial(); ok && d.Probe != nil {
				if serial, found := d.Probe(dev); found && serial == wanted {
					return d, dev, h, nil
				}
			}
		}
		h.Release()
	}
	err := NewError(ErrorCardNotFound, fmt.Sprintf("no card matches id %s", id)).
		WithPossibleCauses("invalid search target", "card family subpackage not imported", "insufficient permissions on sysfs")
	if a, ok := id.Address(); ok {
		err = err.WithAddress(a)
	}
	if s, ok := id.Serial(); ok {
		err = err.WithSerial(s)
	}
	return Driver{}, nil, nil, err
}

// OpenBar maps the control BAR of the card selected by p and returns the
// family's register interface.  The caller owns the bar and must Close it.
func (f *ChannelFactory) OpenBar(p *Parameters) (Bar, error) {
	id, err := p.RequireCardID()
	if err != nil {
		return nil, err
	}
	if id.IsDummy() {
		return newDummyBar(), nil
	}
	d, dev, h, err := f.resolve(id)
	if err != nil {
		return nil, err
	}
	bar, err := d.OpenBar(dev, d.ControlBar)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &factoryBar{Bar: bar, handle: h}, nil
}

// OpenChannel opens the full DMA channel selected by p.  The channel comes
// back Armed:  buffer registered, FIFO primed, card reset, generator
// configured if requested.
func (f *ChannelFactory) OpenChannel(p *Parameters) (DmaChannel, error) {
	id, err := p.RequireCardID()
	if err != nil {
		return nil, err
	}
	if _, err := p.RequireChannelNumber(); err != nil {
		return nil, err
	}
	if id.IsDummy() {
		return newDummyChannel(p)
	}
	d, dev, h, err := f.resolve(id)
	if err != nil {
		return nil, err
	}
	if d.Validate != nil {
		if err := d.Validate(p); err != nil {
			h.Release()
			return nil, err
		}
	}
	ch, err := d.OpenChannel(dev, p)
	if err != nil {
		h.Release()
		return nil, err
	}
	f.log.WithFields(logrus.Fields{
		"cardType": d.CardType.String(),
		"address":  toPciAddress(dev.Addr).String(),
	}).Info("DMA channel opened")
	return &factoryChannel{DmaChannel: ch, handle: h}, nil
}

// factoryBar ties the device acquisition to the bar lifetime.
type factoryBar struct {
	Bar
	handle *pci.Handle
	closed bool
}

func (b *factoryBar) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.Bar.Close()
	b.handle.Release()
	return err
}

// factoryChannel ties the device acquisition to the channel lifetime.
type factoryChannel struct {
	DmaChannel
	handle *pci.Handle
	closed bool
}

func (c *factoryChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.DmaChannel.Close()
	c.handle.Release()
	return err
}
