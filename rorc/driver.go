package rorc

import (
	"fmt"

	"github.com/o2-daq/readoutcard"
	"github.com/o2-daq/readoutcard/dmabuf"
	"github.com/o2-daq/readoutcard/pci"
)

func init() {
	readoutcard.RegisterDriver(readoutcard.Driver{
		CardType:    readoutcard.Rorc,
		PciID:       readoutcard.RorcPciID,
		ControlBar:  ControlBar,
		Probe:       probe,
		Validate:    validate,
		OpenBar:     openBar,
		OpenChannel: openChannel,
	})
}

func probe(dev *pci.Device) (int32, bool) {
	view, err := dev.MapBar(ControlBar)
	if err != nil {
		return 0, false
	}
	defer view.Close()
	return NewBar(view).Serial()
}

func openBar(dev *pci.Device, barIndex int) (readoutcard.Bar, error) {
	view, err := dev.MapBar(barIndex)
	if err != nil {
		return nil, err
	}
	return NewBar(view), nil
}

// validate enforces the C-RORC family constraints: six channels, page
// sizes aligned to the 32-byte bus requirement, generator sizes in 4-byte
// units up to 2 MiB and no random event sizes.
func validate(p *readoutcard.Parameters) error {
	if channel, ok := p.ChannelNumber(); ok && channel >= MaxChannels {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("C-RORC channels are 0-%d, got %d", MaxChannels-1, channel))
	}
	if size, ok := p.DmaPageSize(); ok && (size <= 0 || size%BusAlignment != 0) {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("DMA page size must be a positive multiple of %d, got %d", BusAlignment, size))
	}
	generator, _ := p.GeneratorEnabled()
	if loopback, ok := p.GeneratorLoopback(); ok && generator && loopback == readoutcard.LoopbackNone {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"data generator requires a loopback mode")
	}
	if size, ok := p.GeneratorDataSize(); ok {
		if size < 4 || size > generatorDataSizeMax || size%4 != 0 {
			return readoutcard.NewError(readoutcard.ErrorParameter,
				fmt.Sprintf("generator data size must be a multiple of 4 up to %d, got %d",
					generatorDataSizeMax, size))
		}
	}
	if random, ok := p.GeneratorRandomSizeEnabled(); ok && random {
		return readoutcard.NewError(readoutcard.ErrorNotSupportedByFirmware,
			"C-RORC generator has no random event size mode")
	}
	if mask, ok := p.LinkMask(); ok {
		for _, id := range mask.IDs() {
			if id != 0 {
				return readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
					fmt.Sprintf("C-RORC channels have a single link 0, got %d", id))
			}
		}
	}
	return nil
}

func openChannel(dev *pci.Device, p *readoutcard.Parameters) (readoutcard.DmaChannel, error) {
	spec, ok := p.BufferSpec()
	if !ok {
		spec = dmabuf.Null{}
	}
	buf, err := dmabuf.Register(spec)
	if err != nil {
		return nil, err
	}
	view, err := dev.MapBar(ControlBar)
	if err != nil {
		buf.Close()
		return nil, err
	}
	ch, err := NewChannel(NewBar(view), buf, p)
	if err != nil {
		view.Close()
		buf.Close()
		return nil, err
	}
	return ch, nil
}
