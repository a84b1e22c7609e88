package cru

import (
	"fmt"

	"github.com/o2-daq/readoutcard"
	"github.com/o2-daq/readoutcard/dmabuf"
	"github.com/o2-daq/readoutcard/pci"
)

func init() {
	readoutcard.RegisterDriver(readoutcard.Driver{
		CardType:    readoutcard.Cru,
		PciID:       readoutcard.CruPciID,
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

// validate enforces the CRU family constraints before any hardware is
// touched: a single DMA endpoint, the fixed 8 KiB page, internal loopback
// only, and a link mask covering real links whenever data can flow.
func validate(p *readoutcard.Parameters) error {
	if channel, ok := p.ChannelNumber(); ok && channel != 0 {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("CRU has a single DMA channel, got channel %d", channel))
	}
	if size, ok := p.DmaPageSize(); ok && size != DmaPageSize {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			fmt.Sprintf("CRU DMA page size is fixed at %d bytes, got %d", DmaPageSize, size))
	}
	generator, _ := p.GeneratorEnabled()
	if loopback, ok := p.GeneratorLoopback(); ok {
		switch loopback {
		case readoutcard.LoopbackNone, readoutcard.LoopbackInternal:
		default:
			return readoutcard.NewError(readoutcard.ErrorParameter,
				"CRU supports only None and Internal loopback modes, got "+loopback.String())
		}
		if generator && loopback == readoutcard.LoopbackNone {
			return readoutcard.NewError(readoutcard.ErrorParameter,
				"data generator requires Internal loopback")
		}
	}
	if pattern, ok := p.GeneratorPattern(); ok && pattern == readoutcard.PatternRandom {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"CRU data generator does not support the Random pattern")
	}
	if size, ok := p.GeneratorDataSize(); ok {
		if size < generatorDataSizeMin || size > generatorDataSizeMax || size%32 != 0 {
			return readoutcard.NewError(readoutcard.ErrorParameter,
				fmt.Sprintf("generator data size must be a multiple of 32 in [%d, %d], got %d",
					generatorDataSizeMin, generatorDataSizeMax, size))
		}
	}
	if mode, ok := p.ReadoutMode(); ok && mode != readoutcard.ReadoutTriggered {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"CRU supports only Triggered readout, got "+mode.String())
	}
	if mask, ok := p.LinkMask(); ok {
		for _, id := range mask.IDs() {
			if id >= MaxLinks {
				return readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
					fmt.Sprintf("link %d out of range, CRU has links 0-%d", id, MaxLinks-1))
			}
		}
	}
	spec, ok := p.BufferSpec()
	_, isNull := spec.(dmabuf.Null)
	if ok && !isNull {
		if _, masked := p.LinkMask(); !masked {
			return readoutcard.NewError(readoutcard.ErrorParameter,
				"a link mask is required when a DMA buffer is provided")
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
