package rorc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard"
	"github.com/o2-daq/readoutcard/dmabuf"
)

// DmaChannel drives one of the six C-RORC DMA channels.  Each channel has
// a single link, so the link argument of the hot-path calls must be 0.
type DmaChannel struct {
	bar      *Bar
	buf      *dmabuf.Registration
	log      *logrus.Entry
	channel  uint32
	pageSize int
	state    readoutcard.ChannelState
	fault    error

	generator  bool
	genPattern readoutcard.GeneratorPattern
	genSize    int

	queue  []readoutcard.Superpage
	popped uint32
}

// NewChannel arms one DMA channel on an already-wrapped bar and registered
// buffer.  The channel takes ownership of both.
func NewChannel(bar *Bar, buf *dmabuf.Registration, p *readoutcard.Parameters) (*DmaChannel, error) {
	channel, err := p.RequireChannelNumber()
	if err != nil {
		return nil, err
	}
	c := &DmaChannel{
		bar:     bar,
		buf:     buf,
		log:     readoutcard.Logger().WithField("cardType", "RORC"),
		channel: channel,
	}
	if c.pageSize, _ = p.DmaPageSize(); c.pageSize == 0 {
		c.pageSize = DefaultDmaPageSize
	}
	c.generator, _ = p.GeneratorEnabled()
	c.genPattern, _ = p.GeneratorPattern()
	if c.genSize, _ = p.GeneratorDataSize(); c.genSize == 0 {
		c.genSize = c.pageSize
	}

	if err := bar.ResetCard(); err != nil {
		return nil, err
	}
	source := readoutcard.DataSourceFiber
	if c.generator {
		source = readoutcard.DataSourceInternal
		if loopback, ok := p.GeneratorLoopback(); ok {
			switch loopback {
			case readoutcard.LoopbackExternal:
				source = readoutcard.DataSourceDiu
			case readoutcard.LoopbackSerial:
				source = readoutcard.DataSourceSiu
			}
		}
		if err := bar.SetDataGeneratorPattern(c.genPattern, c.genSize, false); err != nil {
			return nil, err
		}
		if err := bar.ResetDataGeneratorCounter(); err != nil {
			return nil, err
		}
	}
	if err := bar.SetDataSource(source); err != nil {
		return nil, err
	}

	c.state = readoutcard.Armed
	return c, nil
}

func (c *DmaChannel) fail(err error) error {
	if c.state != readoutcard.Faulted {
		c.state = readoutcard.Faulted
		c.fault = err
		c.log.WithError(err).Error("channel faulted")
	}
	return err
}

func (c *DmaChannel) checkLive() error {
	switch c.state {
	case readoutcard.Armed, readoutcard.Running:
		return nil
	case readoutcard.Faulted:
		return readoutcard.WrapError(readoutcard.KindOf(c.fault),
			"channel is faulted, close and reopen it", c.fault)
	default:
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"channel is "+c.state.String())
	}
}

func (c *DmaChannel) checkLink(link uint32) error {
	if link != 0 {
		return c.fail(readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
			fmt.Sprintf("C-RORC channels have a single link 0, got %d", link)))
	}
	return nil
}

func (c *DmaChannel) StartDma() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.state != readoutcard.Armed {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"StartDma requires an armed channel, state is "+c.state.String())
	}
	if c.generator {
		if err := c.bar.SetDataEmulatorEnabled(true); err != nil {
			return c.fail(err)
		}
	}
	c.bar.startDmaEngine(c.channel)
	c.state = readoutcard.Running
	return nil
}

func (c *DmaChannel) StopDma() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if c.state != readoutcard.Running {
		return readoutcard.NewError(readoutcard.ErrorParameter,
			"StopDma requires a running channel, state is "+c.state.String())
	}
	if c.generator {
		if err := c.bar.SetDataEmulatorEnabled(false); err != nil {
			return c.fail(err)
		}
	}
	c.bar.stopDmaEngine(c.channel)
	if err := c.bar.ResetCard(); err != nil {
		return c.fail(err)
	}
	c.queue = nil
	c.popped = 0
	c.state = readoutcard.Armed
	return nil
}

func (c *DmaChannel) PushSuperpage(link uint32, sp readoutcard.Superpage) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	if err := c.checkLink(link); err != nil {
		return err
	}
	if sp.Size <= 0 || sp.Size%c.pageSize != 0 {
		return c.fail(readoutcard.NewError(readoutcard.ErrorMisalignedSize,
			fmt.Sprintf("superpage size %d is not a multiple of the %d byte DMA page", sp.Size, c.pageSize)))
	}
	if len(c.queue) >= FifoDepth {
		return readoutcard.ErrFifoFull
	}
	bus, err := c.buf.BusAddress(sp.Offset, sp.Size, BusAlignment)
	if err != nil {
		return c.fail(mapBufferError(err))
	}
	c.bar.PushDescriptor(c.channel, uint32(sp.Size/c.pageSize), bus)
	c.queue = append(c.queue, sp)
	return nil
}

func (c *DmaChannel) ready() uint32 {
	count := c.bar.DoneCount(c.channel)
	ready := count - c.popped
	if int(ready) > len(c.queue) {
		ready = uint32(len(c.queue))
	}
	return ready
}

func (c *DmaChannel) ReadyCount(link uint32) (uint32, error) {
	if err := c.checkLive(); err != nil {
		return 0, err
	}
	if err := c.checkLink(link); err != nil {
		return 0, err
	}
	return c.ready(), nil
}

func (c *DmaChannel) PopSuperpage(link uint32) (readoutcard.Superpage, error) {
	if err := c.checkLive(); err != nil {
		return readoutcard.Superpage{}, err
	}
	if err := c.checkLink(link); err != nil {
		return readoutcard.Superpage{}, err
	}
	if c.ready() == 0 {
		return readoutcard.Superpage{}, readoutcard.ErrNoReadySuperpage
	}
	sp := c.queue[0]
	c.queue = c.queue[1:]
	c.popped++
	filled := int(c.bar.FilledBytes(c.channel))
	if filled <= 0 || filled > sp.Size {
		filled = sp.Size
	}
	sp.Filled = filled
	return sp, nil
}

func (c *DmaChannel) FillSuperpages() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	c.ready()
	return nil
}

func (c *DmaChannel) Bar() readoutcard.Bar { return c.bar }

func (c *DmaChannel) State() readoutcard.ChannelState { return c.state }

func (c *DmaChannel) Close() error {
	if c.state == readoutcard.Closed {
		return nil
	}
	if c.state == readoutcard.Running {
		c.bar.stopDmaEngine(c.channel)
	}
	var err error
	if c.buf != nil {
		err = c.buf.Close()
	}
	if cerr := c.bar.Close(); err == nil {
		err = cerr
	}
	c.queue = nil
	c.state = readoutcard.Closed
	return err
}

func mapBufferError(err error) error {
	switch {
	case errors.Is(err, dmabuf.ErrNotContiguous):
		return readoutcard.WrapError(readoutcard.ErrorBufferNotContiguous,
			"superpage spans physically discontiguous memory", err).
			WithPossibleCauses("buffer not backed by hugepages and IOMMU disabled")
	case errors.Is(err, dmabuf.ErrOutOfBounds), errors.Is(err, dmabuf.ErrNullBuffer):
		return readoutcard.WrapError(readoutcard.ErrorOutOfBuffer,
			"superpage outside the registered buffer", err)
	case errors.Is(err, dmabuf.ErrMisaligned):
		return readoutcard.WrapError(readoutcard.ErrorMisalignedSize,
			"superpage bus address misaligned", err)
	default:
		return readoutcard.WrapError(readoutcard.ErrorUnknown, "buffer lookup failed", err)
	}
}
