package cru

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard"
	"github.com/o2-daq/readoutcard/dmabuf"
)

// linkState is the host-side bookkeeping of one link's descriptor FIFO.
// The card consumes descriptors in push order, so a plain queue mirrors the
// in-flight superpages; popped counts completions already handed back.
type linkState struct {
	queue  []readoutcard.Superpage
	popped uint32
	ready  uint32
}

// DmaChannel drives the CRU superpage pipeline, fanning out over the links
// of the configured mask.  Each link has an independent descriptor FIFO on
// the card, so ordering holds per link only.
type DmaChannel struct {
	bar   *Bar
	buf   *dmabuf.Registration
	log   *logrus.Entry
	state readoutcard.ChannelState
	fault error

	generator  bool
	genPattern readoutcard.GeneratorPattern
	genSize    int
	genRandom  bool

	links map[uint32]*linkState
}

// NewChannel arms a channel on an already-wrapped bar and registered
// buffer: the card is reset, links are enabled, and the generator is
// configured when requested.  The channel takes ownership of both bar and
// buffer.
func NewChannel(bar *Bar, buf *dmabuf.Registration, p *readoutcard.Parameters) (*DmaChannel, error) {
	c := &DmaChannel{
		bar:   bar,
		buf:   buf,
		log:   readoutcard.Logger().WithField("cardType", "CRU"),
		links: make(map[uint32]*linkState),
	}
	c.generator, _ = p.GeneratorEnabled()
	c.genPattern, _ = p.GeneratorPattern()
	if c.genSize, _ = p.GeneratorDataSize(); c.genSize == 0 {
		c.genSize = DmaPageSize
	}
	c.genRandom, _ = p.GeneratorRandomSizeEnabled()

	if err := bar.ResetCard(); err != nil {
		return nil, err
	}

	if c.buf.Size() > 0 {
		mask, err := p.RequireLinkMask()
		if err != nil {
			return nil, err
		}
		if err := bar.SetLinksEnabled(mask); err != nil {
			return nil, err
		}
		for _, id := range mask.IDs() {
			c.links[id] = &linkState{}
		}
	}

	source := readoutcard.DataSourceFiber
	if c.generator {
		source = readoutcard.DataSourceInternal
		if err := bar.SetDataGeneratorPattern(c.genPattern, c.genSize, c.genRandom); err != nil {
			return nil, err
		}
		if err := bar.ResetDataGeneratorCounter(); err != nil {
			return nil, err
		}
	}
	if bar.Features().DataSelection {
		if err := bar.SetDataSource(source); err != nil {
			return nil, err
		}
	}

	c.state = readoutcard.Armed
	return c, nil
}

// fail latches the first fault and moves the channel to Faulted; hot-path
// calls are rejected until the channel is closed and reopened.
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

func (c *DmaChannel) link(id uint32) (*linkState, error) {
	ls, ok := c.links[id]
	if !ok {
		return nil, c.fail(readoutcard.NewError(readoutcard.ErrorInvalidLinkID,
			fmt.Sprintf("link %d is not in the channel's link mask", id)))
	}
	return ls, nil
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
	c.bar.startDmaEngine()
	c.state = readoutcard.Running
	return nil
}

// StopDma quiesces the descriptor FIFOs with the card reset handshake and
// discards the in-flight superpages; they return to the caller's free pool
// implicitly, since ownership was never transferred out of the buffer.
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
	c.bar.stopDmaEngine()
	if err := c.bar.ResetCard(); err != nil {
		return c.fail(err)
	}
	for _, ls := range c.links {
		ls.queue = nil
		ls.popped = 0
		ls.ready = 0
	}
	c.state = readoutcard.Armed
	return nil
}

// PushSuperpage queues one superpage on a link's descriptor FIFO.  The size
// must be a multiple of the 8 KiB DMA page, the range must fall inside one
// scatter-gather chunk, and the FIFO bound (pushed + ready <= FifoDepth)
// must hold.
func (c *DmaChannel) PushSuperpage(link uint32, sp readoutcard.Superpage) error {
	if err := c.checkLive(); err != nil {
		return err
	}
	ls, err := c.link(link)
	if err != nil {
		return err
	}
	if sp.Size <= 0 || sp.Size%DmaPageSize != 0 {
		return c.fail(readoutcard.NewError(readoutcard.ErrorMisalignedSize,
			fmt.Sprintf("superpage size %d is not a multiple of the %d byte DMA page", sp.Size, DmaPageSize)))
	}
	if len(ls.queue) >= FifoDepth {
		return readoutcard.ErrFifoFull
	}
	bus, err := c.buf.BusAddress(sp.Offset, sp.Size, BusAlignment)
	if err != nil {
		return c.fail(mapBufferError(err))
	}
	c.bar.PushSuperpageDescriptor(link, uint32(sp.Size/DmaPageSize), bus)
	ls.queue = append(ls.queue, sp)
	return nil
}

// ReadyCount refreshes completion bookkeeping for one link and returns the
// number of filled, unpopped superpages.
func (c *DmaChannel) ReadyCount(link uint32) (uint32, error) {
	if err := c.checkLive(); err != nil {
		return 0, err
	}
	ls, err := c.link(link)
	if err != nil {
		return 0, err
	}
	return c.refresh(link, ls), nil
}

func (c *DmaChannel) refresh(link uint32, ls *linkState) uint32 {
	count := c.bar.SuperpageCount(link)
	ready := count - ls.popped
	if int(ready) > len(ls.queue) {
		// The counter ran ahead of our queue; trust the queue.
		ready = uint32(len(ls.queue))
	}
	ls.ready = ready
	return ready
}

// PopSuperpage dequeues the oldest filled superpage of a link, in push
// order, with Filled set from the card's per-descriptor status word.
func (c *DmaChannel) PopSuperpage(link uint32) (readoutcard.Superpage, error) {
	if err := c.checkLive(); err != nil {
		return readoutcard.Superpage{}, err
	}
	ls, err := c.link(link)
	if err != nil {
		return readoutcard.Superpage{}, err
	}
	if c.refresh(link, ls) == 0 {
		return readoutcard.Superpage{}, readoutcard.ErrNoReadySuperpage
	}
	sp := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.popped++
	ls.ready--
	filled := int(c.bar.SuperpageFilledPages(link)) * DmaPageSize
	if filled <= 0 || filled > sp.Size {
		filled = sp.Size
	}
	sp.Filled = filled
	return sp, nil
}

// FillSuperpages advances completion bookkeeping on every link without
// popping anything, for callers that poll separately from consuming.
func (c *DmaChannel) FillSuperpages() error {
	if err := c.checkLive(); err != nil {
		return err
	}
	for link, ls := range c.links {
		c.refresh(link, ls)
	}
	return nil
}

func (c *DmaChannel) Bar() readoutcard.Bar { return c.bar }

func (c *DmaChannel) State() readoutcard.ChannelState { return c.state }

// Close releases every resource in every state, including Faulted.
func (c *DmaChannel) Close() error {
	if c.state == readoutcard.Closed {
		return nil
	}
	if c.state == readoutcard.Running {
		c.bar.stopDmaEngine()
	}
	var err error
	if c.buf != nil {
		err = c.buf.Close()
	}
	if cerr := c.bar.Close(); err == nil {
		err = cerr
	}
	c.links = nil
	c.state = readoutcard.Closed
	return err
}

// mapBufferError folds dmabuf validation errors into the tagged taxonomy.
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
