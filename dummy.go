package readoutcard

// The dummy variant backs the sentinel card id -1.  It holds no hardware
// resources: registers live in a map, pushed superpages complete
// immediately, and every control operation succeeds.  It exists so programs
// and tests can exercise the full channel lifecycle on a machine without
// cards.

const (
	dummyFifoDepth   = 16
	dummyDmaPageSize = 8 * 1024
)

type dummyBar struct {
	regs map[uint32]uint32
}

func newDummyBar() *dummyBar {
	return &dummyBar{regs: make(map[uint32]uint32)}
}

func (b *dummyBar) ReadRegister(i uint32) uint32      { return b.regs[i] }
func (b *dummyBar) WriteRegister(i uint32, v uint32)  { b.regs[i] = v }
func (b *dummyBar) Index() int                        { return 0 }
func (b *dummyBar) CardType() CardType                { return Dummy }
func (b *dummyBar) Serial() (int32, bool)             { return -1, true }
func (b *dummyBar) Temperature() (float64, bool)      { return 0, false }
func (b *dummyBar) FirmwareInfo() (string, bool)      { return "dummy firmware", true }
func (b *dummyBar) CardID() (string, bool)            { return "dummy-0", true }
func (b *dummyBar) DroppedPackets() int32             { return -1 }
func (b *dummyBar) CTPClock() uint32                  { return 0 }
func (b *dummyBar) LocalClock() uint32                { return 0 }
func (b *dummyBar) LinksPerWrapper(w uint32) int32    { return -1 }
func (b *dummyBar) Links() int32                      { return 0 }
func (b *dummyBar) SetDataEmulatorEnabled(bool) error { return nil }
func (b *dummyBar) ResetDataGeneratorCounter() error  { return nil }
func (b *dummyBar) ResetCard() error                  { return nil }
func (b *dummyBar) SetDataGeneratorPattern(GeneratorPattern, int, bool) error {
	return nil
}
func (b *dummyBar) DataGeneratorInjectError() error  { return nil }
func (b *dummyBar) SetDataSource(DataSource) error   { return nil }
func (b *dummyBar) SetLinksEnabled(LinkMask) error   { return nil }
func (b *dummyBar) Close() error                     { return nil }

type dummyChannel struct {
	bar      *dummyBar
	pageSize int
	state    ChannelState
	queue    []Superpage
}

func newDummyChannel(p *Parameters) (*dummyChannel, error) {
	pageSize, ok := p.DmaPageSize()
	if !ok {
		pageSize = dummyDmaPageSize
	}
	return &dummyChannel{
		bar:      newDummyBar(),
		pageSize: pageSize,
		state:    Armed,
	}, nil
}

func (c *dummyChannel) StartDma() error {
	if c.state != Armed {
		return NewError(ErrorParameter, "StartDma requires an armed channel, state is "+c.state.String())
	}
	c.state = Running
	return nil
}

func (c *dummyChannel) StopDma() error {
	if c.state != Running {
		return NewError(ErrorParameter, "StopDma requires a running channel, state is "+c.state.String())
	}
	c.queue = nil
	c.state = Armed
	return nil
}

func (c *dummyChannel) PushSuperpage(link uint32, sp Superpage) error {
	if c.state != Armed && c.state != Running {
		return NewError(ErrorParameter, "push on a channel in state "+c.state.String())
	}
	if sp.Size <= 0 || sp.Size%c.pageSize != 0 {
		return NewError(ErrorMisalignedSize, "superpage size must be a positive multiple of the DMA page size")
	}
	if len(c.queue) >= dummyFifoDepth {
		return ErrFifoFull
	}
	// The dummy card "fills" a superpage the moment it is pushed.
	sp.Filled = sp.Size
	c.queue = append(c.queue, sp)
	return nil
}

func (c *dummyChannel) ReadyCount(link uint32) (uint32, error) {
	return uint32(len(c.queue)), nil
}

func (c *dummyChannel) PopSuperpage(link uint32) (Superpage, error) {
	if len(c.queue) == 0 {
		return Superpage{}, ErrNoReadySuperpage
	}
	sp := c.queue[0]
	c.queue = c.queue[1:]
	return sp, nil
}

func (c *dummyChannel) FillSuperpages() error { return nil }

func (c *dummyChannel) Bar() Bar { return c.bar }

func (c *dummyChannel) State() ChannelState { return c.state }

func (c *dummyChannel) Close() error {
	c.queue = nil
	c.state = Closed
	return nil
}
