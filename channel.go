package readoutcard

// Superpage is a large aligned region of the registered DMA buffer, handed to
// the card for a burst of writes.  Offset and Size are in bytes relative to
// the start of the buffer; Size must be a multiple of the DMA page size.
// UserData travels with the superpage and is returned untouched on pop.
type Superpage struct {
	Offset   int
	Size     int
	UserData interface{}

	// Filled is the number of bytes the card wrote, set when the superpage
	// is popped.  Always <= Size.
	Filled int
}

// ChannelState is the lifecycle state of a DMA channel.
type ChannelState int

const (
	// Closed: no resources held.
	Closed ChannelState = iota
	// Armed: buffer registered, FIFO primed, card reset, generator
	// configured if requested.
	Armed
	// Running: descriptors flowing.
	Running
	// Faulted: a non-recoverable error occurred; only Close is accepted.
	Faulted
)

func (s ChannelState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Armed:
		return "ARMED"
	case Running:
		return "RUNNING"
	case Faulted:
		return "FAULTED"
	default:
		return "INVALID"
	}
}

// DmaChannel is the superpage pipeline of one card channel.  The caller owns
// free superpages, pushes them, polls for completions, and pops them back in
// push order per link.  No method blocks: backpressure is surfaced as the
// ErrorFifoFull and ErrorNoReadySuperpage kinds and the caller retries after
// polling.
//
// A channel is not safe for concurrent use.  Distinct channels are
// independent and may be driven from different goroutines.
type DmaChannel interface {
	// StartDma moves Armed -> Running.
	StartDma() error

	// StopDma quiesces the card FIFO and discards all in-flight superpages,
	// moving Running -> Armed.
	StopDma() error

	// PushSuperpage queues sp on the descriptor FIFO of the given link.
	// On the RORC the only link is 0.
	PushSuperpage(link uint32, sp Superpage) error

	// ReadyCount returns how many pushed superpages on the link have been
	// filled and not yet popped.  Monotone between pops; never decreases
	// except across a card reset.
	ReadyCount(link uint32) (uint32, error)

	// PopSuperpage dequeues the oldest filled superpage of the link.
	PopSuperpage(link uint32) (Superpage, error)

	// FillSuperpages advances completion bookkeeping on every link without
	// popping, for callers that poll separately.
	FillSuperpages() error

	// Bar returns the register interface of the channel's control BAR.  The
	// bar is owned by the channel and must not be closed by the caller.
	Bar() Bar

	// State returns the current lifecycle state.
	State() ChannelState

	// Close releases the buffer registration, the BAR mapping and the
	// device acquisition, in every state.
	Close() error
}
