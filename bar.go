package readoutcard

import (
	"fmt"
	"sort"
	"strings"
)

// RegisterReadWriter is 32-bit word-indexed register access on a mapped BAR.
// Reads and writes are volatile and ordered with respect to each other on a
// single view.
type RegisterReadWriter interface {
	ReadRegister(index uint32) uint32
	WriteRegister(index uint32, value uint32)
}

// LoopbackMode routes the data generator output.
type LoopbackMode int

const (
	LoopbackNone LoopbackMode = iota
	LoopbackInternal
	LoopbackExternal
	LoopbackSerial
)

func (m LoopbackMode) String() string {
	switch m {
	case LoopbackNone:
		return "NONE"
	case LoopbackInternal:
		return "INTERNAL"
	case LoopbackExternal:
		return "EXTERNAL"
	case LoopbackSerial:
		return "SERIAL"
	default:
		return "UNKNOWN"
	}
}

// GeneratorPattern selects the content of generated data.
type GeneratorPattern int

const (
	PatternConstant GeneratorPattern = iota
	PatternAlternating
	PatternIncremental
	PatternRandom
)

func (p GeneratorPattern) String() string {
	switch p {
	case PatternConstant:
		return "CONSTANT"
	case PatternAlternating:
		return "ALTERNATING"
	case PatternIncremental:
		return "INCREMENTAL"
	case PatternRandom:
		return "RANDOM"
	default:
		return "UNKNOWN"
	}
}

// ReadoutMode selects between continuous and triggered readout.  Continuous
// mode is only supported on the RORC.
type ReadoutMode int

const (
	ReadoutTriggered ReadoutMode = iota
	ReadoutContinuous
)

func (m ReadoutMode) String() string {
	if m == ReadoutContinuous {
		return "CONTINUOUS"
	}
	return "TRIGGERED"
}

// DataSource is the card-facing encoding of the data source select register.
type DataSource uint32

const (
	DataSourceFiber DataSource = iota
	DataSourceInternal
	DataSourceDiu
	DataSourceSiu
)

// LinkMask is a set of link ids.  The zero value is the empty set.
type LinkMask map[uint32]bool

// Contains reports membership of a link id.
func (m LinkMask) Contains(id uint32) bool { return m[id] }

// Count returns the number of links in the mask.
func (m LinkMask) Count() int {
	n := 0
	for _, in := range m {
		if in {
			n++
		}
	}
	return n
}

// IDs returns the link ids in ascending order.
func (m LinkMask) IDs() []uint32 {
	ids := make([]uint32, 0, len(m))
	for id, in := range m {
		if in {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// String renders the mask in the range grammar accepted by
// LinkMaskFromString, e.g. "0-19,21-23".
func (m LinkMask) String() string {
	ids := m.IDs()
	if len(ids) == 0 {
		return ""
	}
	var parts []string
	start := ids[0]
	prev := ids[0]
	flush := func(end uint32) {
		if start == end {
			parts = append(parts, fmt.Sprintf("%d", start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, id := range ids[1:] {
		if id != prev+1 {
			flush(prev)
			start = id
		}
		prev = id
	}
	flush(prev)
	return strings.Join(parts, ",")
}

// Bar is the uniform register-level control surface of a card, hiding the
// family differences behind one contract.  Getters whose value may be
// unavailable (unreadable register, feature absent from firmware) return a
// second boolean result.
type Bar interface {
	RegisterReadWriter

	// Index returns the mapped BAR index of this view.
	Index() int

	CardType() CardType
	Serial() (int32, bool)
	Temperature() (float64, bool)
	FirmwareInfo() (string, bool)
	CardID() (string, bool)

	// DroppedPackets is monotone, -1 when the family does not count drops.
	DroppedPackets() int32

	CTPClock() uint32
	LocalClock() uint32

	// LinksPerWrapper is CRU-only; the RORC returns -1.
	LinksPerWrapper(wrapper uint32) int32
	Links() int32

	SetDataEmulatorEnabled(enabled bool) error
	ResetDataGeneratorCounter() error
	ResetCard() error
	SetDataGeneratorPattern(pattern GeneratorPattern, size int, randomSize bool) error
	DataGeneratorInjectError() error
	SetDataSource(source DataSource) error
	SetLinksEnabled(mask LinkMask) error

	// Close releases the underlying BAR mapping.  A Bar owned by a channel
	// is closed by the channel.
	Close() error
}
