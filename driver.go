package readoutcard

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/o2-daq/readoutcard/pci"
)

// Driver describes one card family to the enumerator and the channel
// factory.  The cru and rorc subpackages register theirs at import time.
type Driver struct {
	CardType   CardType
	PciID      PciID
	ControlBar int

	// Probe reads the card serial number during enumeration.  It must not
	// leave BAR mappings open; a probe failure yields (0, false) and the
	// card keeps its descriptor without a serial.
	Probe func(dev *pci.Device) (int32, bool)

	// Validate checks family-specific parameter constraints before a
	// channel is opened.
	Validate func(p *Parameters) error

	// OpenBar maps the given BAR of dev and wraps it in the family's
	// register semantics.
	OpenBar func(dev *pci.Device, barIndex int) (Bar, error)

	// OpenChannel builds the family's DMA channel, registering the buffer
	// from p.  The returned channel is Armed.
	OpenChannel func(dev *pci.Device, p *Parameters) (DmaChannel, error)
}

var (
	driversMu sync.Mutex
	drivers   []Driver
)

// RegisterDriver adds a card family.  Called from the init function of a
// family subpackage; registering the same family twice panics.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	for _, existing := range drivers {
		if existing.CardType == d.CardType {
			panic("readoutcard: driver for " + d.CardType.String() + " registered twice")
		}
	}
	drivers = append(drivers, d)
}

func registeredDrivers() []Driver {
	driversMu.Lock()
	defer driversMu.Unlock()
	return append([]Driver(nil), drivers...)
}

var log = newQuietLogger()

func newQuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger routes library diagnostics (enumeration skips, channel
// lifecycle) to l.  The default logger discards everything.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// Logger returns the library logger, for the family subpackages.
func Logger() *logrus.Logger { return log }
