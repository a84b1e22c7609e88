// Package sca speaks the GBT slow-control adapter protocol through the
// slow-control register block of a readout card BAR.  Command words pack
// channel, transaction and opcode into the upper three bytes; the low byte
// of a response carries the status.
package sca

import (
	"fmt"
	"strings"

	"github.com/o2-daq/readoutcard"
)

// Slow-control register block, word indices.
const (
	regWriteData    = 0x1e0 / 4
	regWriteCommand = 0x1e4 / 4
	regControl      = 0x1e8 / 4
	regBusy         = 0x1ec / 4
	regReadData     = 0x1f0 / 4
	regReadCommand  = 0x1f4 / 4
	regTime         = 0x1fc / 4
)

const (
	maxBusyIterations = 10000

	// Low-byte marker for a busy channel that should be re-read.
	statusBusyMarker = 0x40
)

// Result is one slow-control response: the echoed command word and the
// payload.
type Result struct {
	Command uint32
	Data    uint32
}

func (r Result) Channel() uint8     { return uint8(r.Command >> 24) }
func (r Result) Transaction() uint8 { return uint8(r.Command >> 16) }
func (r Result) Status() uint8      { return uint8(r.Command) }

// Sca drives the slow-control adapter through any register surface, the
// control BAR of a card or a mock in tests.
type Sca struct {
	bar readoutcard.RegisterReadWriter
}

func New(bar readoutcard.RegisterReadWriter) *Sca {
	return &Sca{bar: bar}
}

// Initialize runs the reset handshake and enables the GPIO channel.
func (s *Sca) Initialize() error {
	if err := s.Init(); err != nil {
		return err
	}
	return s.GpioEnable()
}

// Init runs the adapter reset handshake: CONTROL 1, 2, 1, 0 with a busy
// wait after each step.
func (s *Sca) Init() error {
	for _, step := range []uint32{0x1, 0x2, 0x1} {
		s.bar.WriteRegister(regControl, step)
		if err := s.waitOnBusyClear(); err != nil {
			return err
		}
	}
	s.bar.WriteRegister(regControl, 0x0)
	return nil
}

// Write stages data and a command word, then executes the transaction.
func (s *Sca) Write(command, data uint32) error {
	s.bar.WriteRegister(regWriteData, data)
	s.bar.WriteRegister(regWriteCommand, command)
	return s.executeCommand()
}

// Read fetches the response of the last command.  A busy status marker is
// re-read with a bounded spin; any other nonzero status is an SCA error.
func (s *Sca) Read() (Result, error) {
	data := s.bar.ReadRegister(regReadData)
	command := s.bar.ReadRegister(regReadCommand)
	for i := 0; i < maxBusyIterations && command&0xff == statusBusyMarker; i++ {
		data = s.bar.ReadRegister(regReadData)
		command = s.bar.ReadRegister(regReadCommand)
	}
	if err := checkStatus(command); err != nil {
		return Result{}, err
	}
	return Result{Command: command, Data: data}, nil
}

// Time returns the adapter cycle counter in nanoseconds; the register
// counts in 4 ns ticks.
func (s *Sca) Time() uint64 {
	return uint64(s.bar.ReadRegister(regTime)) * 4
}

// GpioEnable enables the GPIO channel and sets every pin to output.
func (s *Sca) GpioEnable() error {
	// WR and RD CONTROL REG B
	steps := []struct {
		command uint32
		data    uint32
		read    bool
	}{
		{0x00010002, 0xff000000, true},
		{0x00020003, 0xff000000, true},
		// WR and RD GPIO DIR
		{0x02030020, 0xffffffff, false},
		{0x02040021, 0x0, true},
	}
	for _, step := range steps {
		if err := s.Write(step.command, step.data); err != nil {
			return err
		}
		if step.read {
			if _, err := s.Read(); err != nil {
				return err
			}
		}
	}
	return nil
}

// GpioWrite drives the GPIO output pins and reads back the input pins.
func (s *Sca) GpioWrite(data uint32) (Result, error) {
	if err := s.Initialize(); err != nil {
		return Result{}, err
	}
	// WR REGISTER OUT DATA
	if err := s.Write(0x02040010, data); err != nil {
		return Result{}, err
	}
	// RD DATA
	if err := s.Write(0x02050011, 0x0); err != nil {
		return Result{}, err
	}
	if _, err := s.Read(); err != nil {
		return Result{}, err
	}
	// RD REGISTER DATAIN
	if err := s.Write(0x02060001, 0x0); err != nil {
		return Result{}, err
	}
	return s.Read()
}

// GpioRead reads the GPIO input pins.
func (s *Sca) GpioRead() (Result, error) {
	if err := s.Write(0x02050011, 0x0); err != nil {
		return Result{}, err
	}
	return s.Read()
}

func (s *Sca) executeCommand() error {
	s.bar.WriteRegister(regControl, 0x4)
	s.bar.WriteRegister(regControl, 0x0)
	return s.waitOnBusyClear()
}

func (s *Sca) waitOnBusyClear() error {
	for i := 0; i < maxBusyIterations; i++ {
		if s.bar.ReadRegister(regBusy) == 0 {
			return nil
		}
	}
	return readoutcard.NewError(readoutcard.ErrorBusyTimeout,
		fmt.Sprintf("slow-control BUSY did not clear within %d reads", maxBusyIterations)).
		WithRegisterIndex(regBusy)
}

// statusNames maps the defined status code values.  Codes 6 and 7 both
// mean a busy channel.
var statusNames = map[uint32]string{
	0: "generic error flag",
	1: "invalid channel request",
	2: "invalid command request",
	3: "invalid transaction number",
	4: "invalid length",
	5: "channel not enabled",
	6: "channel busy",
	7: "channel busy",
}

// checkStatus decodes the low byte of a response command word.  A code
// matching a defined status value maps directly to its name; anything else
// decomposes as a bitmask over bits 0-6.
func checkStatus(command uint32) error {
	status := command & 0xff
	if status == 0 {
		return nil
	}
	var names []string
	if name, ok := statusNames[status]; ok {
		names = []string{name}
	} else {
		for bit := uint32(0); bit < 7; bit++ {
			if status&(1<<bit) != 0 {
				names = append(names, statusNames[bit])
			}
		}
	}
	return readoutcard.NewError(readoutcard.ErrorSca,
		fmt.Sprintf("slow-control status 0x%x: %s", status, strings.Join(names, ", ")))
}
