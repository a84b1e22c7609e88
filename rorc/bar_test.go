package rorc

import (
	"encoding/binary"
	"testing"

	"github.com/snksoft/crc"

	"github.com/o2-daq/readoutcard"
)

// mockView is an in-memory register file standing in for a mapped BAR.
// Writes to the flash address port latch the addressed flash word into the
// flash data register, the way the card's flash bridge behaves.
type mockView struct {
	index  int
	regs   map[uint32]uint32
	flash  map[uint32]uint32
	closed bool
}

func newMockView(index int) *mockView {
	return &mockView{index: index, regs: make(map[uint32]uint32), flash: make(map[uint32]uint32)}
}

func (m *mockView) ReadRegister(i uint32) uint32 { return m.regs[i] }

func (m *mockView) WriteRegister(i uint32, v uint32) {
	m.regs[i] = v
	if i == regFlashAddress {
		if word, ok := m.flash[v]; ok {
			m.regs[regFlashData] = word
		} else {
			m.regs[regFlashData] = 0xffffffff
		}
	}
}

func (m *mockView) Index() int   { return m.index }
func (m *mockView) Close() error { m.closed = true; return nil }

func (m *mockView) storeSerial(serial uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], serial)
	m.flash[flashSerialAddress] = serial
	m.flash[flashSerialAddress+1] = uint32(crc.CalculateCRC(crc.CCITT, buf[:])) & 0xffff
}

func TestSerialFromFlash(t *testing.T) {
	m := newMockView(ControlBar)
	m.storeSerial(2144)
	b := NewBar(m)

	s, ok := b.Serial()
	if !ok || s != 2144 {
		t.Errorf("serial = %d, %v; want 2144, true", s, ok)
	}
}

func TestSerialRejectsCorruptFlash(t *testing.T) {
	m := newMockView(ControlBar)
	m.storeSerial(2144)
	m.flash[flashSerialAddress+1] ^= 0x1 // flip a checksum bit
	b := NewBar(m)
	if _, ok := b.Serial(); ok {
		t.Error("corrupt checksum accepted")
	}

	// Blank flash reads all ones.
	m = newMockView(ControlBar)
	if _, ok := NewBar(m).Serial(); ok {
		t.Error("blank flash yielded a serial")
	}
}

func TestFirmwareInfo(t *testing.T) {
	m := newMockView(ControlBar)
	m.regs[regFirmware] = 2<<16 | 14
	b := NewBar(m)
	fw, ok := b.FirmwareInfo()
	if !ok || fw != "2.14" {
		t.Errorf("firmware = %q, %v", fw, ok)
	}
}

func TestAbsentFeatures(t *testing.T) {
	b := NewBar(newMockView(ControlBar))
	if _, ok := b.Temperature(); ok {
		t.Error("C-RORC has no temperature sensor")
	}
	if _, ok := b.CardID(); ok {
		t.Error("C-RORC has no chip id")
	}
	if n := b.DroppedPackets(); n != -1 {
		t.Errorf("dropped packets = %d, want -1", n)
	}
	if n := b.LinksPerWrapper(0); n != -1 {
		t.Errorf("links per wrapper = %d, want -1", n)
	}
}

func TestResetCard(t *testing.T) {
	m := newMockView(ControlBar)
	b := NewBar(m)
	if err := b.ResetCard(); err != nil {
		t.Fatal(err)
	}
	if m.regs[regCommand] != cmdReset {
		t.Errorf("command register = 0x%x", m.regs[regCommand])
	}

	m.regs[regStatus] = statusBusy
	err := b.ResetCard()
	if !readoutcard.IsKind(err, readoutcard.ErrorBusyTimeout) {
		t.Errorf("stuck busy bit: %v", err)
	}
}

func TestGeneratorConfiguration(t *testing.T) {
	m := newMockView(ControlBar)
	b := NewBar(m)

	err := b.SetDataGeneratorPattern(readoutcard.PatternConstant, 1024, true)
	if !readoutcard.IsKind(err, readoutcard.ErrorNotSupportedByFirmware) {
		t.Errorf("random size: %v", err)
	}

	if err := b.SetDataGeneratorPattern(readoutcard.PatternRandom, 4096, false); err != nil {
		t.Fatal(err)
	}
	word := m.regs[regDataGenerator]
	if size := (word >> generatorSizeShift) & generatorSizeMask; size != 4096/4 {
		t.Errorf("size field = %d", size)
	}

	for _, size := range []int{0, 3, generatorDataSizeMax + 4} {
		if err := b.SetDataGeneratorPattern(readoutcard.PatternConstant, size, false); !readoutcard.IsKind(err, readoutcard.ErrorParameter) {
			t.Errorf("size %d: %v", size, err)
		}
	}
}

func TestSetLinksEnabledSingleLink(t *testing.T) {
	b := NewBar(newMockView(ControlBar))
	if err := b.SetLinksEnabled(readoutcard.LinkMask{0: true}); err != nil {
		t.Fatal(err)
	}
	err := b.SetLinksEnabled(readoutcard.LinkMask{1: true})
	if !readoutcard.IsKind(err, readoutcard.ErrorInvalidLinkID) {
		t.Errorf("link 1: %v", err)
	}
}

func TestWrongBar(t *testing.T) {
	b := NewBar(newMockView(2))
	if err := b.ResetCard(); !readoutcard.IsKind(err, readoutcard.ErrorWrongBar) {
		t.Errorf("ResetCard on BAR 2: %v", err)
	}
	if _, ok := b.Serial(); ok {
		t.Error("serial readable off the control bar")
	}
}
