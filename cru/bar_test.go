package cru

import (
	"math"
	"testing"

	"github.com/o2-daq/readoutcard"
)

// mockView is an in-memory register file standing in for a mapped BAR.
type mockView struct {
	index  int
	regs   map[uint32]uint32
	writes []write
	closed bool
}

type write struct {
	reg   uint32
	value uint32
}

func newMockView(index int) *mockView {
	return &mockView{index: index, regs: make(map[uint32]uint32)}
}

func (m *mockView) ReadRegister(i uint32) uint32 { return m.regs[i] }

func (m *mockView) WriteRegister(i uint32, v uint32) {
	m.regs[i] = v
	m.writes = append(m.writes, write{i, v})
}

func (m *mockView) Index() int   { return m.index }
func (m *mockView) Close() error { m.closed = true; return nil }

func controlWrites(m *mockView) []uint32 {
	var out []uint32
	for _, w := range m.writes {
		if w.reg == regControl {
			out = append(out, w.value)
		}
	}
	return out
}

func TestParseFirmwareFeatures(t *testing.T) {
	// A register without the safeword predates feature reporting; every
	// feature is assumed present.
	f := ParseFirmwareFeatures(0x12345678)
	if !f.Serial || !f.Temperature || !f.DataSelection || !f.FirmwareInfo || !f.ChipID {
		t.Errorf("pre-safeword firmware should report all features: %+v", f)
	}
	if f.Standalone {
		t.Error("pre-safeword firmware is not a standalone build")
	}

	// Safeword present, low bits flag stripped registers.
	f = ParseFirmwareFeatures(0x5afe0000)
	if !f.Standalone || !f.Serial || !f.Temperature {
		t.Errorf("safeword with no stripped bits: %+v", f)
	}
	f = ParseFirmwareFeatures(0x5afe0000 | 1<<1 | 1<<2) // temperature, serial stripped
	if f.Temperature || f.Serial {
		t.Errorf("stripped bits should clear features: %+v", f)
	}
	if !f.FirmwareInfo {
		t.Errorf("unstripped features should survive: %+v", f)
	}
}

func TestBarSerialAndTemperature(t *testing.T) {
	m := newMockView(ControlBar)
	m.regs[regSerial] = 1041
	m.regs[regTemperature] = 0x1cc
	b := NewBar(m)

	if s, ok := b.Serial(); !ok || s != 1041 {
		t.Errorf("serial = %d, %v", s, ok)
	}

	temp, ok := b.Temperature()
	if !ok {
		t.Fatal("temperature absent")
	}
	want := float64(0x1cc)*693.0/1024.0 - 265.0
	if math.Abs(temp-want) > 0.01 {
		t.Errorf("temperature = %f, want %f", temp, want)
	}

	// An unreadable serial register means no serial.
	m.regs[regSerial] = 0xffffffff
	if _, ok := b.Serial(); ok {
		t.Error("all-ones serial should be absent")
	}

	// A settled-at-zero sensor reads absent.
	m.regs[regTemperature] = 0
	if _, ok := b.Temperature(); ok {
		t.Error("zero raw temperature should be absent")
	}
}

func TestBarFeatureGating(t *testing.T) {
	m := newMockView(ControlBar)
	m.regs[regFirmwareFeatures] = 0x5afe0000 | 1<<0 | 1<<2 // data selection, serial stripped
	b := NewBar(m)

	if _, ok := b.Serial(); ok {
		t.Error("stripped serial register should read absent")
	}
	err := b.SetDataSource(readoutcard.DataSourceInternal)
	if !readoutcard.IsKind(err, readoutcard.ErrorNotSupportedByFirmware) {
		t.Errorf("SetDataSource on stripped firmware: %v", err)
	}
}

func TestBarWrongBar(t *testing.T) {
	b := NewBar(newMockView(0))
	if err := b.ResetCard(); !readoutcard.IsKind(err, readoutcard.ErrorWrongBar) {
		t.Errorf("ResetCard on BAR 0: %v", err)
	}
	if err := b.SetLinksEnabled(readoutcard.LinkMask{0: true}); !readoutcard.IsKind(err, readoutcard.ErrorWrongBar) {
		t.Errorf("SetLinksEnabled on BAR 0: %v", err)
	}
}

func TestResetCardHandshake(t *testing.T) {
	m := newMockView(ControlBar)
	b := NewBar(m)
	if err := b.ResetCard(); err != nil {
		t.Fatal(err)
	}
	got := controlWrites(m)
	want := []uint32{0x1, 0x2, 0x1, 0x0}
	if len(got) != len(want) {
		t.Fatalf("control writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("control writes = %v, want %v", got, want)
		}
	}
}

func TestResetCardBusyTimeout(t *testing.T) {
	m := newMockView(ControlBar)
	m.regs[regBusy] = 1
	b := NewBar(m)
	err := b.ResetCard()
	if !readoutcard.IsKind(err, readoutcard.ErrorBusyTimeout) {
		t.Fatalf("stuck BUSY: %v", err)
	}
}

func TestSetDataGeneratorPattern(t *testing.T) {
	m := newMockView(ControlBar)
	b := NewBar(m)

	if err := b.SetDataGeneratorPattern(readoutcard.PatternIncremental, 1024, true); err != nil {
		t.Fatal(err)
	}
	word := m.regs[regDataGenerator]
	if pat := (word >> genPatternShift) & genPatternMask; pat != uint32(readoutcard.PatternIncremental) {
		t.Errorf("pattern field = %d", pat)
	}
	if size := (word >> genSizeShift) & genSizeMask; size != 1024/32 {
		t.Errorf("size field = %d", size)
	}
	if word&genRandomBit == 0 {
		t.Error("random bit not set")
	}

	// Reconfiguring must preserve a running emulator's enable bit.
	if err := b.SetDataEmulatorEnabled(true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDataGeneratorPattern(readoutcard.PatternConstant, 64, false); err != nil {
		t.Fatal(err)
	}
	if m.regs[regDataGenerator]&genEnableBit == 0 {
		t.Error("enable bit lost on reconfiguration")
	}

	if err := b.SetDataGeneratorPattern(readoutcard.PatternRandom, 1024, false); !readoutcard.IsKind(err, readoutcard.ErrorParameter) {
		t.Errorf("random pattern: %v", err)
	}
	for _, size := range []int{0, 32, 100, DmaPageSize + 32} {
		if err := b.SetDataGeneratorPattern(readoutcard.PatternConstant, size, false); !readoutcard.IsKind(err, readoutcard.ErrorParameter) {
			t.Errorf("size %d: %v", size, err)
		}
	}
}

func TestSetLinksEnabled(t *testing.T) {
	m := newMockView(ControlBar)
	b := NewBar(m)

	mask, err := readoutcard.LinkMaskFromString("0-2,5")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetLinksEnabled(mask); err != nil {
		t.Fatal(err)
	}
	if got := m.regs[regLinkEnable]; got != 0x27 {
		t.Errorf("link enable = 0x%x, want 0x27", got)
	}

	err = b.SetLinksEnabled(readoutcard.LinkMask{uint32(MaxLinks): true})
	if !readoutcard.IsKind(err, readoutcard.ErrorInvalidLinkID) {
		t.Errorf("out-of-range link: %v", err)
	}
}

func TestLinksPerWrapper(t *testing.T) {
	m := newMockView(ControlBar)
	m.regs[regWrapperLinkCount(0)] = 12
	m.regs[regWrapperLinkCount(1)] = 8
	b := NewBar(m)

	if n := b.LinksPerWrapper(0); n != 12 {
		t.Errorf("wrapper 0 = %d", n)
	}
	if n := b.LinksPerWrapper(5); n != -1 {
		t.Errorf("missing wrapper = %d, want -1", n)
	}
	if n := b.Links(); n != 20 {
		t.Errorf("links = %d, want 20", n)
	}
}
