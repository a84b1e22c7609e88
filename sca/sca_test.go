package sca

import (
	"strings"
	"testing"

	"github.com/o2-daq/readoutcard"
)

// mockBar scripts the slow-control register block.  Successive reads of
// READ_COMMAND consume cmdReads; BUSY reads 0 after busyClears reads.
type mockBar struct {
	regs       map[uint32]uint32
	writes     []write
	cmdReads   []uint32
	busyClears int
}

type write struct {
	reg   uint32
	value uint32
}

func newMockBar() *mockBar {
	return &mockBar{regs: make(map[uint32]uint32)}
}

func (m *mockBar) ReadRegister(i uint32) uint32 {
	switch i {
	case regBusy:
		if m.busyClears > 0 {
			m.busyClears--
			return 1
		}
		return 0
	case regReadCommand:
		if len(m.cmdReads) > 0 {
			v := m.cmdReads[0]
			if len(m.cmdReads) > 1 {
				m.cmdReads = m.cmdReads[1:]
			}
			return v
		}
	}
	return m.regs[i]
}

func (m *mockBar) WriteRegister(i uint32, v uint32) {
	m.regs[i] = v
	m.writes = append(m.writes, write{i, v})
}

func (m *mockBar) controlWrites() []uint32 {
	var out []uint32
	for _, w := range m.writes {
		if w.reg == regControl {
			out = append(out, w.value)
		}
	}
	return out
}

func TestInitHandshake(t *testing.T) {
	m := newMockBar()
	s := New(m)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	got := m.controlWrites()
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

func TestInitBusyTimeout(t *testing.T) {
	m := newMockBar()
	m.busyClears = maxBusyIterations + 1
	err := New(m).Init()
	if !readoutcard.IsKind(err, readoutcard.ErrorBusyTimeout) {
		t.Fatalf("stuck BUSY: %v", err)
	}
}

func TestWriteExecutes(t *testing.T) {
	m := newMockBar()
	s := New(m)
	if err := s.Write(0x02040010, 0xabcd); err != nil {
		t.Fatal(err)
	}
	if m.regs[regWriteData] != 0xabcd {
		t.Errorf("write data = 0x%x", m.regs[regWriteData])
	}
	if m.regs[regWriteCommand] != 0x02040010 {
		t.Errorf("write command = 0x%x", m.regs[regWriteCommand])
	}
	got := m.controlWrites()
	if len(got) != 2 || got[0] != 0x4 || got[1] != 0x0 {
		t.Errorf("execute wrote %v, want [0x4 0x0]", got)
	}
}

func TestReadSuccess(t *testing.T) {
	m := newMockBar()
	m.regs[regReadData] = 0x12345678
	m.cmdReads = []uint32{0x02040000} // status 0
	r, err := New(m).Read()
	if err != nil {
		t.Fatal(err)
	}
	if r.Data != 0x12345678 {
		t.Errorf("data = 0x%x", r.Data)
	}
	if r.Channel() != 0x02 || r.Transaction() != 0x04 || r.Status() != 0 {
		t.Errorf("decoded command = %+v", r)
	}
}

// A busy marker is retried until the channel settles.
func TestReadRetriesBusy(t *testing.T) {
	m := newMockBar()
	m.regs[regReadData] = 0x1
	m.cmdReads = []uint32{0x40, 0x40, 0x40, 0x00}
	if _, err := New(m).Read(); err != nil {
		t.Fatal(err)
	}

	// A channel that never settles is an SCA error after the spin cap.
	m = newMockBar()
	m.cmdReads = []uint32{0x40}
	_, err := New(m).Read()
	if !readoutcard.IsKind(err, readoutcard.ErrorSca) {
		t.Fatalf("endless busy: %v", err)
	}
}

func TestReadStatusDecode(t *testing.T) {
	cases := []struct {
		status uint32
		want   string
	}{
		{0x01, "invalid channel request"},
		{0x02, "invalid command request"},
		{0x03, "invalid transaction number"},
		{0x04, "invalid length"},
		{0x05, "channel not enabled"},
	}
	for _, c := range cases {
		m := newMockBar()
		m.cmdReads = []uint32{c.status}
		_, err := New(m).Read()
		if !readoutcard.IsKind(err, readoutcard.ErrorSca) {
			t.Errorf("status 0x%x: %v", c.status, err)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("status 0x%x message %q does not name %q", c.status, err.Error(), c.want)
		}
	}
}

func TestReadStatusDecodeComposite(t *testing.T) {
	m := newMockBar()
	m.cmdReads = []uint32{0x12} // bits 1 and 4
	_, err := New(m).Read()
	if err == nil {
		t.Fatal("composite status accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "invalid channel request") || !strings.Contains(msg, "invalid length") {
		t.Errorf("composite decode = %q", msg)
	}
}

func TestGpioRead(t *testing.T) {
	m := newMockBar()
	m.regs[regReadData] = 0xf0f0
	m.cmdReads = []uint32{0x0}
	r, err := New(m).GpioRead()
	if err != nil {
		t.Fatal(err)
	}
	if r.Data != 0xf0f0 {
		t.Errorf("gpio data = 0x%x", r.Data)
	}
	if m.regs[regWriteCommand] != 0x02050011 {
		t.Errorf("gpio read command = 0x%x", m.regs[regWriteCommand])
	}
}

func TestTime(t *testing.T) {
	m := newMockBar()
	m.regs[regTime] = 250
	if ns := New(m).Time(); ns != 1000 {
		t.Errorf("time = %d ns, want 1000", ns)
	}
}
