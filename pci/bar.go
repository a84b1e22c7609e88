package pci

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BarView is a BAR mapped into the process address space, with 32-bit
// word-indexed register access.  Registers are accessed through atomic
// loads and stores so accesses on one view are never reordered against each
// other; the hardware serializes accesses from different views.
type BarView struct {
	index int
	mem   []byte
}

// MapBar maps the BAR with the given index.  Only BARs 0-2 carry card
// registers.
func (d *Device) MapBar(index int) (*BarView, error) {
	if index < 0 || index > 2 {
		return nil, fmt.Errorf("BAR index %d out of range (0-2)", index)
	}
	if index >= len(d.Resources) || d.Resources[index].Size == 0 {
		return nil, fmt.Errorf("device %s has no BAR %d", d.Addr, index)
	}
	f, err := os.OpenFile(d.sysfsPath(fmt.Sprintf("resource%d", index)), os.O_RDWR, 0)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening resource%d of %s", index, d.Addr)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(d.Resources[index].Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "mapping resource%d of %s", index, d.Addr)
	}
	return &BarView{index: index, mem: mem}, nil
}

// Index returns the BAR index of this view.
func (b *BarView) Index() int { return b.index }

// Size returns the mapped length in bytes.
func (b *BarView) Size() int { return len(b.mem) }

// ReadRegister returns the 32-bit register at word index i.  Out-of-window
// indices read as 0xffffffff, matching what the bus returns for a bad
// access.
func (b *BarView) ReadRegister(i uint32) uint32 {
	off := int(i) * 4
	if off+4 > len(b.mem) {
		return 0xffffffff
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b.mem[off])))
}

// WriteRegister writes the 32-bit register at word index i.  Out-of-window
// writes are dropped.
func (b *BarView) WriteRegister(i uint32, v uint32) {
	off := int(i) * 4
	if off+4 > len(b.mem) {
		return
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b.mem[off])), v)
}

// Close unmaps the view.
func (b *BarView) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
