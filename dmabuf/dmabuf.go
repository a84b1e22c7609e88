/*Package dmabuf registers host memory for card DMA and answers bus-address
queries against the resulting scatter-gather list.

A buffer is described by one of three specs: Memory (a caller-allocated
region), File (a file, typically on hugetlbfs, mapped read/write) or Null (no
transfer; the owning channel is register-access only).  Registration pins the
region and resolves its physical layout through /proc/self/pagemap, then
coalesces physically adjacent pages into chunks.  A hugetlbfs-backed file or
a physically contiguous allocation therefore yields a single chunk; an
ordinary scattered region yields one chunk per contiguous run.

Without an IOMMU the card addresses physical memory directly, so a superpage
handed to the card must lie entirely within one chunk.  BusAddress enforces
this, plus the per-family alignment requirement.
*/
package dmabuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Spec describes the memory backing a DMA buffer.
type Spec interface {
	bufferSpec()
}

// Memory is a caller-allocated region.  The region should be page aligned;
// registration pins it with mlock so its physical layout cannot change.
type Memory struct {
	Data []byte
}

// File is a file-backed buffer, memory-mapped read/write.  Size bytes are
// mapped starting at Offset.  hugetlbfs paths give physically contiguous
// backing.  The file is created and grown if needed.
type File struct {
	Path   string
	Size   int64
	Offset int64
}

// Null is the no-transfer spec: registration is skipped entirely and the
// channel is usable only for register access.
type Null struct{}

func (Memory) bufferSpec() {}
func (File) bufferSpec()   {}
func (Null) bufferSpec()   {}

// Validation errors returned by BusAddress.  The channel layer folds these
// into its tagged error taxonomy.
var (
	ErrNotContiguous = errors.New("range spans physically discontiguous chunks")
	ErrOutOfBounds   = errors.New("range outside registered buffer")
	ErrMisaligned    = errors.New("bus address violates alignment requirement")
	ErrNullBuffer    = errors.New("null buffer holds no memory")
)

// Chunk is one bus-addressable piece of the buffer.
type Chunk struct {
	BusAddress uint64
	Offset     int // byte offset of the chunk within the buffer
	Length     int
}

// Registration is a registered buffer and its scatter-gather list.  It owns
// the file mapping when the buffer is file backed.
type Registration struct {
	data   []byte
	file   *os.File
	mapped bool
	locked bool
	chunks []Chunk
}

// Hooks for the physical-address walk, replaceable in tests.
var (
	physPageFn = readPagemapEntry
	pageSize   = os.Getpagesize()
)

var pagemapPath = "/proc/self/pagemap"

// readPagemapEntry resolves the physical address of the page containing
// vaddr.  Pagemap entries are 8 bytes per page; bits 0-54 hold the physical
// frame number, bit 63 flags the page present.
func readPagemapEntry(vaddr uintptr) (uint64, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "opening pagemap (needs CAP_SYS_ADMIN)")
	}
	defer f.Close()

	var b [8]byte
	ps := uintptr(pageSize)
	if _, err := f.ReadAt(b[:], int64(vaddr/ps)*8); err != nil {
		return 0, pkgerrors.Wrapf(err, "reading pagemap entry for 0x%x", vaddr)
	}
	v := binary.LittleEndian.Uint64(b[:])
	if v&(1<<63) == 0 {
		return 0, fmt.Errorf("page at 0x%x not present", vaddr)
	}
	pfn := v & (1<<55 - 1)
	return pfn*uint64(pageSize) + uint64(vaddr%ps), nil
}

// Register pins and registers the buffer described by spec.  A Null spec
// yields an empty registration.
func Register(spec Spec) (*Registration, error) {
	switch s := spec.(type) {
	case Null:
		return &Registration{}, nil
	case Memory:
		r := &Registration{data: s.Data}
		if err := unix.Mlock(s.Data); err != nil {
			return nil, pkgerrors.Wrap(err, "pinning buffer memory")
		}
		r.locked = true
		chunks, err := physChunks(s.Data)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.chunks = chunks
		return r, nil
	case File:
		return registerFile(s)
	default:
		return nil, fmt.Errorf("unrecognized buffer spec %T", spec)
	}
}

func registerFile(s File) (*Registration, error) {
	f, err := os.OpenFile(s.Path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening buffer file %s", s.Path)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < s.Offset+s.Size {
		if err := f.Truncate(s.Offset + s.Size); err != nil {
			f.Close()
			return nil, pkgerrors.Wrapf(err, "growing buffer file %s", s.Path)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), s.Offset, int(s.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		// MAP_LOCKED needs privilege; retry unpinned and mlock after.
		data, err = unix.Mmap(int(f.Fd()), s.Offset, int(s.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, pkgerrors.Wrapf(err, "mapping buffer file %s", s.Path)
		}
		unix.Mlock(data)
	}
	r := &Registration{data: data, file: f, mapped: true}
	chunks, err := physChunks(data)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.chunks = chunks
	return r, nil
}

// physChunks walks the physical pages backing data and coalesces adjacent
// ones into chunks.
func physChunks(data []byte) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var chunks []Chunk
	base := uintptr(unsafe.Pointer(&data[0]))
	for off := 0; off < len(data); off += pageSize {
		n := pageSize
		if off+n > len(data) {
			n = len(data) - off
		}
		phys, err := physPageFn(base + uintptr(off))
		if err != nil {
			return nil, err
		}
		if k := len(chunks); k > 0 {
			last := &chunks[k-1]
			if last.BusAddress+uint64(last.Length) == phys {
				last.Length += n
				continue
			}
		}
		chunks = append(chunks, Chunk{BusAddress: phys, Offset: off, Length: n})
	}
	return chunks, nil
}

// Resolved builds a registration from an already-resolved scatter-gather
// list, without pinning.  Used for card emulation and as a stand-in where
// the bus mapping is established externally (IOMMU domains set up by a
// privileged helper).
func Resolved(data []byte, chunks []Chunk) *Registration {
	return &Registration{data: data, chunks: chunks}
}

// Data returns the mapped buffer memory, nil for a Null registration.
func (r *Registration) Data() []byte { return r.data }

// Chunks returns the scatter-gather list.
func (r *Registration) Chunks() []Chunk { return r.chunks }

// Size returns the registered buffer size in bytes.
func (r *Registration) Size() int { return len(r.data) }

// BusAddress resolves the bus address of the byte range [offset,
// offset+size).  The range must lie within one chunk and the resulting
// address must be a multiple of align.
func (r *Registration) BusAddress(offset, size, align int) (uint64, error) {
	if r.data == nil {
		return 0, ErrNullBuffer
	}
	if offset < 0 || size <= 0 || offset+size > len(r.data) {
		return 0, ErrOutOfBounds
	}
	for _, c := range r.chunks {
		if offset < c.Offset || offset >= c.Offset+c.Length {
			continue
		}
		if offset+size > c.Offset+c.Length {
			return 0, ErrNotContiguous
		}
		bus := c.BusAddress + uint64(offset-c.Offset)
		if align > 1 && bus%uint64(align) != 0 {
			return 0, ErrMisaligned
		}
		return bus, nil
	}
	return 0, ErrOutOfBounds
}

// Close unpins and unmaps the buffer.  Safe on every path, including a
// partially constructed registration.
func (r *Registration) Close() error {
	var err error
	if r.locked && r.data != nil {
		unix.Munlock(r.data)
		r.locked = false
	}
	if r.mapped && r.data != nil {
		err = unix.Munmap(r.data)
		r.mapped = false
	}
	r.data = nil
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}
