/*Package pci walks the host PCIe topology through sysfs and maps card BARs
into the process address space.

The package knows nothing about card families; it matches on raw
(vendor, device) pairs and hands back devices whose BARs can be mapped for
register access.  Device handles for a given pair are shared process-wide
through a refcounted registry, so concurrent channels on different cards of
the same family reuse one scan.
*/
package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// sysBusPci is the sysfs root for PCI devices.  A variable so tests can
// point it at a fabricated tree.
var sysBusPci = "/sys/bus/pci/devices"

// ID is a PCI (vendor, device) pair.
type ID struct {
	Vendor uint16
	Device uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// Address is the full sysfs form of a device address, including the PCI
// domain.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// Resource describes one BAR as reported by the sysfs resource file.
type Resource struct {
	Index int
	Base  uint64
	Size  int64
}

// Device is one matched PCI device.  It is produced by Scan and owned by the
// registry handle it came from.
type Device struct {
	Addr      Address
	ID        ID
	NumaNode  int
	Resources []Resource

	path string
}

func (d *Device) sysfsPath(name string) string {
	return filepath.Join(d.path, name)
}

func readHexFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// Scan walks sysfs and returns every device matching id.  A host without
// matching hardware yields an empty slice and no error.
func Scan(id ID) ([]*Device, error) {
	entries, err := os.ReadDir(sysBusPci)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading PCI sysfs")
	}

	var devices []*Device
	for _, e := range entries {
		var a Address
		if n, err := fmt.Sscanf(e.Name(), "%x:%x:%x.%x", &a.Domain, &a.Bus, &a.Slot, &a.Function); n != 4 || err != nil {
			continue
		}
		path := filepath.Join(sysBusPci, e.Name())

		vendor, err := readHexFile(filepath.Join(path, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHexFile(filepath.Join(path, "device"))
		if err != nil {
			continue
		}
		if uint16(vendor) != id.Vendor || uint16(device) != id.Device {
			continue
		}

		d := &Device{Addr: a, ID: id, NumaNode: -1, path: path}
		if b, err := os.ReadFile(filepath.Join(path, "numa_node")); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
				d.NumaNode = n
			}
		}
		if err := d.readResources(); err != nil {
			return nil, pkgerrors.Wrapf(err, "reading resources of %s", a)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// readResources parses the sysfs resource file: one "start end flags" line
// per BAR, all hexadecimal.  An all-zero line is an unimplemented BAR.
func (d *Device) readResources() error {
	b, err := os.ReadFile(d.sysfsPath("resource"))
	if err != nil {
		return err
	}
	for i, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var start, end, flags uint64
		if n, err := fmt.Sscanf(line, "0x%x 0x%x 0x%x", &start, &end, &flags); n != 3 || err != nil {
			return fmt.Errorf("malformed resource line %d: %q", i, line)
		}
		r := Resource{Index: i, Base: start}
		if start != 0 {
			r.Size = int64(end - start + 1)
		}
		d.Resources = append(d.Resources, r)
	}
	return nil
}

// ConfigRead32 reads a 32-bit word from PCI configuration space.
func (d *Device) ConfigRead32(offset int64) (uint32, error) {
	f, err := os.Open(d.sysfsPath("config"))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "opening config space")
	}
	defer f.Close()
	var b [4]byte
	if _, err := f.ReadAt(b[:], offset); err != nil {
		return 0, pkgerrors.Wrapf(err, "reading config space at 0x%x", offset)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
