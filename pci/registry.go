package pci

import (
	"sync"
)

// Handle is a shared, refcounted view of every device matching one
// (vendor, device) pair.  Handles come from Acquire; the scan behind a
// handle happens on the 0 -> 1 refcount transition and the devices are
// dropped on 1 -> 0.  The registry lock is taken only during Acquire and
// Release, never on the register-access hot path.
type Handle struct {
	id      ID
	devices []*Device
	refs    int
}

var (
	registryMu sync.Mutex
	registry   = make(map[ID]*Handle)
)

// Acquire returns the shared handle for id, scanning sysfs if this is the
// first acquisition.
func Acquire(id ID) (*Handle, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if h, ok := registry[id]; ok {
		h.refs++
		return h, nil
	}
	devices, err := Scan(id)
	if err != nil {
		return nil, err
	}
	h := &Handle{id: id, devices: devices, refs: 1}
	registry[id] = h
	return h, nil
}

// Release drops one reference.  The handle's devices become invalid once
// every holder has released.
func (h *Handle) Release() {
	registryMu.Lock()
	defer registryMu.Unlock()
	h.refs--
	if h.refs <= 0 {
		delete(registry, h.id)
		h.devices = nil
	}
}

// Devices returns the matched devices.  The slice is shared; callers must
// not mutate it.
func (h *Handle) Devices() []*Device { return h.devices }

// ID returns the pair this handle was acquired for.
func (h *Handle) ID() ID { return h.id }
