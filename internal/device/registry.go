package device

import (
	"errors"
	"fmt"
	"sync"

	"tunctl/internal/protocol"
)

var (
	ErrNameTaken  = errors.New("device: interface name taken")
	ErrBadName    = errors.New("device: invalid interface name")
	ErrNoSuchName = errors.New("device: no such interface")
)

// Interface is anything registered under an index and a name. Only tunnel
// devices answer control requests; other kinds resolve but are unsupported.
type Interface interface {
	Kind() string
	Index() uint32
	Name() string
}

// Registry is the interface namespace: lookup by index or name.
type Registry struct {
	mu        sync.RWMutex
	byIndex   map[uint32]Interface
	byName    map[string]Interface
	nextIndex uint32
}

func NewRegistry() *Registry {
	return &Registry{
		byIndex: make(map[uint32]Interface),
		byName:  make(map[string]Interface),
	}
}

// CreateDevice registers a new tunnel device under name with the next free
// index. The registry keeps the creation reference; callers that outlive the
// registry entry take their own with Hold.
func (r *Registry) CreateDevice(name string) (*Device, error) {
	if name == "" || len(name) > protocol.IfnameMaxLen {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	r.nextIndex++
	d := newDevice(r.nextIndex, name)
	r.byIndex[d.Index()] = d
	r.byName[name] = d
	return d, nil
}

// Register adds a non-tunnel interface to the namespace, for example a plain
// network interface that control requests must refuse as unsupported.
func (r *Registry) Register(ifc Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[ifc.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, ifc.Name())
	}
	if _, ok := r.byIndex[ifc.Index()]; ok {
		return fmt.Errorf("%w: index %d", ErrNameTaken, ifc.Index())
	}
	r.byIndex[ifc.Index()] = ifc
	r.byName[ifc.Name()] = ifc
	return nil
}

// Remove drops an interface from the namespace. Tunnel devices lose their
// creation reference.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	ifc, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNoSuchName, name)
	}
	delete(r.byName, name)
	delete(r.byIndex, ifc.Index())
	r.mu.Unlock()

	if d, ok := ifc.(*Device); ok {
		d.WithUpdateLock(func() error {
			d.RemoveAllPeers()
			return nil
		})
		d.Release()
	}
	return nil
}

// ByIndex resolves an interface by index.
func (r *Registry) ByIndex(index uint32) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifc, ok := r.byIndex[index]
	return ifc, ok
}

// ByName resolves an interface by name.
func (r *Registry) ByName(name string) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ifc, ok := r.byName[name]
	return ifc, ok
}

// Devices snapshots every registered tunnel device.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.byIndex))
	for _, ifc := range r.byIndex {
		if d, ok := ifc.(*Device); ok {
			out = append(out, d)
		}
	}
	return out
}
