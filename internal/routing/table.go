// Package routing owns allowed-IP range storage: which address prefixes are
// authorized to arrive from which owner. Ranges are enumerated per owner in
// stable insertion order.
package routing

import (
	"errors"
	"net/netip"
	"sync"
)

var ErrBadPrefix = errors.New("routing: invalid prefix")

type entry struct {
	prefix netip.Prefix
	owner  any
}

// Table maps address prefixes to owners. Owners are compared by identity, so
// callers pass pointers.
type Table struct {
	mu      sync.RWMutex
	byOwner map[any][]netip.Prefix
	owners  map[netip.Prefix]any
}

func NewTable() *Table {
	return &Table{
		byOwner: make(map[any][]netip.Prefix),
		owners:  make(map[netip.Prefix]any),
	}
}

// Insert adds or re-homes a prefix under owner. Inserting a prefix that
// already belongs to a different owner moves it; inserting one the same owner
// already holds keeps its enumeration position.
func (t *Table) Insert(p netip.Prefix, owner any) error {
	if !p.IsValid() {
		return ErrBadPrefix
	}
	p = p.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.owners[p]; ok {
		if prev == owner {
			return nil
		}
		t.unlinkLocked(p, prev)
	}
	t.owners[p] = owner
	t.byOwner[owner] = append(t.byOwner[owner], p)
	return nil
}

// RemoveByOwner deletes every prefix owned by owner.
func (t *Table) RemoveByOwner(owner any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.byOwner[owner] {
		delete(t.owners, p)
	}
	delete(t.byOwner, owner)
}

// WalkByOwner enumerates owner's prefixes in insertion order, stopping early
// and returning fn's error if it fails.
func (t *Table) WalkByOwner(owner any, fn func(p netip.Prefix) error) error {
	t.mu.RLock()
	prefixes := make([]netip.Prefix, len(t.byOwner[owner]))
	copy(prefixes, t.byOwner[owner])
	t.mu.RUnlock()

	for _, p := range prefixes {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// CountByOwner returns the number of prefixes owned by owner.
func (t *Table) CountByOwner(owner any) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byOwner[owner])
}

// Lookup finds the owner of the longest prefix containing addr.
func (t *Table) Lookup(addr netip.Addr) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *entry
	for p, o := range t.owners {
		if !p.Contains(addr) {
			continue
		}
		if best == nil || p.Bits() > best.prefix.Bits() {
			best = &entry{prefix: p, owner: o}
		}
	}
	if best == nil {
		return nil, false
	}
	return best.owner, true
}

func (t *Table) unlinkLocked(p netip.Prefix, owner any) {
	list := t.byOwner[owner]
	for i, q := range list {
		if q == p {
			t.byOwner[owner] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.byOwner[owner]) == 0 {
		delete(t.byOwner, owner)
	}
}
