// Package device owns tunnel device state: identity, peers, the allowed-IP
// table, the UDP socket, and the update lock serializing configuration
// against dump traversal.
package device

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/noise"
	"tunctl/internal/routing"
)

var (
	ErrPeerExists = errors.New("device: peer already exists")
	ErrClosed     = errors.New("device: closed")
)

// Kind identifies tunnel devices in the interface registry.
const Kind = "tunnel"

// Device is one virtual tunnel interface. All configuration mutation and all
// dump message production happen under the update lock; generation counts
// mutations for dump consistency stamping.
type Device struct {
	index uint32
	name  string
	refs  atomic.Int64

	// updateMu is the device update lock. Held for a whole mutation request
	// and for each single dump message production step, never across dump
	// messages.
	updateMu   sync.Mutex
	generation uint32

	listenPort uint16
	fwmark     uint32

	identity noise.Identity
	cookies  noise.CookieChecker

	peersByKey map[wgtypes.Key]*Peer
	peerHead   *Peer
	peerTail   *Peer
	peerCount  int

	allowed *routing.Table

	sockMu  sync.RWMutex
	sock    *socket
	running atomic.Bool
}

func newDevice(index uint32, name string) *Device {
	d := &Device{
		index:      index,
		name:       name,
		peersByKey: make(map[wgtypes.Key]*Peer),
		allowed:    routing.NewTable(),
	}
	d.refs.Store(1)
	return d
}

func (d *Device) Kind() string  { return Kind }
func (d *Device) Index() uint32 { return d.index }
func (d *Device) Name() string  { return d.name }

// Hold takes a device reference for the duration of a request or dump
// session.
func (d *Device) Hold() *Device {
	d.refs.Add(1)
	return d
}

// Release drops a reference taken by Hold or by registry creation. The last
// release closes the socket.
func (d *Device) Release() {
	if d.refs.Add(-1) == 0 {
		d.updateMu.Lock()
		d.closeSocketLocked()
		d.updateMu.Unlock()
	}
}

// WithUpdateLock runs fn under the device update lock.
func (d *Device) WithUpdateLock(fn func() error) error {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()
	return fn()
}

// BumpGeneration increments the update generation. Caller holds the update
// lock.
func (d *Device) BumpGeneration() uint32 {
	d.generation++
	return d.generation
}

// Generation returns the current update generation. Caller holds the update
// lock.
func (d *Device) Generation() uint32 {
	return d.generation
}

// Identity exposes the device static identity.
func (d *Device) Identity() *noise.Identity {
	return &d.identity
}

// Cookies exposes the precomputed cookie material.
func (d *Device) Cookies() *noise.CookieChecker {
	return &d.cookies
}

// Allowed exposes the allowed-IP table owning this device's ranges.
func (d *Device) Allowed() *routing.Table {
	return d.allowed
}

// ListenPort returns the configured incoming port. Caller holds the update
// lock.
func (d *Device) ListenPort() uint16 {
	return d.listenPort
}

// Fwmark returns the routing mark. Caller holds the update lock.
func (d *Device) Fwmark() uint32 {
	return d.fwmark
}

// SetFwmark stores the routing mark and clears every peer's cached endpoint
// source. Caller holds the update lock.
func (d *Device) SetFwmark(mark uint32) {
	d.fwmark = mark
	for p := d.peerHead; p != nil; p = p.next {
		p.ClearEndpointSrc()
	}
}

// Running reports whether the device is up.
func (d *Device) Running() bool {
	return d.running.Load()
}

// PeerCount returns the number of linked peers. Caller holds the update lock.
func (d *Device) PeerCount() int {
	return d.peerCount
}

// LookupPeer finds a linked peer by public key and returns it with an added
// reference, or nil. Caller holds the update lock.
func (d *Device) LookupPeer(key wgtypes.Key) *Peer {
	return d.peersByKey[key].Hold()
}

// CreatePeer adds a new peer with the given identity key and links it last
// in the peer collection. The returned peer carries the creation reference
// plus one for the caller. Caller holds the update lock.
func (d *Device) CreatePeer(key wgtypes.Key) (*Peer, error) {
	if _, ok := d.peersByKey[key]; ok {
		return nil, ErrPeerExists
	}
	p := &Peer{device: d, publicKey: key}
	p.refs.Store(1)
	if err := p.Precompute(); err != nil {
		return nil, err
	}
	d.peersByKey[key] = p
	d.linkPeer(p)
	return p.Hold(), nil
}

// RemovePeer unlinks a peer, drops its allowed ranges, wipes its handshake
// state and releases the creation reference. Stale dump cursors observe the
// unlink via Linked. Caller holds the update lock.
func (d *Device) RemovePeer(p *Peer) {
	if p == nil || !p.linked {
		return
	}
	d.unlinkPeer(p)
	delete(d.peersByKey, p.publicKey)
	d.allowed.RemoveByOwner(p)
	p.zero()
	p.Release()
}

// RemoveAllPeers clears the peer collection. Caller holds the update lock.
func (d *Device) RemoveAllPeers() {
	for d.peerHead != nil {
		d.RemovePeer(d.peerHead)
	}
}

// FirstPeer returns the head of the peer collection. Caller holds the update
// lock.
func (d *Device) FirstPeer() *Peer {
	return d.peerHead
}

// NextPeer returns the peer after p in collection order. Caller holds the
// update lock.
func (d *Device) NextPeer(p *Peer) *Peer {
	if p == nil {
		return d.peerHead
	}
	return p.next
}

// ForEachPeer visits every linked peer in order. Caller holds the update
// lock; fn must not mutate the collection except through RemovePeer on the
// visited peer.
func (d *Device) ForEachPeer(fn func(p *Peer)) {
	for p := d.peerHead; p != nil; {
		next := p.next
		fn(p)
		p = next
	}
}

func (d *Device) linkPeer(p *Peer) {
	p.prev = d.peerTail
	p.next = nil
	if d.peerTail != nil {
		d.peerTail.next = p
	} else {
		d.peerHead = p
	}
	d.peerTail = p
	p.linked = true
	d.peerCount++
}

func (d *Device) unlinkPeer(p *Peer) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		d.peerHead = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		d.peerTail = p.prev
	}
	p.prev = nil
	p.next = nil
	p.linked = false
	d.peerCount--
}

// SetPrivateKey rotates the device identity: a peer carrying the derived
// public key is removed first to prevent a self-peer, every remaining peer's
// static-static secret is recomputed (failures remove the peer), and cookie
// material is refreshed. Caller holds the update lock.
func (d *Device) SetPrivateKey(priv wgtypes.Key) {
	if priv != (wgtypes.Key{}) {
		pub := priv.PublicKey()
		if self, ok := d.peersByKey[pub]; ok {
			d.RemovePeer(self)
		}
	}
	d.identity.SetPrivateKey(priv)
	d.ForEachPeer(func(p *Peer) {
		if err := p.Precompute(); err != nil {
			d.RemovePeer(p)
		}
	})
	if pub, ok := d.identity.PublicKey(); ok {
		d.cookies.Precompute(pub)
	}
}
