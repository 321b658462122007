package device

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/noise"
)

var ErrPeerInvalid = errors.New("device: peer rejected by precomputation")

const maxStagedPackets = 128

// Peer is one remote endpoint of a device. The public key is its identity
// and never changes after creation. Handshake state and the endpoint carry
// their own locks so the data path never waits on the device update lock.
type Peer struct {
	device *Device
	refs   atomic.Int64

	// handshakeMu guards presharedKey and precomputed.
	handshakeMu  sync.RWMutex
	publicKey    wgtypes.Key
	presharedKey wgtypes.Key
	precomputed  [32]byte

	endpointMu  sync.RWMutex
	endpoint    netip.AddrPort
	endpointSrc netip.Addr

	keepalive atomic.Uint32 // seconds

	rxBytes       atomic.Uint64
	txBytes       atomic.Uint64
	lastHandshake atomic.Int64 // unix nanoseconds, 0 = never

	keepalivesSent atomic.Uint64

	stagedMu sync.Mutex
	staged   [][]byte

	// peer list links, guarded by the device update lock.
	prev, next *Peer
	linked     bool
}

// PublicKey returns the peer's immutable identity key.
func (p *Peer) PublicKey() wgtypes.Key {
	return p.publicKey
}

// Hold takes a reference. Nil-safe so cursor handoff code can pass through
// absent peers.
func (p *Peer) Hold() *Peer {
	if p == nil {
		return nil
	}
	p.refs.Add(1)
	return p
}

// Release drops a reference. At zero the peer's secret material is wiped.
func (p *Peer) Release() {
	if p == nil {
		return
	}
	if p.refs.Add(-1) == 0 {
		p.zero()
	}
}

func (p *Peer) zero() {
	p.handshakeMu.Lock()
	p.presharedKey = wgtypes.Key{}
	p.precomputed = [32]byte{}
	p.handshakeMu.Unlock()
}

// Linked reports whether the peer is still a member of its device's peer
// collection. Guarded by the device update lock.
func (p *Peer) Linked() bool {
	return p.linked
}

// SetPresharedKey installs the symmetric key under the handshake lock.
func (p *Peer) SetPresharedKey(key wgtypes.Key) {
	p.handshakeMu.Lock()
	p.presharedKey = key
	p.handshakeMu.Unlock()
}

// PresharedKey reads the symmetric key under the handshake lock.
func (p *Peer) PresharedKey() wgtypes.Key {
	p.handshakeMu.RLock()
	defer p.handshakeMu.RUnlock()
	return p.presharedKey
}

// Precompute refreshes the static-static shared secret against the device
// identity. Fails when the peer's key yields a degenerate secret.
func (p *Peer) Precompute() error {
	priv, _, ok := p.device.identity.Keys()
	if !ok {
		p.handshakeMu.Lock()
		p.precomputed = [32]byte{}
		p.handshakeMu.Unlock()
		return nil
	}
	ss, err := noise.SharedSecret(priv, p.publicKey)
	if err != nil {
		return ErrPeerInvalid
	}
	p.handshakeMu.Lock()
	p.precomputed = ss
	p.handshakeMu.Unlock()
	return nil
}

// SetEndpoint updates the peer's remote address.
func (p *Peer) SetEndpoint(ap netip.AddrPort) {
	p.endpointMu.Lock()
	p.endpoint = ap
	p.endpointMu.Unlock()
}

// Endpoint returns the last-known remote address.
func (p *Peer) Endpoint() netip.AddrPort {
	p.endpointMu.RLock()
	defer p.endpointMu.RUnlock()
	return p.endpoint
}

// ClearEndpointSrc drops the cached source-address binding. Called when the
// device's fwmark or listen port changes.
func (p *Peer) ClearEndpointSrc() {
	p.endpointMu.Lock()
	p.endpointSrc = netip.Addr{}
	p.endpointMu.Unlock()
}

// KeepaliveInterval returns the persistent keepalive interval in seconds.
func (p *Peer) KeepaliveInterval() uint16 {
	return uint16(p.keepalive.Load())
}

// SetKeepaliveInterval stores a new interval in seconds.
func (p *Peer) SetKeepaliveInterval(seconds uint16) {
	p.keepalive.Store(uint32(seconds))
}

// Counters returns cumulative transfer byte counts.
func (p *Peer) Counters() (rx, tx uint64) {
	return p.rxBytes.Load(), p.txBytes.Load()
}

// AddCounters accumulates transfer bytes; used by the data path and tests.
func (p *Peer) AddCounters(rx, tx uint64) {
	p.rxBytes.Add(rx)
	p.txBytes.Add(tx)
}

// LastHandshake returns the wall-clock time of the last completed handshake,
// zero if none.
func (p *Peer) LastHandshake() time.Time {
	ns := p.lastHandshake.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MarkHandshake records a completed handshake at t.
func (p *Peer) MarkHandshake(t time.Time) {
	p.lastHandshake.Store(t.UnixNano())
}

// Stage queues a packet awaiting the peer's first handshake. The queue is
// bounded; the oldest packet is dropped on overflow.
func (p *Peer) Stage(pkt []byte) {
	p.stagedMu.Lock()
	if len(p.staged) >= maxStagedPackets {
		p.staged = p.staged[1:]
	}
	p.staged = append(p.staged, pkt)
	p.stagedMu.Unlock()
}

// FlushStaged transmits queued packets to the peer's endpoint, if any.
func (p *Peer) FlushStaged() {
	p.stagedMu.Lock()
	pkts := p.staged
	p.staged = nil
	p.stagedMu.Unlock()

	for _, pkt := range pkts {
		p.device.sendToPeer(p, pkt)
	}
}

// StagedLen reports the number of queued packets.
func (p *Peer) StagedLen() int {
	p.stagedMu.Lock()
	defer p.stagedMu.Unlock()
	return len(p.staged)
}

// SendKeepalive transmits an immediate keepalive to the peer.
func (p *Peer) SendKeepalive() {
	p.keepalivesSent.Add(1)
	p.device.sendToPeer(p, []byte{0})
}

// KeepalivesSent reports how many keepalives were triggered; used by tests.
func (p *Peer) KeepalivesSent() uint64 {
	return p.keepalivesSent.Load()
}
