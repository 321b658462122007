package device

import (
	"fmt"
	"net"
	"net/netip"
)

// socket wraps the device's UDP listener. The device's sock pointer is
// guarded by sockMu, not the update lock, because transmit triggers fire
// while the update lock is already held.
type socket struct {
	conn *net.UDPConn
	port uint16
}

// UpdateListenPort tears down and rebuilds the socket on a new port. On bind
// failure the previous port stays committed and the error is returned. Caller
// holds the update lock.
func (d *Device) UpdateListenPort(port uint16) error {
	if d.listenPort == port {
		return nil
	}
	d.closeSocketLocked()
	prev := d.listenPort
	d.listenPort = port
	d.ForEachPeer(func(p *Peer) {
		p.ClearEndpointSrc()
	})
	if !d.running.Load() {
		return nil
	}
	if err := d.bindLocked(); err != nil {
		d.listenPort = prev
		return err
	}
	return nil
}

// Up brings the device online, binding its socket.
func (d *Device) Up() error {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()
	if d.running.Load() {
		return nil
	}
	if err := d.bindLocked(); err != nil {
		return err
	}
	d.running.Store(true)
	return nil
}

// Down takes the device offline and drops its socket.
func (d *Device) Down() {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()
	d.running.Store(false)
	d.closeSocketLocked()
}

// bindLocked binds the UDP socket on the configured port, committing the
// kernel-chosen port when it was 0. Caller holds the update lock.
func (d *Device) bindLocked() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(d.listenPort)})
	if err != nil {
		return fmt.Errorf("device %s: bind port %d: %w", d.name, d.listenPort, err)
	}
	actual := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	d.sockMu.Lock()
	d.sock = &socket{conn: conn, port: actual}
	d.sockMu.Unlock()
	d.listenPort = actual
	return nil
}

func (d *Device) closeSocketLocked() {
	d.sockMu.Lock()
	if d.sock != nil {
		_ = d.sock.conn.Close()
		d.sock = nil
	}
	d.sockMu.Unlock()
}

// sendToPeer best-effort transmits one packet to the peer's endpoint. Silent
// when the device has no socket or the peer has no endpoint yet.
func (d *Device) sendToPeer(p *Peer, pkt []byte) {
	ep := p.Endpoint()
	if !ep.Addr().IsValid() {
		return
	}
	d.sockMu.RLock()
	sock := d.sock
	d.sockMu.RUnlock()
	if sock == nil {
		return
	}
	_, _ = sock.conn.WriteToUDPAddrPort(pkt, netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()))
}
