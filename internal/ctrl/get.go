package ctrl

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"tunctl/internal/device"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/attr"
	"tunctl/internal/protocol/schema"
)

// errMessageFull aborts a range walk when the builder runs out of space.
var errMessageFull = errors.New("ctrl: message full")

type writeResult int

const (
	// peerWritten: the whole record and all remaining ranges fit.
	peerWritten writeResult = iota
	// peerPartial: the record was preserved up to the point that fit; the
	// range cursor was advanced and the same peer resumes next turn.
	peerPartial
	// peerSkipped: nothing of the peer fit; its record was cancelled whole.
	peerSkipped
)

// DumpSession streams one device's full state across as many bounded
// messages as it takes. The update lock is held per message, never across
// messages; the cursor peer is pinned with a reference between turns.
type DumpSession struct {
	svc         *Service
	dev         *device.Device
	cursor      *device.Peer
	rangeCursor int
	done        bool
	closed      bool
}

// StartDump resolves the target device and opens a dump session. No lock is
// held yet; the caller must Close the session on every path.
func (s *Service) StartDump(req []byte) (*DumpSession, error) {
	f, err := schema.Parse("device", schema.Device, req)
	if err != nil {
		return nil, err
	}
	dev, err := s.resolve(f)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("device", dev.Name()).Msg("dump session opened")
	return &DumpSession{svc: s, dev: dev}, nil
}

// Done reports whether the snapshot has been fully emitted.
func (sess *DumpSession) Done() bool {
	return sess.done
}

// Next produces the next dump message under the device update lock. gen is
// the device's update generation, stamped into the message sequence so the
// client can detect a concurrently mutated, incoherent dump.
func (sess *DumpSession) Next() (payload []byte, gen uint32, done bool, err error) {
	if sess.done || sess.closed {
		return nil, 0, true, nil
	}
	dev := sess.dev
	err = dev.WithUpdateLock(func() error {
		gen = dev.Generation()
		b := attr.NewBuilder(sess.svc.maxSize)
		last := sess.cursor
		startRange := sess.rangeCursor

		if last == nil {
			if err := putDeviceAttrs(b, dev); err != nil {
				return ErrMessageTooLarge
			}
		}

		peersMark, nerr := b.Nest(protocol.DeviceAttrPeers)
		if nerr != nil {
			return ErrMessageTooLarge
		}

		// A cursor peer unlinked since the previous turn reads the same as
		// an exhausted list. The dump was not coherent anyway; the
		// generation stamp tells the client to retry.
		if dev.FirstPeer() == nil || (last != nil && !last.Linked()) {
			b.CancelNest(peersMark)
			sess.finishLocked()
			payload = b.Bytes()
			return nil
		}

		nextCursor := last
		rangeCursor := sess.rangeCursor
		complete := true
		idx := 0
		for p := dev.NextPeer(last); p != nil; p = dev.NextPeer(p) {
			res := putPeer(b, dev, p, idx, &rangeCursor)
			if res != peerWritten {
				complete = false
				break
			}
			nextCursor = p
			rangeCursor = 0
			idx++
		}
		b.EndNest(peersMark)
		payload = b.Bytes()

		if complete {
			sess.finishLocked()
			return nil
		}
		if nextCursor == last && rangeCursor == startRange {
			// The turn made no forward progress: a single record exceeds
			// the message cap.
			return ErrMessageTooLarge
		}

		// Pin the new cursor peer so it survives until the next turn even
		// if it is removed in between.
		pinned := nextCursor.Hold()
		sess.cursor.Release()
		sess.cursor = pinned
		sess.rangeCursor = rangeCursor
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return payload, gen, sess.done, nil
}

// finishLocked clears cursor state once every peer and range was emitted.
// Caller holds the update lock.
func (sess *DumpSession) finishLocked() {
	sess.cursor.Release()
	sess.cursor = nil
	sess.rangeCursor = 0
	sess.done = true
}

// Close releases the device reference and any pinned cursor peer. It runs on
// every teardown path, including sessions abandoned mid-dump.
func (sess *DumpSession) Close() {
	if sess.closed {
		return
	}
	sess.closed = true
	sess.cursor.Release()
	sess.cursor = nil
	sess.dev.Release()
}

// putDeviceAttrs emits the device-level scalar fields plus, when an identity
// is configured, the key pair. Only the first message of a session carries
// these.
func putDeviceAttrs(b *attr.Builder, dev *device.Device) error {
	if err := b.PutU16(protocol.DeviceAttrListenPort, dev.ListenPort()); err != nil {
		return err
	}
	if err := b.PutU32(protocol.DeviceAttrFwmark, dev.Fwmark()); err != nil {
		return err
	}
	if err := b.PutU32(protocol.DeviceAttrIfindex, dev.Index()); err != nil {
		return err
	}
	if err := b.PutString(protocol.DeviceAttrIfname, dev.Name()); err != nil {
		return err
	}
	if priv, pub, ok := dev.Identity().Keys(); ok {
		if err := b.PutBytes(protocol.DeviceAttrPrivateKey, priv[:]); err != nil {
			return err
		}
		if err := b.PutBytes(protocol.DeviceAttrPublicKey, pub[:]); err != nil {
			return err
		}
	}
	return nil
}

// putPeer appends one peer record. The public key is always present; the
// one-shot fields (preshared key, handshake time, keepalive, counters,
// endpoint) ride along only while the range cursor is still zero, so a
// resumed peer does not repeat them.
func putPeer(b *attr.Builder, dev *device.Device, p *device.Peer, idx int, rangeCursor *int) writeResult {
	peerMark, err := b.Nest(uint16(idx))
	if err != nil {
		return peerSkipped
	}
	cancel := func() writeResult {
		b.CancelNest(peerMark)
		return peerSkipped
	}

	pub := p.PublicKey()
	if err := b.PutBytes(protocol.PeerAttrPublicKey, pub[:]); err != nil {
		return cancel()
	}

	if *rangeCursor == 0 {
		psk := p.PresharedKey()
		if err := b.PutBytes(protocol.PeerAttrPresharedKey, psk[:]); err != nil {
			return cancel()
		}
		var sec int64
		var nsec int32
		if hs := p.LastHandshake(); !hs.IsZero() {
			sec = hs.Unix()
			nsec = int32(hs.Nanosecond())
		}
		if err := b.PutBytes(protocol.PeerAttrLastHandshake, protocol.EncodeTimestamp(sec, nsec)); err != nil {
			return cancel()
		}
		if err := b.PutU16(protocol.PeerAttrKeepaliveInterval, p.KeepaliveInterval()); err != nil {
			return cancel()
		}
		rx, tx := p.Counters()
		if err := b.PutU64(protocol.PeerAttrTxBytes, tx); err != nil {
			return cancel()
		}
		if err := b.PutU64(protocol.PeerAttrRxBytes, rx); err != nil {
			return cancel()
		}
		if ep := protocol.EncodeEndpoint(p.Endpoint()); ep != nil {
			if err := b.PutBytes(protocol.PeerAttrEndpoint, ep); err != nil {
				return cancel()
			}
		}
	}

	ipsMark, err := b.Nest(protocol.PeerAttrAllowedIPs)
	if err != nil {
		return cancel()
	}

	i := 0
	cut := false
	_ = dev.Allowed().WalkByOwner(p, func(prefix netip.Prefix) error {
		i++
		if i < *rangeCursor {
			return nil
		}
		m, err := b.Nest(uint16(i - 1))
		if err != nil {
			cut = true
			return errMessageFull
		}
		if err := putAllowedIP(b, prefix); err != nil {
			b.CancelNest(m)
			cut = true
			return errMessageFull
		}
		b.EndNest(m)
		return nil
	})
	if cut {
		*rangeCursor = i
		b.EndNest(ipsMark)
		b.EndNest(peerMark)
		return peerPartial
	}
	*rangeCursor = 0
	b.EndNest(ipsMark)
	b.EndNest(peerMark)
	return peerWritten
}

func putAllowedIP(b *attr.Builder, prefix netip.Prefix) error {
	if err := b.PutU8(protocol.AllowedIPAttrCIDRMask, uint8(prefix.Bits())); err != nil {
		return err
	}
	addr := prefix.Addr()
	if addr.Is4() {
		if err := b.PutU16(protocol.AllowedIPAttrFamily, unix.AF_INET); err != nil {
			return err
		}
		a4 := addr.As4()
		return b.PutBytes(protocol.AllowedIPAttrAddr, a4[:])
	}
	if err := b.PutU16(protocol.AllowedIPAttrFamily, unix.AF_INET6); err != nil {
		return err
	}
	a16 := addr.As16()
	return b.PutBytes(protocol.AllowedIPAttrAddr, a16[:])
}
