package ctrl

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/device"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/schema"
)

// SetDevice applies one batched mutation request. Steps run in a fixed order
// under the device update lock; the first failing step aborts the rest but
// already-applied steps stay committed. Secret fields are erased from the
// request buffer on every exit path.
func (s *Service) SetDevice(req []byte) error {
	f, err := schema.Parse("device", schema.Device, req)
	if err != nil {
		return err
	}
	defer zeroBytes(f.Bytes(protocol.DeviceAttrPrivateKey))

	dev, err := s.resolve(f)
	if err != nil {
		return err
	}
	defer dev.Release()

	return dev.WithUpdateLock(func() error {
		gen := dev.BumpGeneration()
		s.log.Debug().Str("device", dev.Name()).Uint32("generation", gen).Msg("applying mutation")

		if f.Has(protocol.DeviceAttrFwmark) {
			dev.SetFwmark(f.U32(protocol.DeviceAttrFwmark))
		}

		if f.Has(protocol.DeviceAttrListenPort) {
			if err := dev.UpdateListenPort(f.U16(protocol.DeviceAttrListenPort)); err != nil {
				return fmt.Errorf("%w: %v", ErrNoMemory, err)
			}
		}

		if f.U32(protocol.DeviceAttrFlags)&protocol.DeviceFlagReplacePeers != 0 {
			dev.RemoveAllPeers()
		}

		if priv := f.Bytes(protocol.DeviceAttrPrivateKey); priv != nil {
			var key wgtypes.Key
			copy(key[:], priv)
			dev.SetPrivateKey(key)
		}

		entries, err := f.Nested(protocol.DeviceAttrPeers)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.setPeer(dev, e.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// setPeer applies one peer entry of a mutation request. Caller holds the
// device update lock.
func (s *Service) setPeer(dev *device.Device, raw []byte) error {
	f, err := schema.Parse("peer", schema.Peer, raw)
	if err != nil {
		return err
	}
	defer zeroBytes(f.Bytes(protocol.PeerAttrPresharedKey))

	pkb := f.Bytes(protocol.PeerAttrPublicKey)
	if pkb == nil {
		return &schema.ValidationError{Scope: "peer", ID: protocol.PeerAttrPublicKey, Reason: "missing required field"}
	}
	var public wgtypes.Key
	copy(public[:], pkb)
	flags := f.U32(protocol.PeerAttrFlags)

	peer := dev.LookupPeer(public)
	if peer == nil {
		if flags&protocol.PeerFlagRemoveMe != 0 {
			return ErrPeerNotFound
		}
		// A peer with the device's own public key is silently accepted as a
		// no-op so one set of calls can be reused across peers.
		if dev.Identity().Matches(public) {
			return nil
		}
		peer, err = dev.CreatePeer(public)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
	}
	defer peer.Release()

	if flags&protocol.PeerFlagRemoveMe != 0 {
		dev.RemovePeer(peer)
		return nil
	}

	if psk := f.Bytes(protocol.PeerAttrPresharedKey); psk != nil {
		var key wgtypes.Key
		copy(key[:], psk)
		peer.SetPresharedKey(key)
	}

	if epb := f.Bytes(protocol.PeerAttrEndpoint); epb != nil {
		// Family/length mismatches are skipped, not failed.
		if ap, ok := protocol.ParseEndpoint(epb); ok {
			peer.SetEndpoint(ap)
		}
	}

	if flags&protocol.PeerFlagReplaceAllowedIPs != 0 {
		dev.Allowed().RemoveByOwner(peer)
	}

	ranges, err := f.Nested(protocol.PeerAttrAllowedIPs)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if err := s.setAllowedIP(dev, peer, r.Data); err != nil {
			return err
		}
	}

	if f.Has(protocol.PeerAttrKeepaliveInterval) {
		interval := f.U16(protocol.PeerAttrKeepaliveInterval)
		sendNow := peer.KeepaliveInterval() == 0 && interval != 0 && dev.Running()
		peer.SetKeepaliveInterval(interval)
		if sendNow {
			peer.SendKeepalive()
		}
	}

	if dev.Running() {
		peer.FlushStaged()
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
