package client

import (
	"errors"

	"golang.org/x/sys/unix"

	"tunctl/internal/protocol"
	"tunctl/internal/protocol/attr"
)

// encodeSetRequest renders a SetRequest to the wire attribute layout the
// mutation engine expects.
func encodeSetRequest(req SetRequest) ([]byte, error) {
	b := attr.NewBuilder(0xffff)

	if req.Ifname != "" && req.Ifindex != 0 {
		return nil, errors.New("client: set exactly one of Ifname and Ifindex")
	}
	switch {
	case req.Ifname != "":
		if err := b.PutString(protocol.DeviceAttrIfname, req.Ifname); err != nil {
			return nil, err
		}
	case req.Ifindex != 0:
		if err := b.PutU32(protocol.DeviceAttrIfindex, req.Ifindex); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("client: set exactly one of Ifname and Ifindex")
	}

	if req.ReplacePeers {
		if err := b.PutU32(protocol.DeviceAttrFlags, protocol.DeviceFlagReplacePeers); err != nil {
			return nil, err
		}
	}
	if req.Fwmark != nil {
		if err := b.PutU32(protocol.DeviceAttrFwmark, *req.Fwmark); err != nil {
			return nil, err
		}
	}
	if req.ListenPort != nil {
		if err := b.PutU16(protocol.DeviceAttrListenPort, *req.ListenPort); err != nil {
			return nil, err
		}
	}
	if req.PrivateKey != nil {
		if err := b.PutBytes(protocol.DeviceAttrPrivateKey, req.PrivateKey[:]); err != nil {
			return nil, err
		}
	}

	if len(req.Peers) > 0 {
		peersMark, err := b.Nest(protocol.DeviceAttrPeers)
		if err != nil {
			return nil, err
		}
		for i, p := range req.Peers {
			if err := encodePeerRequest(b, uint16(i), p); err != nil {
				return nil, err
			}
		}
		b.EndNest(peersMark)
	}
	return b.Bytes(), nil
}

func encodePeerRequest(b *attr.Builder, idx uint16, p PeerRequest) error {
	m, err := b.Nest(idx)
	if err != nil {
		return err
	}
	if err := b.PutBytes(protocol.PeerAttrPublicKey, p.PublicKey[:]); err != nil {
		return err
	}

	var flags uint32
	if p.Remove {
		flags |= protocol.PeerFlagRemoveMe
	}
	if p.ReplaceAllowedIPs {
		flags |= protocol.PeerFlagReplaceAllowedIPs
	}
	if flags != 0 {
		if err := b.PutU32(protocol.PeerAttrFlags, flags); err != nil {
			return err
		}
	}
	if p.PresharedKey != nil {
		if err := b.PutBytes(protocol.PeerAttrPresharedKey, p.PresharedKey[:]); err != nil {
			return err
		}
	}
	if p.Endpoint != nil {
		if ep := protocol.EncodeEndpoint(*p.Endpoint); ep != nil {
			if err := b.PutBytes(protocol.PeerAttrEndpoint, ep); err != nil {
				return err
			}
		}
	}
	if p.Keepalive != nil {
		if err := b.PutU16(protocol.PeerAttrKeepaliveInterval, *p.Keepalive); err != nil {
			return err
		}
	}

	if len(p.AllowedIPs) > 0 {
		ipsMark, err := b.Nest(protocol.PeerAttrAllowedIPs)
		if err != nil {
			return err
		}
		for j, pfx := range p.AllowedIPs {
			em, err := b.Nest(uint16(j))
			if err != nil {
				return err
			}
			addr := pfx.Addr()
			if addr.Is4() {
				if err := b.PutU16(protocol.AllowedIPAttrFamily, unix.AF_INET); err != nil {
					return err
				}
				a4 := addr.As4()
				if err := b.PutBytes(protocol.AllowedIPAttrAddr, a4[:]); err != nil {
					return err
				}
			} else {
				if err := b.PutU16(protocol.AllowedIPAttrFamily, unix.AF_INET6); err != nil {
					return err
				}
				a16 := addr.As16()
				if err := b.PutBytes(protocol.AllowedIPAttrAddr, a16[:]); err != nil {
					return err
				}
			}
			if err := b.PutU8(protocol.AllowedIPAttrCIDRMask, uint8(pfx.Bits())); err != nil {
				return err
			}
			b.EndNest(em)
		}
		b.EndNest(ipsMark)
	}
	b.EndNest(m)
	return nil
}
