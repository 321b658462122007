package ctrl

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"tunctl/internal/device"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/schema"
)

// setAllowedIP validates one allowed-range entry and inserts it under the
// peer's ownership. Malformed entries abort the whole request.
func (s *Service) setAllowedIP(dev *device.Device, peer *device.Peer, raw []byte) error {
	f, err := schema.Parse("allowedip", schema.AllowedIP, raw)
	if err != nil {
		return err
	}
	if !f.Has(protocol.AllowedIPAttrFamily) || !f.Has(protocol.AllowedIPAttrAddr) || !f.Has(protocol.AllowedIPAttrCIDRMask) {
		return &schema.ValidationError{Scope: "allowedip", Reason: "missing required field"}
	}

	family := f.U16(protocol.AllowedIPAttrFamily)
	cidr := f.U8(protocol.AllowedIPAttrCIDRMask)
	addr := f.Bytes(protocol.AllowedIPAttrAddr)

	var prefix netip.Prefix
	switch {
	case family == unix.AF_INET && cidr <= 32 && len(addr) == 4:
		var a4 [4]byte
		copy(a4[:], addr)
		prefix = netip.PrefixFrom(netip.AddrFrom4(a4), int(cidr))
	case family == unix.AF_INET6 && cidr <= 128 && len(addr) == 16:
		var a16 [16]byte
		copy(a16[:], addr)
		prefix = netip.PrefixFrom(netip.AddrFrom16(a16), int(cidr))
	default:
		return &schema.ValidationError{Scope: "allowedip", ID: protocol.AllowedIPAttrAddr, Reason: "family, prefix length and address length disagree"}
	}

	if err := dev.Allowed().Insert(prefix, peer); err != nil {
		return &schema.ValidationError{Scope: "allowedip", ID: protocol.AllowedIPAttrAddr, Reason: err.Error()}
	}
	return nil
}
