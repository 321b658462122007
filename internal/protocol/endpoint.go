package protocol

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Endpoint wire lengths: family u16 + port u16 + address bytes.
const (
	EndpointLenV4 = 2 + 2 + 4
	EndpointLenV6 = 2 + 2 + 16
)

// EncodeEndpoint renders an endpoint attribute value. The zero AddrPort
// encodes to nil, meaning "no endpoint attribute".
func EncodeEndpoint(ap netip.AddrPort) []byte {
	addr := ap.Addr()
	if !addr.IsValid() {
		return nil
	}
	if addr.Is4() {
		buf := make([]byte, EndpointLenV4)
		binary.BigEndian.PutUint16(buf[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(buf[2:4], ap.Port())
		a4 := addr.As4()
		copy(buf[4:], a4[:])
		return buf
	}
	buf := make([]byte, EndpointLenV6)
	binary.BigEndian.PutUint16(buf[0:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(buf[2:4], ap.Port())
	a16 := addr.As16()
	copy(buf[4:], a16[:])
	return buf
}

// ParseEndpoint decodes an endpoint attribute value. The declared family and
// the value length must agree exactly; anything else is rejected with ok=false
// so callers can skip the field the same way the mutation path does.
func ParseEndpoint(b []byte) (netip.AddrPort, bool) {
	if len(b) < 4 {
		return netip.AddrPort{}, false
	}
	family := binary.BigEndian.Uint16(b[0:2])
	port := binary.BigEndian.Uint16(b[2:4])
	switch {
	case family == unix.AF_INET && len(b) == EndpointLenV4:
		var a4 [4]byte
		copy(a4[:], b[4:])
		return netip.AddrPortFrom(netip.AddrFrom4(a4), port), true
	case family == unix.AF_INET6 && len(b) == EndpointLenV6:
		var a16 [16]byte
		copy(a16[:], b[4:])
		return netip.AddrPortFrom(netip.AddrFrom16(a16), port), true
	default:
		return netip.AddrPort{}, false
	}
}

// EncodeTimestamp renders a last-handshake attribute value as seconds u64
// plus nanoseconds u32.
func EncodeTimestamp(sec int64, nsec int32) []byte {
	buf := make([]byte, TimestampLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(sec))
	binary.BigEndian.PutUint32(buf[8:12], uint32(nsec))
	return buf
}

// ParseTimestamp decodes a last-handshake attribute value.
func ParseTimestamp(b []byte) (sec int64, nsec int32, ok bool) {
	if len(b) != TimestampLen {
		return 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(b[0:8])), int32(binary.BigEndian.Uint32(b[8:12])), true
}

// TimestampLen is the wire length of PeerAttrLastHandshake.
const TimestampLen = 12
