// Package client speaks the control protocol over a unix socket: one frame
// per request, one or more frames per reply. It reassembles paginated dumps
// into a single device view.
package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/protocol"
	"tunctl/internal/protocol/attr"
	"tunctl/internal/protocol/frame"
	"tunctl/internal/protocol/schema"
)

// ErrDumpInconsistent means the device mutated while its dump was streaming.
// The caller retries the whole read.
var ErrDumpInconsistent = errors.New("client: device changed mid-dump, retry")

// ServerError carries the status code of a rejected request.
type ServerError struct {
	Code uint32
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server rejected request: %s", unix.Errno(e.Code).Error())
}

// Device is the reassembled state of one tunnel device.
type Device struct {
	Ifindex    uint32
	Ifname     string
	PrivateKey *wgtypes.Key
	PublicKey  *wgtypes.Key
	ListenPort uint16
	Fwmark     uint32
	Generation uint32
	Peers      []Peer
}

// Peer is one peer record of a reassembled dump.
type Peer struct {
	PublicKey         wgtypes.Key
	PresharedKey      *wgtypes.Key
	Endpoint          netip.AddrPort
	KeepaliveInterval uint16
	LastHandshake     time.Time
	RxBytes           uint64
	TxBytes           uint64
	AllowedIPs        []netip.Prefix
}

// SetRequest is the mutation surface. Nil pointer fields are left untouched
// on the device.
type SetRequest struct {
	Ifname       string
	Ifindex      uint32
	PrivateKey   *wgtypes.Key
	ListenPort   *uint16
	Fwmark       *uint32
	ReplacePeers bool
	Peers        []PeerRequest
}

// PeerRequest is one peer entry of a SetRequest.
type PeerRequest struct {
	PublicKey         wgtypes.Key
	Remove            bool
	ReplaceAllowedIPs bool
	PresharedKey      *wgtypes.Key
	Endpoint          *netip.AddrPort
	Keepalive         *uint16
	AllowedIPs        []netip.Prefix
}

// Client is a control socket connection. Not safe for concurrent use.
type Client struct {
	conn   net.Conn
	limits frame.Limits
	seq    atomic.Uint32
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection. Tests use this with a socketpair.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, limits: frame.DefaultLimits()}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SetDevice sends one mutation request and waits for the status reply.
func (c *Client) SetDevice(req SetRequest) error {
	payload, err := encodeSetRequest(req)
	if err != nil {
		return err
	}
	seq := c.seq.Add(1)
	out := frame.Frame{
		Header: frame.Header{
			Cmd:     protocol.CmdSetDevice,
			Version: protocol.Version,
			Seq:     seq,
		},
		Payload: payload,
	}
	if err := frame.WriteFrame(c.conn, out, c.limits); err != nil {
		return err
	}
	// The request copy holds key material too.
	for i := range payload {
		payload[i] = 0
	}

	in, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		return err
	}
	if in.Header.Flags&frame.FlagError != 0 {
		return &ServerError{Code: in.Header.Code}
	}
	return nil
}

// GetDevice reads the full state of the named device, reassembling however
// many frames the server splits it into.
func (c *Client) GetDevice(name string) (*Device, error) {
	return c.getDevice(func(b *attr.Builder) error {
		return b.PutString(protocol.DeviceAttrIfname, name)
	})
}

// GetDeviceByIndex is GetDevice with the other selector.
func (c *Client) GetDeviceByIndex(index uint32) (*Device, error) {
	return c.getDevice(func(b *attr.Builder) error {
		return b.PutU32(protocol.DeviceAttrIfindex, index)
	})
}

func (c *Client) getDevice(selector func(*attr.Builder) error) (*Device, error) {
	b := attr.NewBuilder(256)
	if err := selector(b); err != nil {
		return nil, err
	}
	seq := c.seq.Add(1)
	out := frame.Frame{
		Header: frame.Header{
			Cmd:     protocol.CmdGetDevice,
			Version: protocol.Version,
			Seq:     seq,
		},
		Payload: b.Bytes(),
	}
	if err := frame.WriteFrame(c.conn, out, c.limits); err != nil {
		return nil, err
	}

	dev := &Device{}
	byKey := make(map[wgtypes.Key]int)
	first := true
	for {
		in, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			return nil, err
		}
		if in.Header.Flags&frame.FlagError != 0 {
			return nil, &ServerError{Code: in.Header.Code}
		}
		if first {
			dev.Generation = in.Header.Seq
			first = false
		} else if in.Header.Seq != dev.Generation {
			return nil, ErrDumpInconsistent
		}
		if in.Header.Flags&frame.FlagDone != 0 {
			return dev, nil
		}
		if err := mergeDumpMessage(dev, byKey, in.Payload); err != nil {
			return nil, err
		}
	}
}

func mergeDumpMessage(dev *Device, byKey map[wgtypes.Key]int, payload []byte) error {
	f, err := schema.Parse("device", schema.Device, payload)
	if err != nil {
		return err
	}
	if f.Has(protocol.DeviceAttrIfindex) {
		dev.Ifindex = f.U32(protocol.DeviceAttrIfindex)
	}
	if f.Has(protocol.DeviceAttrIfname) {
		dev.Ifname = f.String(protocol.DeviceAttrIfname)
	}
	if f.Has(protocol.DeviceAttrListenPort) {
		dev.ListenPort = f.U16(protocol.DeviceAttrListenPort)
	}
	if f.Has(protocol.DeviceAttrFwmark) {
		dev.Fwmark = f.U32(protocol.DeviceAttrFwmark)
	}
	if kb := f.Bytes(protocol.DeviceAttrPrivateKey); kb != nil {
		dev.PrivateKey = keyOf(kb)
	}
	if kb := f.Bytes(protocol.DeviceAttrPublicKey); kb != nil {
		dev.PublicKey = keyOf(kb)
	}

	entries, err := f.Nested(protocol.DeviceAttrPeers)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := mergePeerEntry(dev, byKey, e.Data); err != nil {
			return err
		}
	}
	return nil
}

func mergePeerEntry(dev *Device, byKey map[wgtypes.Key]int, raw []byte) error {
	pf, err := schema.Parse("peer", schema.Peer, raw)
	if err != nil {
		return err
	}
	pkb := pf.Bytes(protocol.PeerAttrPublicKey)
	if pkb == nil {
		return errors.New("client: peer record without public key")
	}
	var pub wgtypes.Key
	copy(pub[:], pkb)

	// A peer split across frames repeats its key; fold into the same record.
	idx, ok := byKey[pub]
	if !ok {
		idx = len(dev.Peers)
		byKey[pub] = idx
		dev.Peers = append(dev.Peers, Peer{PublicKey: pub})
	}
	p := &dev.Peers[idx]

	if kb := pf.Bytes(protocol.PeerAttrPresharedKey); kb != nil {
		p.PresharedKey = keyOf(kb)
	}
	if epb := pf.Bytes(protocol.PeerAttrEndpoint); epb != nil {
		if ap, ok := protocol.ParseEndpoint(epb); ok {
			p.Endpoint = ap
		}
	}
	if pf.Has(protocol.PeerAttrKeepaliveInterval) {
		p.KeepaliveInterval = pf.U16(protocol.PeerAttrKeepaliveInterval)
	}
	if tb := pf.Bytes(protocol.PeerAttrLastHandshake); tb != nil {
		if sec, nsec, ok := protocol.ParseTimestamp(tb); ok && sec != 0 {
			p.LastHandshake = time.Unix(sec, int64(nsec))
		}
	}
	if pf.Has(protocol.PeerAttrRxBytes) {
		p.RxBytes = pf.U64(protocol.PeerAttrRxBytes)
	}
	if pf.Has(protocol.PeerAttrTxBytes) {
		p.TxBytes = pf.U64(protocol.PeerAttrTxBytes)
	}

	ranges, err := pf.Nested(protocol.PeerAttrAllowedIPs)
	if err != nil {
		return err
	}
	for _, rg := range ranges {
		rf, err := schema.Parse("allowedip", schema.AllowedIP, rg.Data)
		if err != nil {
			return err
		}
		pfx, err := decodePrefix(rf)
		if err != nil {
			return err
		}
		p.AllowedIPs = append(p.AllowedIPs, pfx)
	}
	return nil
}

func decodePrefix(f schema.Fields) (netip.Prefix, error) {
	addr := f.Bytes(protocol.AllowedIPAttrAddr)
	cidr := int(f.U8(protocol.AllowedIPAttrCIDRMask))
	switch f.U16(protocol.AllowedIPAttrFamily) {
	case unix.AF_INET:
		if len(addr) != 4 {
			return netip.Prefix{}, errors.New("client: bad v4 address length")
		}
		var a4 [4]byte
		copy(a4[:], addr)
		return netip.PrefixFrom(netip.AddrFrom4(a4), cidr), nil
	case unix.AF_INET6:
		if len(addr) != 16 {
			return netip.Prefix{}, errors.New("client: bad v6 address length")
		}
		var a16 [16]byte
		copy(a16[:], addr)
		return netip.PrefixFrom(netip.AddrFrom16(a16), cidr), nil
	}
	return netip.Prefix{}, errors.New("client: unknown address family")
}

func keyOf(b []byte) *wgtypes.Key {
	k := new(wgtypes.Key)
	copy(k[:], b)
	return k
}
