package ctrl

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunctl/internal/device"
	"tunctl/internal/protocol"
	"tunctl/internal/protocol/attr"
	"tunctl/internal/protocol/schema"
)

func newTestService(t *testing.T) (*Service, *device.Registry, *device.Device) {
	t.Helper()
	reg := device.NewRegistry()
	dev, err := reg.CreateDevice("wg0")
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	svc := NewService(reg, zerolog.Nop(), Config{})
	return svc, reg, dev
}

func mustKey(t *testing.T) (priv, pub wgtypes.Key) {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return priv, priv.PublicKey()
}

// reqBuilder assembles a mutation request targeting the named device.
type reqBuilder struct {
	t *testing.T
	b *attr.Builder
}

func newReq(t *testing.T, name string) *reqBuilder {
	t.Helper()
	r := &reqBuilder{t: t, b: attr.NewBuilder(0xffff)}
	if name != "" {
		r.put(r.b.PutString(protocol.DeviceAttrIfname, name))
	}
	return r
}

func (r *reqBuilder) put(err error) {
	if err != nil {
		r.t.Fatalf("building request: %v", err)
	}
}

func (r *reqBuilder) nest(id uint16) attr.Mark {
	m, err := r.b.Nest(id)
	r.put(err)
	return m
}

type peerOpts struct {
	psk       []byte
	flags     uint32
	endpoint  []byte
	keepalive uint16
	hasKA     bool
	ranges    [][3]any // family, addr, cidr
}

func (r *reqBuilder) peers(entries ...func(idx uint16)) *reqBuilder {
	m := r.nest(protocol.DeviceAttrPeers)
	for i, e := range entries {
		e(uint16(i))
	}
	r.b.EndNest(m)
	return r
}

func (r *reqBuilder) peer(pub wgtypes.Key, o peerOpts) func(idx uint16) {
	return func(idx uint16) {
		m := r.nest(idx)
		r.put(r.b.PutBytes(protocol.PeerAttrPublicKey, pub[:]))
		if o.flags != 0 {
			r.put(r.b.PutU32(protocol.PeerAttrFlags, o.flags))
		}
		if o.psk != nil {
			r.put(r.b.PutBytes(protocol.PeerAttrPresharedKey, o.psk))
		}
		if o.endpoint != nil {
			r.put(r.b.PutBytes(protocol.PeerAttrEndpoint, o.endpoint))
		}
		if o.hasKA {
			r.put(r.b.PutU16(protocol.PeerAttrKeepaliveInterval, o.keepalive))
		}
		if o.ranges != nil {
			im := r.nest(protocol.PeerAttrAllowedIPs)
			for j, rg := range o.ranges {
				em := r.nest(uint16(j))
				r.put(r.b.PutU16(protocol.AllowedIPAttrFamily, rg[0].(uint16)))
				r.put(r.b.PutBytes(protocol.AllowedIPAttrAddr, rg[1].([]byte)))
				r.put(r.b.PutU8(protocol.AllowedIPAttrCIDRMask, rg[2].(uint8)))
				r.b.EndNest(em)
			}
			r.b.EndNest(im)
		}
		r.b.EndNest(m)
	}
}

func (r *reqBuilder) bytes() []byte {
	return r.b.Bytes()
}

func v4range(a, b, c, d byte, cidr uint8) [3]any {
	return [3]any{uint16(unix.AF_INET), []byte{a, b, c, d}, cidr}
}

func TestSetDeviceSelector(t *testing.T) {
	svc, reg, dev := newTestService(t)

	t.Run("neither", func(t *testing.T) {
		b := attr.NewBuilder(64)
		if err := b.PutU32(protocol.DeviceAttrFwmark, 1); err != nil {
			t.Fatalf("building request: %v", err)
		}
		if err := svc.SetDevice(b.Bytes()); !errors.Is(err, ErrBadSelector) {
			t.Fatalf("expected ErrBadSelector, got %v", err)
		}
	})

	t.Run("both", func(t *testing.T) {
		b := attr.NewBuilder(64)
		if err := b.PutU32(protocol.DeviceAttrIfindex, dev.Index()); err != nil {
			t.Fatalf("building request: %v", err)
		}
		if err := b.PutString(protocol.DeviceAttrIfname, dev.Name()); err != nil {
			t.Fatalf("building request: %v", err)
		}
		if err := svc.SetDevice(b.Bytes()); !errors.Is(err, ErrBadSelector) {
			t.Fatalf("expected ErrBadSelector, got %v", err)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		err := svc.SetDevice(newReq(t, "nope0").bytes())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if Code(err) != uint32(unix.ENODEV) {
			t.Fatalf("expected ENODEV, got %d", Code(err))
		}
	})

	t.Run("foreign kind", func(t *testing.T) {
		if err := reg.Register(fakeIface{index: 900, name: "eth9"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		err := svc.SetDevice(newReq(t, "eth9").bytes())
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
		if Code(err) != uint32(unix.EOPNOTSUPP) {
			t.Fatalf("expected EOPNOTSUPP, got %d", Code(err))
		}
	})
}

type fakeIface struct {
	index uint32
	name  string
}

func (f fakeIface) Kind() string  { return "ethernet" }
func (f fakeIface) Index() uint32 { return f.index }
func (f fakeIface) Name() string  { return f.name }

func TestSetDeviceScalars(t *testing.T) {
	svc, _, dev := newTestService(t)
	priv, pub := mustKey(t)

	r := newReq(t, "wg0")
	r.put(r.b.PutU32(protocol.DeviceAttrFwmark, 51820))
	r.put(r.b.PutBytes(protocol.DeviceAttrPrivateKey, priv[:]))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	if got := dev.Fwmark(); got != 51820 {
		t.Fatalf("expected fwmark 51820, got %d", got)
	}
	gotPriv, gotPub, ok := dev.Identity().Keys()
	if !ok {
		t.Fatal("expected identity to be configured")
	}
	if gotPriv != priv || gotPub != pub {
		t.Fatal("identity keys do not match the request")
	}
	if dev.Generation() == 0 {
		t.Fatal("expected generation to be bumped")
	}
}

func TestSetDeviceCreatesPeers(t *testing.T) {
	svc, _, dev := newTestService(t)
	_, pubA := mustKey(t)
	_, pubB := mustKey(t)

	ep := protocol.EncodeEndpoint(netip.MustParseAddrPort("192.0.2.10:51820"))
	r := newReq(t, "wg0")
	r.peers(
		r.peer(pubA, peerOpts{
			endpoint:  ep,
			keepalive: 25, hasKA: true,
			ranges: [][3]any{v4range(10, 0, 0, 0, 24), v4range(10, 0, 1, 0, 24)},
		}),
		r.peer(pubB, peerOpts{
			ranges: [][3]any{v4range(10, 0, 2, 0, 24)},
		}),
	)
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	if got := dev.PeerCount(); got != 2 {
		t.Fatalf("expected 2 peers, got %d", got)
	}
	pa := dev.LookupPeer(pubA)
	if pa == nil {
		t.Fatal("peer A not found")
	}
	defer pa.Release()
	if got := pa.KeepaliveInterval(); got != 25 {
		t.Fatalf("expected keepalive 25, got %d", got)
	}
	if got := pa.Endpoint().String(); got != "192.0.2.10:51820" {
		t.Fatalf("expected endpoint 192.0.2.10:51820, got %s", got)
	}
	if got := dev.Allowed().CountByOwner(pa); got != 2 {
		t.Fatalf("expected 2 ranges for peer A, got %d", got)
	}
}

func TestSetDeviceReplacePeers(t *testing.T) {
	svc, _, dev := newTestService(t)
	var keep wgtypes.Key
	for i := 0; i < 3; i++ {
		_, pub := mustKey(t)
		p, err := dev.CreatePeer(pub)
		if err != nil {
			t.Fatalf("CreatePeer: %v", err)
		}
		p.Release()
	}
	_, keep = mustKey(t)

	r := newReq(t, "wg0")
	r.put(r.b.PutU32(protocol.DeviceAttrFlags, protocol.DeviceFlagReplacePeers))
	r.peers(r.peer(keep, peerOpts{}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	if got := dev.PeerCount(); got != 1 {
		t.Fatalf("expected exactly 1 peer after replace, got %d", got)
	}
	p := dev.LookupPeer(keep)
	if p == nil {
		t.Fatal("replacement peer not found")
	}
	p.Release()
}

func TestSetDeviceRemovePeer(t *testing.T) {
	svc, _, dev := newTestService(t)
	_, pub := mustKey(t)
	p, err := dev.CreatePeer(pub)
	if err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}
	p.Release()

	r := newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{flags: protocol.PeerFlagRemoveMe}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if got := dev.PeerCount(); got != 0 {
		t.Fatalf("expected 0 peers, got %d", got)
	}

	r = newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{flags: protocol.PeerFlagRemoveMe}))
	err = svc.SetDevice(r.bytes())
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
	if Code(err) != uint32(unix.ENODEV) {
		t.Fatalf("expected ENODEV, got %d", Code(err))
	}
}

func TestSetDeviceSelfPublicKeyNoop(t *testing.T) {
	svc, _, dev := newTestService(t)
	priv, pub := mustKey(t)
	dev.SetPrivateKey(priv)

	r := newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{ranges: [][3]any{v4range(10, 9, 0, 0, 16)}}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if got := dev.PeerCount(); got != 0 {
		t.Fatalf("expected no peer for the device's own key, got %d", got)
	}
}

func TestSetDeviceKeyRotationDropsSelfPeer(t *testing.T) {
	svc, _, dev := newTestService(t)
	privA, _ := mustKey(t)
	privB, pubB := mustKey(t)
	dev.SetPrivateKey(privA)

	// pubB is a legitimate peer until the device rotates to privB.
	p, err := dev.CreatePeer(pubB)
	if err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}
	p.Release()

	r := newReq(t, "wg0")
	r.put(r.b.PutBytes(protocol.DeviceAttrPrivateKey, privB[:]))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if got := dev.PeerCount(); got != 0 {
		t.Fatalf("expected the self peer to be removed on rotation, got %d", got)
	}
}

func TestSetAllowedIPValidation(t *testing.T) {
	cases := []struct {
		name   string
		family uint16
		addr   []byte
		cidr   uint8
		ok     bool
	}{
		{"v4 full mask", unix.AF_INET, []byte{10, 0, 0, 1}, 32, true},
		{"v4 mask too long", unix.AF_INET, []byte{10, 0, 0, 1}, 33, false},
		{"v6 full mask", unix.AF_INET6, bytes.Repeat([]byte{0x20}, 16), 128, true},
		{"v6 mask too long", unix.AF_INET6, bytes.Repeat([]byte{0x20}, 16), 129, false},
		{"v4 family v6 addr", unix.AF_INET, bytes.Repeat([]byte{0x20}, 16), 24, false},
		{"unknown family", 42, []byte{10, 0, 0, 1}, 24, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			_, pub := mustKey(t)
			r := newReq(t, "wg0")
			r.peers(r.peer(pub, peerOpts{
				ranges: [][3]any{{tc.family, tc.addr, tc.cidr}},
			}))
			err := svc.SetDevice(r.bytes())
			if tc.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			var verr *schema.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if Code(err) != uint32(unix.EINVAL) {
				t.Fatalf("expected EINVAL, got %d", Code(err))
			}
		})
	}
}

func TestSetDevicePartialApplication(t *testing.T) {
	svc, _, dev := newTestService(t)
	_, pubGood := mustKey(t)
	_, pubBad := mustKey(t)

	r := newReq(t, "wg0")
	r.peers(
		r.peer(pubGood, peerOpts{ranges: [][3]any{v4range(10, 1, 0, 0, 16)}}),
		r.peer(pubBad, peerOpts{ranges: [][3]any{v4range(10, 2, 0, 0, 33)}}),
	)
	err := svc.SetDevice(r.bytes())
	if err == nil {
		t.Fatal("expected the second peer entry to fail")
	}

	// Steps before the failure stay committed.
	p := dev.LookupPeer(pubGood)
	if p == nil {
		t.Fatal("expected the first peer to have been created")
	}
	defer p.Release()
	if got := dev.Allowed().CountByOwner(p); got != 1 {
		t.Fatalf("expected the first peer's range to survive, got %d", got)
	}
}

func TestSetDeviceReplaceAllowedIPs(t *testing.T) {
	svc, _, dev := newTestService(t)
	_, pub := mustKey(t)

	r := newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{
		ranges: [][3]any{v4range(10, 0, 0, 0, 24), v4range(10, 0, 1, 0, 24)},
	}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	r = newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{
		flags:  protocol.PeerFlagReplaceAllowedIPs,
		ranges: [][3]any{v4range(172, 16, 0, 0, 12)},
	}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	p := dev.LookupPeer(pub)
	if p == nil {
		t.Fatal("peer not found")
	}
	defer p.Release()
	if got := dev.Allowed().CountByOwner(p); got != 1 {
		t.Fatalf("expected 1 range after replace, got %d", got)
	}
}

func TestSetDeviceSecretErasure(t *testing.T) {
	svc, _, _ := newTestService(t)
	priv, _ := mustKey(t)
	psk := bytes.Repeat([]byte{0xA5}, protocol.KeyLen)
	_, pub := mustKey(t)

	r := newReq(t, "wg0")
	r.put(r.b.PutBytes(protocol.DeviceAttrPrivateKey, priv[:]))
	r.peers(r.peer(pub, peerOpts{psk: psk}))
	req := r.bytes()

	if err := svc.SetDevice(req); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if bytes.Contains(req, priv[:]) {
		t.Fatal("private key still present in the request buffer")
	}
	if bytes.Contains(req, psk) {
		t.Fatal("preshared key still present in the request buffer")
	}
}

func TestSetDeviceSecretErasureOnFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	psk := bytes.Repeat([]byte{0x5A}, protocol.KeyLen)
	_, pub := mustKey(t)

	r := newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{
		psk:    psk,
		ranges: [][3]any{v4range(10, 0, 0, 0, 33)},
	}))
	req := r.bytes()

	if err := svc.SetDevice(req); err == nil {
		t.Fatal("expected the malformed range to fail the request")
	}
	if bytes.Contains(req, psk) {
		t.Fatal("preshared key still present in the request buffer after failure")
	}
}

func TestSetDeviceEndpointMismatchSkipped(t *testing.T) {
	svc, _, dev := newTestService(t)
	_, pub := mustKey(t)

	// Family says v4 but the value carries a v6 sized address.
	bad := make([]byte, protocol.EndpointLenV6)
	bad[1] = byte(unix.AF_INET)

	r := newReq(t, "wg0")
	r.peers(r.peer(pub, peerOpts{endpoint: bad, hasKA: true, keepalive: 10}))
	if err := svc.SetDevice(r.bytes()); err != nil {
		t.Fatalf("expected mismatched endpoint to be skipped, got %v", err)
	}

	p := dev.LookupPeer(pub)
	if p == nil {
		t.Fatal("peer not found")
	}
	defer p.Release()
	if p.Endpoint().IsValid() {
		t.Fatal("expected no endpoint to be recorded")
	}
	if got := p.KeepaliveInterval(); got != 10 {
		t.Fatalf("expected following fields to still apply, got keepalive %d", got)
	}
}

func TestConcurrentSetsSameDeviceSerialized(t *testing.T) {
	svc, _, dev := newTestService(t)

	const writers = 8
	const peersPerReq = 3
	reqs := make([][]byte, writers)
	keySets := make([]map[wgtypes.Key]bool, writers)
	for i := range reqs {
		r := newReq(t, "wg0")
		r.put(r.b.PutU32(protocol.DeviceAttrFlags, protocol.DeviceFlagReplacePeers))
		keySets[i] = make(map[wgtypes.Key]bool, peersPerReq)
		entries := make([]func(idx uint16), 0, peersPerReq)
		for j := 0; j < peersPerReq; j++ {
			_, pub := mustKey(t)
			keySets[i][pub] = true
			entries = append(entries, r.peer(pub, peerOpts{}))
		}
		r.peers(entries...)
		reqs[i] = r.bytes()
	}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.SetDevice(reqs[i])
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	// Replace-peers requests are wholesale: a serialized history always
	// leaves the device holding exactly one writer's full batch.
	got := make(map[wgtypes.Key]bool)
	dev.WithUpdateLock(func() error {
		dev.ForEachPeer(func(p *device.Peer) {
			got[p.PublicKey()] = true
		})
		return nil
	})
	if len(got) != peersPerReq {
		t.Fatalf("expected %d peers after concurrent replaces, got %d", peersPerReq, len(got))
	}
	matched := false
	for _, set := range keySets {
		same := len(set) == len(got)
		for k := range set {
			if !got[k] {
				same = false
			}
		}
		if same {
			matched = true
		}
	}
	if !matched {
		t.Fatal("final peer set interleaves more than one request")
	}
}
