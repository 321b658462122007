// Package schema declares the per-field decode policy for each attribute
// scope and turns raw attribute streams into validated, typed field sets.
// Unknown fields are ignored by design.
package schema

import (
	"encoding/binary"
	"fmt"

	"tunctl/internal/protocol"
	"tunctl/internal/protocol/attr"
)

// Kind is the declared value type of a policy entry.
type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindU64
	KindBytes
	KindString
	KindNested
)

// Policy constrains one attribute id: its kind plus an exact length
// (ExactLen > 0) or a maximum length (MaxLen > 0).
type Policy struct {
	Kind     Kind
	ExactLen int
	MaxLen   int
}

type ValidationError struct {
	Scope  string
	ID     uint16
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("schema: scope=%s: %s", e.Scope, e.Reason)
	}
	return fmt.Sprintf("schema: scope=%s attr=%d: %s", e.Scope, e.ID, e.Reason)
}

// Device is the policy for top-level request and response attributes.
var Device = map[uint16]Policy{
	protocol.DeviceAttrIfindex:    {Kind: KindU32},
	protocol.DeviceAttrIfname:     {Kind: KindString, MaxLen: protocol.IfnameMaxLen},
	protocol.DeviceAttrPrivateKey: {Kind: KindBytes, ExactLen: protocol.KeyLen},
	protocol.DeviceAttrPublicKey:  {Kind: KindBytes, ExactLen: protocol.KeyLen},
	protocol.DeviceAttrFlags:      {Kind: KindU32},
	protocol.DeviceAttrListenPort: {Kind: KindU16},
	protocol.DeviceAttrFwmark:     {Kind: KindU32},
	protocol.DeviceAttrPeers:      {Kind: KindNested},
}

// Peer is the policy for one entry nested under DeviceAttrPeers.
var Peer = map[uint16]Policy{
	protocol.PeerAttrPublicKey:         {Kind: KindBytes, ExactLen: protocol.KeyLen},
	protocol.PeerAttrPresharedKey:      {Kind: KindBytes, ExactLen: protocol.KeyLen},
	protocol.PeerAttrFlags:             {Kind: KindU32},
	protocol.PeerAttrEndpoint:          {Kind: KindBytes, MaxLen: protocol.EndpointLenV6},
	protocol.PeerAttrKeepaliveInterval: {Kind: KindU16},
	protocol.PeerAttrLastHandshake:     {Kind: KindBytes, ExactLen: protocol.TimestampLen},
	protocol.PeerAttrRxBytes:           {Kind: KindU64},
	protocol.PeerAttrTxBytes:           {Kind: KindU64},
	protocol.PeerAttrAllowedIPs:        {Kind: KindNested},
}

// AllowedIP is the policy for one entry nested under PeerAttrAllowedIPs.
var AllowedIP = map[uint16]Policy{
	protocol.AllowedIPAttrFamily:   {Kind: KindU16},
	protocol.AllowedIPAttrAddr:     {Kind: KindBytes, MaxLen: 16},
	protocol.AllowedIPAttrCIDRMask: {Kind: KindU8},
}

// Fields is a validated attribute set for one scope.
type Fields struct {
	scope string
	m     map[uint16]attr.Attr
}

// Parse validates a raw attribute stream against policy and returns the
// typed field set. Attribute ids outside the policy table are dropped.
func Parse(scope string, policy map[uint16]Policy, data []byte) (Fields, error) {
	attrs, err := attr.Parse(data)
	if err != nil {
		return Fields{}, &ValidationError{Scope: scope, Reason: err.Error()}
	}
	f := Fields{scope: scope, m: make(map[uint16]attr.Attr, len(attrs))}
	for _, a := range attrs {
		p, ok := policy[a.ID]
		if !ok {
			continue
		}
		if err := check(scope, a, p); err != nil {
			return Fields{}, err
		}
		f.m[a.ID] = a
	}
	return f, nil
}

func check(scope string, a attr.Attr, p Policy) error {
	fail := func(reason string) error {
		return &ValidationError{Scope: scope, ID: a.ID, Reason: reason}
	}
	if p.Kind == KindNested {
		if !a.Nested {
			return fail("expected nested attribute")
		}
		return nil
	}
	if a.Nested {
		return fail("unexpected nested attribute")
	}
	switch p.Kind {
	case KindU8:
		if len(a.Data) != 1 {
			return fail("expected 1 byte")
		}
	case KindU16:
		if len(a.Data) != 2 {
			return fail("expected 2 bytes")
		}
	case KindU32:
		if len(a.Data) != 4 {
			return fail("expected 4 bytes")
		}
	case KindU64:
		if len(a.Data) != 8 {
			return fail("expected 8 bytes")
		}
	case KindBytes:
		if p.ExactLen > 0 && len(a.Data) != p.ExactLen {
			return fail(fmt.Sprintf("expected exactly %d bytes, got %d", p.ExactLen, len(a.Data)))
		}
		if p.MaxLen > 0 && len(a.Data) > p.MaxLen {
			return fail(fmt.Sprintf("expected at most %d bytes, got %d", p.MaxLen, len(a.Data)))
		}
	case KindString:
		if len(a.Data) == 0 || a.Data[len(a.Data)-1] != 0 {
			return fail("string not NUL terminated")
		}
		if p.MaxLen > 0 && len(a.Data)-1 > p.MaxLen {
			return fail(fmt.Sprintf("string longer than %d", p.MaxLen))
		}
	default:
		return fail("unknown policy kind")
	}
	return nil
}

// Has reports whether the field was present in the request.
func (f Fields) Has(id uint16) bool {
	_, ok := f.m[id]
	return ok
}

// U8 returns a KindU8 field. The zero value stands in for an absent field;
// callers gate on Has.
func (f Fields) U8(id uint16) uint8 {
	a, ok := f.m[id]
	if !ok {
		return 0
	}
	return a.Data[0]
}

func (f Fields) U16(id uint16) uint16 {
	a, ok := f.m[id]
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint16(a.Data)
}

func (f Fields) U32(id uint16) uint32 {
	a, ok := f.m[id]
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint32(a.Data)
}

func (f Fields) U64(id uint16) uint64 {
	a, ok := f.m[id]
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(a.Data)
}

// Bytes returns the raw value. The slice aliases the decoded buffer, which is
// what lets callers zero secrets in place.
func (f Fields) Bytes(id uint16) []byte {
	a, ok := f.m[id]
	if !ok {
		return nil
	}
	return a.Data
}

// String returns a KindString field with the NUL terminator stripped.
func (f Fields) String(id uint16) string {
	a, ok := f.m[id]
	if !ok {
		return ""
	}
	return string(a.Data[:len(a.Data)-1])
}

// Nested returns the entries of a KindNested field, one attr.Attr per child
// container, in wire order.
func (f Fields) Nested(id uint16) ([]attr.Attr, error) {
	a, ok := f.m[id]
	if !ok {
		return nil, nil
	}
	children, err := attr.Parse(a.Data)
	if err != nil {
		return nil, &ValidationError{Scope: f.scope, ID: id, Reason: err.Error()}
	}
	return children, nil
}
