package protocol

// Commands accepted on the control socket.
const (
	CmdGetDevice uint8 = 0
	CmdSetDevice uint8 = 1
)

// Version is the control protocol version spoken by this tree.
const Version uint8 = 1

// KeyLen is the length of every key on the wire: private, public and
// preshared alike.
const KeyLen = 32

// IfnameMaxLen bounds the device name attribute, NUL terminator excluded.
const IfnameMaxLen = 15

// Device-level attribute IDs.
const (
	DeviceAttrIfindex    uint16 = 1
	DeviceAttrIfname     uint16 = 2
	DeviceAttrPrivateKey uint16 = 3
	DeviceAttrPublicKey  uint16 = 4
	DeviceAttrFlags      uint16 = 5
	DeviceAttrListenPort uint16 = 6
	DeviceAttrFwmark     uint16 = 7
	DeviceAttrPeers      uint16 = 8
)

// Peer-level attribute IDs, nested under DeviceAttrPeers.
const (
	PeerAttrPublicKey         uint16 = 1
	PeerAttrPresharedKey      uint16 = 2
	PeerAttrFlags             uint16 = 3
	PeerAttrEndpoint          uint16 = 4
	PeerAttrKeepaliveInterval uint16 = 5
	PeerAttrLastHandshake     uint16 = 6
	PeerAttrRxBytes           uint16 = 7
	PeerAttrTxBytes           uint16 = 8
	PeerAttrAllowedIPs        uint16 = 9
)

// Allowed-IP attribute IDs, nested under PeerAttrAllowedIPs entries.
const (
	AllowedIPAttrFamily   uint16 = 1
	AllowedIPAttrAddr     uint16 = 2
	AllowedIPAttrCIDRMask uint16 = 3
)

// Device flags for DeviceAttrFlags.
const (
	DeviceFlagReplacePeers uint32 = 1 << 0
)

// Peer flags for PeerAttrFlags. PeerFlagUpdateOnly is reserved on the wire
// and ignored by version 1 servers.
const (
	PeerFlagRemoveMe          uint32 = 1 << 0
	PeerFlagReplaceAllowedIPs uint32 = 1 << 1
	PeerFlagUpdateOnly        uint32 = 1 << 2
)
