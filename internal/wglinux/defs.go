//go:build linux

package wglinux

// Constants from the WireGuard generic-netlink UAPI
// (linux/include/uapi/linux/wireguard.h).

const (
	genlName    = "wireguard"
	genlVersion = 1

	cmdGetDevice = 0
	cmdSetDevice = 1
)

// Device-level attribute types.
const (
	deviceAttrUnspec = iota
	deviceAttrIfindex
	deviceAttrIfname
	deviceAttrPrivateKey
	deviceAttrPublicKey
	deviceAttrFlags
	deviceAttrListenPort
	deviceAttrFwmark
	deviceAttrPeers
)

// Peer-level attribute types.
const (
	peerAttrUnspec = iota
	peerAttrPublicKey
	peerAttrPresharedKey
	peerAttrFlags
	peerAttrEndpoint
	peerAttrPersistentKeepalive
	peerAttrLastHandshake
	peerAttrRxBytes
	peerAttrTxBytes
	peerAttrAllowedIPs
	peerAttrProtocolVersion
)

// Allowed-IP attribute types.
const (
	allowedIPAttrUnspec = iota
	allowedIPAttrFamily
	allowedIPAttrIPAddr
	allowedIPAttrCIDRMask
)

// Device flags.
const (
	flagReplacePeers = 1 << 0
)

// Peer flags.
const (
	flagPeerRemoveMe          = 1 << 0
	flagPeerReplaceAllowedIPs = 1 << 1
	flagPeerUpdateOnly        = 1 << 2
)

// ifNameSize is the kernel interface name limit (IFNAMSIZ), including the
// trailing NUL.
const ifNameSize = 16
