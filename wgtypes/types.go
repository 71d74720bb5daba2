// Package wgtypes defines the value types shared by the kernel and userspace
// WireGuard control backends: keys, devices, peers, and the desired-state
// configuration applied to a device.
//
// All types are plain owned values. Mutating a Device or Peer in memory never
// changes kernel state; changes only take effect when a Config is applied
// through a client.
package wgtypes

import (
	"net/netip"
	"time"
)

// Device is a point-in-time snapshot of a WireGuard network interface. It is
// a value, not a live handle: it has no relationship to kernel state after it
// is returned.
type Device struct {
	// Name is the interface name, e.g. "wg0".
	Name string

	// PrivateKey is the device's private key. A zero key means none is
	// configured.
	PrivateKey Key

	// PublicKey is derived from PrivateKey by the kernel. Zero when no
	// private key is configured.
	PublicKey Key

	// ListenPort is the UDP port the device listens on. Zero means the
	// kernel chose (or will choose) an ephemeral port.
	ListenPort uint16

	// Fwmark is the firewall mark applied to tunnel packets. Zero means
	// no mark is applied.
	Fwmark uint32

	// Peers is the device's peer table. Each peer appears exactly once,
	// keyed by its public key.
	Peers []Peer
}

// Peer reports the configuration and counters of a single peer on a device.
// A peer is identified solely by its public key; endpoint and allowed-IP
// changes never change its identity.
type Peer struct {
	// PublicKey uniquely identifies the peer on its device.
	PublicKey Key

	// PresharedKey is the optional symmetric key mixed into the handshake.
	// Zero means no pre-shared key is in use.
	PresharedKey Key

	// Endpoint is the peer's most recent source address. Invalid (zero)
	// when the peer has never been seen and none was configured.
	Endpoint netip.AddrPort

	// PersistentKeepalive is the keepalive interval in seconds.
	// Zero disables keepalives.
	PersistentKeepalive uint16

	// LastHandshake is the time of the most recent handshake with this
	// peer, or the zero time if none has completed.
	LastHandshake time.Time

	// RxBytes and TxBytes count traffic exchanged with this peer, as
	// reported by the kernel. Read-only.
	RxBytes uint64
	TxBytes uint64

	// ProtocolVersion is the WireGuard protocol version in use with this
	// peer, as reported by the kernel.
	ProtocolVersion uint32

	// AllowedIPs is the set of networks this peer may source traffic
	// from and that are routed to it. Insertion order is preserved.
	AllowedIPs []netip.Prefix
}

// PeerByPublicKey returns the peer with the given public key, or nil if the
// device has no such peer.
func (d *Device) PeerByPublicKey(key Key) *Peer {
	for i := range d.Peers {
		if d.Peers[i].PublicKey == key {
			return &d.Peers[i]
		}
	}
	return nil
}
