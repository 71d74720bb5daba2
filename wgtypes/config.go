package wgtypes

import "net/netip"

// Config describes a set of changes to apply to a WireGuard device. Nil
// pointer fields are left untouched on the device; non-nil fields are
// written even when set to their zero value (e.g. a zero listen port asks
// the kernel to pick an ephemeral one).
type Config struct {
	// PrivateKey replaces the device's private key when non-nil. A
	// pointer to a zero key clears the private key.
	PrivateKey *Key

	// ListenPort replaces the device's listen port when non-nil.
	ListenPort *uint16

	// Fwmark replaces the device's firewall mark when non-nil. A pointer
	// to zero clears the mark.
	Fwmark *uint32

	// ReplacePeers atomically discards every peer not listed in Peers
	// before the peer operations are applied.
	ReplacePeers bool

	// Peers is the ordered list of peer operations to apply.
	Peers []PeerConfig
}

// PeerConfig describes a change to a single peer, addressed by its public
// key. As with Config, nil pointer fields are left untouched.
type PeerConfig struct {
	// PublicKey identifies the peer. Always required.
	PublicKey Key

	// Remove deletes the peer from the device. All other fields except
	// PublicKey are ignored when set.
	Remove bool

	// UpdateOnly makes the operation fail if the peer does not already
	// exist, instead of creating it.
	UpdateOnly bool

	// PresharedKey replaces the peer's pre-shared key when non-nil. A
	// pointer to a zero key clears it.
	PresharedKey *Key

	// Endpoint replaces the peer's endpoint when non-nil.
	Endpoint *netip.AddrPort

	// PersistentKeepalive replaces the keepalive interval in seconds when
	// non-nil. A pointer to zero disables keepalives.
	PersistentKeepalive *uint16

	// ReplaceAllowedIPs discards the peer's existing allowed IPs before
	// AllowedIPs is applied. Without it, AllowedIPs extends the set.
	ReplaceAllowedIPs bool

	// AllowedIPs are the networks to add to (or, with ReplaceAllowedIPs,
	// install as) the peer's allowed-IP set.
	AllowedIPs []netip.Prefix
}
