//go:build linux

package wglink

import (
	"net/netip"

	"github.com/kuuji/wglink/wgtypes"
)

// Reconcile computes the configuration that transitions current into
// desired. When current is nil the result is a full replacement: every
// field of desired is asserted and ReplacePeers clears peers that are not
// listed. When current is non-nil the result is an incremental diff that
// only touches fields and peers that actually differ, so applying it to a
// device already in the desired state yields no changes.
//
// Peers are matched by public key alone. Runtime statistics on desired
// (handshake times, byte counters) are ignored. A zero desired endpoint
// means "leave the endpoint as the device last learned it", since roaming
// peers update their endpoint on every authenticated packet.
func Reconcile(desired wgtypes.Device, current *wgtypes.Device) wgtypes.Config {
	if current == nil {
		return replaceConfig(desired)
	}
	return diffConfig(desired, current)
}

// replaceConfig asserts the full desired state. ListenPort and Fwmark are
// always set so that stale values cannot survive; the private key is only
// set when desired carries one, since a zero key would detach the device's
// identity.
func replaceConfig(desired wgtypes.Device) wgtypes.Config {
	cfg := wgtypes.Config{
		ListenPort:   ptr(desired.ListenPort),
		Fwmark:       ptr(desired.Fwmark),
		ReplacePeers: true,
	}
	if !desired.PrivateKey.IsZero() {
		cfg.PrivateKey = ptr(desired.PrivateKey)
	}

	for _, p := range desired.Peers {
		pc := wgtypes.PeerConfig{
			PublicKey:         p.PublicKey,
			ReplaceAllowedIPs: true,
			AllowedIPs:        p.AllowedIPs,
		}
		if !p.PresharedKey.IsZero() {
			pc.PresharedKey = ptr(p.PresharedKey)
		}
		if p.Endpoint.IsValid() {
			pc.Endpoint = ptr(p.Endpoint)
		}
		if p.PersistentKeepalive != 0 {
			pc.PersistentKeepalive = ptr(p.PersistentKeepalive)
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	return cfg
}

// diffConfig emits only the operations needed to move current to desired.
func diffConfig(desired wgtypes.Device, current *wgtypes.Device) wgtypes.Config {
	var cfg wgtypes.Config

	if !desired.PrivateKey.IsZero() && desired.PrivateKey != current.PrivateKey {
		cfg.PrivateKey = ptr(desired.PrivateKey)
	}
	if desired.ListenPort != current.ListenPort {
		cfg.ListenPort = ptr(desired.ListenPort)
	}
	if desired.Fwmark != current.Fwmark {
		cfg.Fwmark = ptr(desired.Fwmark)
	}

	byKey := make(map[wgtypes.Key]*wgtypes.Peer, len(current.Peers))
	for i := range current.Peers {
		byKey[current.Peers[i].PublicKey] = &current.Peers[i]
	}

	desiredKeys := make(map[wgtypes.Key]struct{}, len(desired.Peers))
	for _, p := range desired.Peers {
		desiredKeys[p.PublicKey] = struct{}{}

		cur, ok := byKey[p.PublicKey]
		if !ok {
			pc := wgtypes.PeerConfig{
				PublicKey:  p.PublicKey,
				AllowedIPs: p.AllowedIPs,
			}
			if !p.PresharedKey.IsZero() {
				pc.PresharedKey = ptr(p.PresharedKey)
			}
			if p.Endpoint.IsValid() {
				pc.Endpoint = ptr(p.Endpoint)
			}
			if p.PersistentKeepalive != 0 {
				pc.PersistentKeepalive = ptr(p.PersistentKeepalive)
			}
			cfg.Peers = append(cfg.Peers, pc)
			continue
		}

		if pc, changed := diffPeer(p, cur); changed {
			cfg.Peers = append(cfg.Peers, pc)
		}
	}

	for _, p := range current.Peers {
		if _, ok := desiredKeys[p.PublicKey]; !ok {
			cfg.Peers = append(cfg.Peers, wgtypes.PeerConfig{
				PublicKey: p.PublicKey,
				Remove:    true,
			})
		}
	}

	return cfg
}

// diffPeer compares one desired peer against its current state and reports
// whether any configuration field needs to change. A single update entry is
// produced even when several fields differ, so a peer is never removed and
// re-added just to change its settings.
func diffPeer(desired wgtypes.Peer, current *wgtypes.Peer) (wgtypes.PeerConfig, bool) {
	pc := wgtypes.PeerConfig{
		PublicKey:  desired.PublicKey,
		UpdateOnly: true,
	}
	changed := false

	if desired.PresharedKey != current.PresharedKey {
		pc.PresharedKey = ptr(desired.PresharedKey)
		changed = true
	}
	if desired.Endpoint.IsValid() && desired.Endpoint != current.Endpoint {
		pc.Endpoint = ptr(desired.Endpoint)
		changed = true
	}
	if desired.PersistentKeepalive != current.PersistentKeepalive {
		pc.PersistentKeepalive = ptr(desired.PersistentKeepalive)
		changed = true
	}
	if !samePrefixes(desired.AllowedIPs, current.AllowedIPs) {
		pc.ReplaceAllowedIPs = true
		pc.AllowedIPs = desired.AllowedIPs
		changed = true
	}

	return pc, changed
}

// samePrefixes reports whether a and b describe the same set of prefixes,
// ignoring order and duplicates.
func samePrefixes(a, b []netip.Prefix) bool {
	as := make(map[netip.Prefix]struct{}, len(a))
	for _, p := range a {
		as[p.Masked()] = struct{}{}
	}
	bs := make(map[netip.Prefix]struct{}, len(b))
	for _, p := range b {
		bs[p.Masked()] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for p := range as {
		if _, ok := bs[p]; !ok {
			return false
		}
	}
	return true
}

func ptr[T any](v T) *T {
	return &v
}
