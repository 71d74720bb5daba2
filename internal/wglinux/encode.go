//go:build linux

package wglinux

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/kuuji/wglink/wgtypes"
)

// encodeConfig marshals a device configuration into the top-level attribute
// list for a WG_CMD_SET_DEVICE request: interface name, optional device
// scalars, flags, and the nested peer list.
func encodeConfig(name string, cfg wgtypes.Config) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Bytes(deviceAttrIfname, nulString(name))

	if cfg.PrivateKey != nil {
		ae.Bytes(deviceAttrPrivateKey, (*cfg.PrivateKey)[:])
	}
	if cfg.ListenPort != nil {
		ae.Uint16(deviceAttrListenPort, *cfg.ListenPort)
	}
	if cfg.Fwmark != nil {
		ae.Uint32(deviceAttrFwmark, *cfg.Fwmark)
	}
	if cfg.ReplacePeers {
		ae.Uint32(deviceAttrFlags, flagReplacePeers)
	}

	if len(cfg.Peers) > 0 {
		ae.Nested(deviceAttrPeers, func(nae *netlink.AttributeEncoder) error {
			// Peer list entries are an attribute array: the type of
			// each element is its index.
			for i, p := range cfg.Peers {
				nae.Nested(uint16(i), encodePeer(p))
			}
			return nil
		})
	}

	b, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding device attributes: %w", err)
	}
	return b, nil
}

// encodePeer marshals one peer operation into its nested attribute set.
func encodePeer(p wgtypes.PeerConfig) func(ae *netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		ae.Bytes(peerAttrPublicKey, p.PublicKey[:])

		var flags uint32
		if p.Remove {
			flags |= flagPeerRemoveMe
		}
		if p.ReplaceAllowedIPs {
			flags |= flagPeerReplaceAllowedIPs
		}
		if p.UpdateOnly {
			flags |= flagPeerUpdateOnly
		}
		if flags != 0 {
			ae.Uint32(peerAttrFlags, flags)
		}

		// A peer being removed is addressed by public key alone.
		if p.Remove {
			return nil
		}

		if p.PresharedKey != nil {
			ae.Bytes(peerAttrPresharedKey, (*p.PresharedKey)[:])
		}
		if p.Endpoint != nil {
			ae.Bytes(peerAttrEndpoint, encodeSockaddr(*p.Endpoint))
		}
		if p.PersistentKeepalive != nil {
			ae.Uint16(peerAttrPersistentKeepalive, *p.PersistentKeepalive)
		}

		if len(p.AllowedIPs) > 0 {
			ae.Nested(peerAttrAllowedIPs, func(nae *netlink.AttributeEncoder) error {
				for i, prefix := range p.AllowedIPs {
					nae.Nested(uint16(i), encodeAllowedIP(prefix))
				}
				return nil
			})
		}
		return nil
	}
}

// encodeAllowedIP marshals one allowed-IP entry: family tag, address bytes,
// and prefix length.
func encodeAllowedIP(prefix netip.Prefix) func(ae *netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		addr := prefix.Addr().Unmap()
		if addr.Is4() {
			a := addr.As4()
			ae.Uint16(allowedIPAttrFamily, unix.AF_INET)
			ae.Bytes(allowedIPAttrIPAddr, a[:])
		} else {
			a := addr.As16()
			ae.Uint16(allowedIPAttrFamily, unix.AF_INET6)
			ae.Bytes(allowedIPAttrIPAddr, a[:])
		}
		ae.Uint8(allowedIPAttrCIDRMask, uint8(prefix.Bits()))
		return nil
	}
}

// encodeSockaddr marshals an endpoint into the kernel's sockaddr_in or
// sockaddr_in6 layout: native-endian family, big-endian port, raw address.
func encodeSockaddr(ep netip.AddrPort) []byte {
	addr := ep.Addr().Unmap()
	if addr.Is4() {
		b := make([]byte, unix.SizeofSockaddrInet4)
		nlenc.PutUint16(b[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(b[2:4], ep.Port())
		a := addr.As4()
		copy(b[4:8], a[:])
		return b
	}

	b := make([]byte, unix.SizeofSockaddrInet6)
	nlenc.PutUint16(b[0:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(b[2:4], ep.Port())
	a := addr.As16()
	copy(b[8:24], a[:])
	return b
}

// nulString returns the NUL-terminated byte form the kernel expects for
// string attributes.
func nulString(s string) []byte {
	return append([]byte(s), 0)
}
