//go:build linux

package wglinux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/kuuji/wglink/wgtypes"
)

// parseDevice assembles a single Device from the one-or-more messages of a
// WG_CMD_GET_DEVICE dump. The kernel splits large peer tables across
// messages, and may split one peer's allowed-IP list at a message boundary;
// a peer whose public key was already seen earlier in the dump has its
// allowed-IP list extended rather than replaced. Final peer order is
// first-seen order.
func parseDevice(msgs []genetlink.Message) (*wgtypes.Device, error) {
	var (
		d        wgtypes.Device
		seenName bool
		byKey    = make(map[wgtypes.Key]int)
	)

	for _, m := range msgs {
		if err := appendDeviceAttrs(&d, byKey, &seenName, m.Data); err != nil {
			return nil, err
		}
	}

	if !seenName {
		return nil, wgtypes.ErrIncompleteSnapshot
	}
	return &d, nil
}

// appendDeviceAttrs decodes one message's attribute list into d, merging
// peers into the table accumulated so far.
func appendDeviceAttrs(d *wgtypes.Device, byKey map[wgtypes.Key]int, seenName *bool, b []byte) error {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return fmt.Errorf("%w: %v", wgtypes.ErrMalformedAttribute, err)
	}

	for ad.Next() {
		// Unknown attribute types fall through the switch untouched: new
		// kernels may carry attributes this package does not know about.
		switch ad.Type() {
		case deviceAttrIfname:
			d.Name = ad.String()
			*seenName = true
		case deviceAttrPrivateKey:
			ad.Do(parseKey(&d.PrivateKey))
		case deviceAttrPublicKey:
			ad.Do(parseKey(&d.PublicKey))
		case deviceAttrListenPort:
			d.ListenPort = ad.Uint16()
		case deviceAttrFwmark:
			d.Fwmark = ad.Uint32()
		case deviceAttrPeers:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					var p wgtypes.Peer
					nad.Nested(parsePeer(&p))
					if err := nad.Err(); err != nil {
						return err
					}
					mergePeer(d, byKey, p)
				}
				return nad.Err()
			})
		}
	}

	if err := ad.Err(); err != nil {
		if errors.Is(err, wgtypes.ErrMalformedAttribute) {
			return err
		}
		return fmt.Errorf("%w: %v", wgtypes.ErrMalformedAttribute, err)
	}
	return nil
}

// mergePeer folds one decoded peer into the device's peer table. A
// continuation of an already-seen peer carries only its public key and the
// next chunk of allowed IPs.
func mergePeer(d *wgtypes.Device, byKey map[wgtypes.Key]int, p wgtypes.Peer) {
	if i, ok := byKey[p.PublicKey]; ok {
		d.Peers[i].AllowedIPs = append(d.Peers[i].AllowedIPs, p.AllowedIPs...)
		return
	}
	d.Peers = append(d.Peers, p)
	byKey[p.PublicKey] = len(d.Peers) - 1
}

// parsePeer decodes the nested attribute set of a single peer.
func parsePeer(p *wgtypes.Peer) func(ad *netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			switch ad.Type() {
			case peerAttrPublicKey:
				ad.Do(parseKey(&p.PublicKey))
			case peerAttrPresharedKey:
				ad.Do(parseKey(&p.PresharedKey))
			case peerAttrEndpoint:
				ad.Do(parseSockaddr(&p.Endpoint))
			case peerAttrPersistentKeepalive:
				p.PersistentKeepalive = ad.Uint16()
			case peerAttrLastHandshake:
				ad.Do(parseTimespec(&p.LastHandshake))
			case peerAttrRxBytes:
				p.RxBytes = ad.Uint64()
			case peerAttrTxBytes:
				p.TxBytes = ad.Uint64()
			case peerAttrProtocolVersion:
				p.ProtocolVersion = ad.Uint32()
			case peerAttrAllowedIPs:
				ad.Nested(parseAllowedIPs(&p.AllowedIPs))
			}
		}
		return ad.Err()
	}
}

// parseAllowedIPs decodes the nested allowed-IP list of a peer.
func parseAllowedIPs(ips *[]netip.Prefix) func(ad *netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		for ad.Next() {
			var prefix netip.Prefix
			ad.Nested(parseAllowedIP(&prefix))
			if err := ad.Err(); err != nil {
				return err
			}
			*ips = append(*ips, prefix)
		}
		return ad.Err()
	}
}

// parseAllowedIP decodes one allowed-IP entry: family tag, address bytes,
// prefix length. Attribute order within the entry is not guaranteed, so the
// prefix is only constructed once the whole entry has been walked.
func parseAllowedIP(prefix *netip.Prefix) func(ad *netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		var (
			family uint16
			addrB  []byte
			mask   = -1
		)

		for ad.Next() {
			switch ad.Type() {
			case allowedIPAttrFamily:
				family = ad.Uint16()
			case allowedIPAttrIPAddr:
				addrB = ad.Bytes()
			case allowedIPAttrCIDRMask:
				mask = int(ad.Uint8())
			}
		}
		if err := ad.Err(); err != nil {
			return err
		}

		var addr netip.Addr
		switch len(addrB) {
		case 4:
			if family != unix.AF_INET {
				return fmt.Errorf("%w: allowed-ip family %d with 4-byte address", wgtypes.ErrMalformedAttribute, family)
			}
			addr = netip.AddrFrom4([4]byte(addrB))
		case 16:
			if family != unix.AF_INET6 {
				return fmt.Errorf("%w: allowed-ip family %d with 16-byte address", wgtypes.ErrMalformedAttribute, family)
			}
			addr = netip.AddrFrom16([16]byte(addrB))
		default:
			return fmt.Errorf("%w: allowed-ip address is %d bytes", wgtypes.ErrMalformedAttribute, len(addrB))
		}

		if mask < 0 || mask > addr.BitLen() {
			return fmt.Errorf("%w: allowed-ip prefix length %d for %d-bit address", wgtypes.ErrMalformedAttribute, mask, addr.BitLen())
		}

		*prefix = netip.PrefixFrom(addr, mask)
		return nil
	}
}

// parseKey validates and copies a fixed 32-byte key attribute.
func parseKey(dst *wgtypes.Key) func(b []byte) error {
	return func(b []byte) error {
		k, err := wgtypes.NewKey(b)
		if err != nil {
			return fmt.Errorf("%w: key payload is %d bytes, want %d", wgtypes.ErrMalformedAttribute, len(b), wgtypes.KeySize)
		}
		*dst = k
		return nil
	}
}

// parseSockaddr decodes a kernel sockaddr_in or sockaddr_in6 endpoint. The
// address family is native-endian; the port is big-endian per convention.
func parseSockaddr(dst *netip.AddrPort) func(b []byte) error {
	return func(b []byte) error {
		switch len(b) {
		case unix.SizeofSockaddrInet4:
			if nlenc.Uint16(b[0:2]) != unix.AF_INET {
				return fmt.Errorf("%w: sockaddr family %d in 16-byte sockaddr", wgtypes.ErrMalformedAttribute, nlenc.Uint16(b[0:2]))
			}
			addr := netip.AddrFrom4([4]byte(b[4:8]))
			*dst = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[2:4]))
		case unix.SizeofSockaddrInet6:
			if nlenc.Uint16(b[0:2]) != unix.AF_INET6 {
				return fmt.Errorf("%w: sockaddr family %d in 28-byte sockaddr", wgtypes.ErrMalformedAttribute, nlenc.Uint16(b[0:2]))
			}
			addr := netip.AddrFrom16([16]byte(b[8:24]))
			*dst = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[2:4]))
		default:
			return fmt.Errorf("%w: sockaddr is %d bytes", wgtypes.ErrMalformedAttribute, len(b))
		}
		return nil
	}
}

// parseTimespec decodes the 16-byte __kernel_timespec last-handshake
// attribute. An all-zero timespec means no handshake has completed and
// leaves the zero time in place.
func parseTimespec(dst *time.Time) func(b []byte) error {
	return func(b []byte) error {
		if len(b) != 16 {
			return fmt.Errorf("%w: timespec is %d bytes, want 16", wgtypes.ErrMalformedAttribute, len(b))
		}

		sec := int64(nlenc.Uint64(b[0:8]))
		nsec := int64(nlenc.Uint64(b[8:16]))
		if sec == 0 && nsec == 0 {
			return nil
		}

		*dst = time.Unix(sec, nsec)
		return nil
	}
}
