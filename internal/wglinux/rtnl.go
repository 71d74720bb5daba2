//go:build linux

package wglinux

import (
	"errors"
	"fmt"
	"os"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/kuuji/wglink/wgtypes"
)

// Link enumeration and lifecycle over rtnetlink. WireGuard interfaces are
// ordinary links with link kind "wireguard"; the generic-netlink family has
// no command to list them, so discovery goes through the route socket.

const (
	ifInfomsgLen = unix.SizeofIfInfomsg

	linkKindWireGuard = "wireguard"
)

// listDevices dumps the host's link table and returns the names of all
// links whose kind is "wireguard".
func listDevices() ([]string, error) {
	msgs, err := linkExecute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETLINK,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: make([]byte, ifInfomsgLen),
	})
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}

	var names []string
	for _, m := range msgs {
		name, kind, err := parseLink(m)
		if err != nil {
			return nil, fmt.Errorf("listing links: %w", err)
		}
		if kind == linkKindWireGuard {
			names = append(names, name)
		}
	}
	return names, nil
}

// createDevice adds a new link of kind "wireguard".
func createDevice(name string) error {
	data, err := buildLinkConfig(name, true)
	if err != nil {
		return err
	}

	_, err = linkExecute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWLINK,
			Flags: netlink.Request | netlink.Acknowledge | netlink.Create | netlink.Excl,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("creating device %q: %w", name, err)
	}
	return nil
}

// deleteDevice removes a link by name.
func deleteDevice(name string) error {
	data, err := buildLinkConfig(name, false)
	if err != nil {
		return err
	}

	_, err = linkExecute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_DELLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("deleting device %q: %w", name, err)
	}
	return nil
}

// buildLinkConfig marshals the ifinfomsg header plus the attributes that
// address (and, with kind, describe) a link.
func buildLinkConfig(name string, withKind bool) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Bytes(unix.IFLA_IFNAME, nulString(name))
	if withKind {
		ae.Nested(unix.IFLA_LINKINFO, func(nae *netlink.AttributeEncoder) error {
			nae.Bytes(unix.IFLA_INFO_KIND, nulString(linkKindWireGuard))
			return nil
		})
	}

	attrb, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding link attributes: %w", err)
	}

	// Leading ifinfomsg is all zeroes: family AF_UNSPEC, index resolved
	// by the IFLA_IFNAME attribute.
	return append(make([]byte, ifInfomsgLen), attrb...), nil
}

// parseLink extracts the interface name and link kind from one RTM_NEWLINK
// message of a link dump. Messages of other types decode to empty values.
func parseLink(m netlink.Message) (name, kind string, err error) {
	if m.Header.Type != unix.RTM_NEWLINK {
		return "", "", nil
	}
	if len(m.Data) < ifInfomsgLen {
		return "", "", fmt.Errorf("%w: link message is %d bytes", wgtypes.ErrMalformedAttribute, len(m.Data))
	}

	ad, err := netlink.NewAttributeDecoder(m.Data[ifInfomsgLen:])
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", wgtypes.ErrMalformedAttribute, err)
	}

	for ad.Next() {
		switch ad.Type() {
		case unix.IFLA_IFNAME:
			name = ad.String()
		case unix.IFLA_LINKINFO:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				for nad.Next() {
					if nad.Type() == unix.IFLA_INFO_KIND {
						kind = nad.String()
					}
				}
				return nad.Err()
			})
		}
	}
	if err := ad.Err(); err != nil {
		return "", "", fmt.Errorf("%w: %v", wgtypes.ErrMalformedAttribute, err)
	}
	return name, kind, nil
}

// linkExecute performs one request/response exchange on a fresh route
// socket. The socket is closed on every exit path.
func linkExecute(req netlink.Message) ([]netlink.Message, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing route netlink: %w", err)
	}
	defer conn.Close()

	msgs, err := conn.Execute(req)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("link already exists: %w", os.ErrExist)
		}
		return nil, mapExecuteError(err)
	}
	return msgs, nil
}
