//go:build linux

// Package wglinux controls WireGuard devices through the kernel's
// generic-netlink "wireguard" family.
//
// A Client is one netlink session: it owns a single socket, resolves the
// family identifier once at construction, and serializes requests on that
// socket. Reply correlation relies on netlink sequence numbers, which
// assumes one outstanding request at a time; concurrent callers need their
// own Client each. After a timeout the socket's correlation state is
// undefined and the Client must be discarded, not reused.
package wglinux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/kuuji/wglink/wgtypes"
)

// genlConn abstracts the generic-netlink connection for testability. In
// production it is a *genetlink.Conn; tests inject a recording fake.
type genlConn interface {
	GetFamily(name string) (genetlink.Family, error)
	Execute(m genetlink.Message, family uint16, flags netlink.HeaderFlags) ([]genetlink.Message, error)
	SetDeadline(t time.Time) error
	Close() error
}

var _ genlConn = (*genetlink.Conn)(nil)

// Client is a session with the WireGuard generic-netlink family.
type Client struct {
	c       genlConn
	family  genetlink.Family
	timeout time.Duration
	log     *slog.Logger
}

// New dials a generic-netlink socket and resolves the WireGuard family.
// A zero timeout means requests block indefinitely.
func New(logger *slog.Logger, timeout time.Duration) (*Client, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dialing generic netlink: %w", err)
	}
	return initClient(conn, logger, timeout)
}

// initClient completes construction against an already-dialed connection.
// It takes ownership of conn and closes it on failure.
func initClient(conn genlConn, logger *slog.Logger, timeout time.Duration) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	family, err := conn.GetFamily(genlName)
	if err != nil {
		conn.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("resolving %q family: %w", genlName, wgtypes.ErrFamilyNotFound)
		}
		return nil, fmt.Errorf("resolving %q family: %w", genlName, err)
	}

	return &Client{
		c:       conn,
		family:  family,
		timeout: timeout,
		log:     logger.With("component", "wglinux"),
	}, nil
}

// Close releases the netlink socket.
func (c *Client) Close() error {
	return c.c.Close()
}

// ListDevices returns the names of all WireGuard interfaces on the host,
// discovered over the rtnetlink link table.
func (c *Client) ListDevices() ([]string, error) {
	return listDevices()
}

// Device dumps the full state of the named device: configuration, peer
// table, and per-peer counters.
func (c *Client) Device(name string) (*wgtypes.Device, error) {
	attrb, err := deviceNameAttrs(name)
	if err != nil {
		return nil, err
	}

	msgs, err := c.execute(cmdGetDevice, netlink.Dump, attrb)
	if err != nil {
		return nil, fmt.Errorf("getting device %q: %w", name, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("getting device %q: %w", name, wgtypes.ErrIncompleteDump)
	}

	d, err := parseDevice(msgs)
	if err != nil {
		return nil, fmt.Errorf("getting device %q: %w", name, err)
	}

	c.log.Debug("device dumped", "device", d.Name, "peers", len(d.Peers), "messages", len(msgs))
	return d, nil
}

// ConfigureDevice applies cfg to the named device.
func (c *Client) ConfigureDevice(name string, cfg wgtypes.Config) error {
	if err := checkDeviceName(name); err != nil {
		return err
	}

	attrb, err := encodeConfig(name, cfg)
	if err != nil {
		return err
	}

	if _, err := c.execute(cmdSetDevice, netlink.Acknowledge, attrb); err != nil {
		return fmt.Errorf("configuring device %q: %w", name, err)
	}

	c.log.Info("device configured",
		"device", name,
		"peer_ops", len(cfg.Peers),
		"replace_peers", cfg.ReplacePeers,
	)
	return nil
}

// CreateDevice creates a new kernel WireGuard interface with the given name.
func (c *Client) CreateDevice(name string) error {
	if err := checkDeviceName(name); err != nil {
		return err
	}
	if err := createDevice(name); err != nil {
		return err
	}
	c.log.Info("device created", "device", name)
	return nil
}

// DeleteDevice removes the named interface from the host.
func (c *Client) DeleteDevice(name string) error {
	if err := checkDeviceName(name); err != nil {
		return err
	}
	if err := deleteDevice(name); err != nil {
		return err
	}
	c.log.Info("device deleted", "device", name)
	return nil
}

// execute sends one request and receives its reply message(s), mapping
// kernel errors onto the package's sentinel kinds. It never retries: retry
// policy belongs to the caller.
func (c *Client) execute(cmd uint8, flags netlink.HeaderFlags, attrb []byte) ([]genetlink.Message, error) {
	if c.timeout > 0 {
		if err := c.c.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("setting socket deadline: %w", err)
		}
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: genlVersion,
		},
		Data: attrb,
	}

	msgs, err := c.c.Execute(msg, c.family.ID, netlink.Request|flags)
	if err != nil {
		return nil, mapExecuteError(err)
	}
	return msgs, nil
}

// mapExecuteError converts transport and kernel errno failures into the
// caller-facing error kinds.
func mapExecuteError(err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.ENOENT):
		return wgtypes.ErrNotExist
	case errors.Is(err, unix.EPERM):
		return wgtypes.ErrPermission
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		// The socket delivered a truncated multi-part stream: the done
		// marker never arrived.
		return wgtypes.ErrIncompleteDump
	}
	return err
}

// deviceNameAttrs builds the attribute list addressing a device by name.
func deviceNameAttrs(name string) ([]byte, error) {
	if err := checkDeviceName(name); err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(deviceAttrIfname, nulString(name))
	b, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding device name: %w", err)
	}
	return b, nil
}

// checkDeviceName validates an interface name against the kernel's rules:
// non-empty, at most 15 bytes (IFNAMSIZ minus the NUL), and free of NUL,
// '/', and whitespace characters.
func checkDeviceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", wgtypes.ErrInvalidName)
	}
	if len(name) > ifNameSize-1 {
		return fmt.Errorf("%w: %q is longer than %d bytes", wgtypes.ErrInvalidName, name, ifNameSize-1)
	}
	if strings.ContainsAny(name, "/\x00 \t\n\v\f\r") {
		return fmt.Errorf("%w: %q contains a slash, NUL, or whitespace", wgtypes.ErrInvalidName, name)
	}
	return nil
}
