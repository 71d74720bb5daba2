//go:build linux

// Package wglink manages WireGuard devices on Linux. It talks to the
// kernel module over generic netlink and falls back to the textual UAPI
// socket of userspace implementations, exposing both behind one Client.
//
// Beyond raw get/set access, the package offers state reconciliation:
// SetDevice diffs a desired device description against the live device and
// applies only what changed, while ReplaceDevice asserts the described
// state wholesale.
package wglink

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuuji/wglink/internal/wglinux"
	"github.com/kuuji/wglink/internal/wguser"
	"github.com/kuuji/wglink/wgtypes"
)

// deviceBackend is the device access surface shared by the kernel and
// userspace transports.
type deviceBackend interface {
	ListDevices() ([]string, error)
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// linkBackend additionally manages interface lifecycle, which only the
// kernel transport supports.
type linkBackend interface {
	deviceBackend
	CreateDevice(name string) error
	DeleteDevice(name string) error
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// Logger is the structured logger to use. If nil, slog.Default() is
	// used.
	Logger *slog.Logger

	// Timeout bounds each netlink request. Zero means no deadline.
	Timeout time.Duration
}

// Client manages WireGuard devices through whichever transport hosts them.
// Methods that take a device name try the kernel transport first and fall
// back to the userspace transport when the kernel does not know the
// device.
//
// A Client is safe for concurrent use.
type Client struct {
	kernel linkBackend
	user   deviceBackend

	log *slog.Logger
}

// New opens a Client against the host's WireGuard transports. A kernel
// without the WireGuard module loaded is not an error as long as a
// userspace implementation can still be reached; kernel-only operations
// will then report ErrNotExist.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		user: wguser.New(logger),
		log:  logger.With("component", "wglink"),
	}

	kernel, err := wglinux.New(logger, opts.Timeout)
	switch {
	case err == nil:
		c.kernel = kernel
	case errors.Is(err, wgtypes.ErrFamilyNotFound):
		c.log.Debug("kernel transport unavailable", "error", err)
	default:
		return nil, fmt.Errorf("opening kernel transport: %w", err)
	}

	return c, nil
}

// Close releases all transport resources held by the Client.
func (c *Client) Close() error {
	var errs []error
	if c.kernel != nil {
		errs = append(errs, c.kernel.Close())
	}
	errs = append(errs, c.user.Close())
	return errors.Join(errs...)
}

// ListDevices returns the names of all WireGuard devices on the host,
// kernel devices first. A name claimed by both transports appears once.
func (c *Client) ListDevices() ([]string, error) {
	var names []string
	seen := make(map[string]struct{})

	if c.kernel != nil {
		kn, err := c.kernel.ListDevices()
		if err != nil {
			return nil, fmt.Errorf("listing kernel devices: %w", err)
		}
		for _, name := range kn {
			names = append(names, name)
			seen[name] = struct{}{}
		}
	}

	un, err := c.user.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("listing userspace devices: %w", err)
	}
	for _, name := range un {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Devices retrieves the state of every WireGuard device on the host.
func (c *Client) Devices() ([]*wgtypes.Device, error) {
	names, err := c.ListDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]*wgtypes.Device, 0, len(names))
	for _, name := range names {
		d, err := c.Device(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Device retrieves the state of the named device.
func (c *Client) Device(name string) (*wgtypes.Device, error) {
	if c.kernel != nil {
		d, err := c.kernel.Device(name)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, wgtypes.ErrNotExist) {
			return nil, err
		}
	}
	return c.user.Device(name)
}

// ConfigureDevice applies cfg to the named device. The semantics of cfg
// are additive unless its replace flags are set; see wgtypes.Config.
func (c *Client) ConfigureDevice(name string, cfg wgtypes.Config) error {
	if c.kernel != nil {
		err := c.kernel.ConfigureDevice(name, cfg)
		if err == nil || !errors.Is(err, wgtypes.ErrNotExist) {
			return err
		}
	}
	return c.user.ConfigureDevice(name, cfg)
}

// SetDevice moves the named device to the state described by desired,
// applying only the changes the live device actually needs. When the
// device already matches, no configuration request is issued at all.
func (c *Client) SetDevice(desired wgtypes.Device) error {
	current, err := c.Device(desired.Name)
	if err != nil {
		return err
	}

	cfg := Reconcile(desired, current)
	if configEmpty(cfg) {
		c.log.Debug("device already in desired state", "device", desired.Name)
		return nil
	}

	return c.ConfigureDevice(desired.Name, cfg)
}

// ReplaceDevice asserts the full state described by desired on the named
// device, removing peers and settings that desired does not mention.
func (c *Client) ReplaceDevice(desired wgtypes.Device) error {
	return c.ConfigureDevice(desired.Name, Reconcile(desired, nil))
}

// AddPeer creates or updates a single peer on the named device, leaving
// other peers and device-level settings untouched. The live device is
// fetched first so that a peer already in the requested state causes no
// configuration request at all.
func (c *Client) AddPeer(device string, peer wgtypes.Peer) error {
	current, err := c.Device(device)
	if err != nil {
		return err
	}

	desired := *current
	desired.Peers = make([]wgtypes.Peer, len(current.Peers))
	copy(desired.Peers, current.Peers)
	if i := peerIndex(desired.Peers, peer.PublicKey); i >= 0 {
		desired.Peers[i] = peer
	} else {
		desired.Peers = append(desired.Peers, peer)
	}

	cfg := Reconcile(desired, current)
	if configEmpty(cfg) {
		c.log.Debug("peer already in desired state",
			"device", device,
			"peer", peer.PublicKey,
		)
		return nil
	}
	return c.ConfigureDevice(device, cfg)
}

// RemovePeer removes the peer with the given public key from the named
// device. Removing a peer that is not configured is not an error and does
// not touch the device.
func (c *Client) RemovePeer(device string, publicKey wgtypes.Key) error {
	current, err := c.Device(device)
	if err != nil {
		return err
	}

	desired := *current
	desired.Peers = nil
	for _, p := range current.Peers {
		if p.PublicKey != publicKey {
			desired.Peers = append(desired.Peers, p)
		}
	}

	cfg := Reconcile(desired, current)
	if configEmpty(cfg) {
		c.log.Debug("peer not configured, nothing to remove",
			"device", device,
			"peer", publicKey,
		)
		return nil
	}
	return c.ConfigureDevice(device, cfg)
}

// peerIndex returns the index of the peer with the given public key, or -1.
func peerIndex(peers []wgtypes.Peer, key wgtypes.Key) int {
	for i := range peers {
		if peers[i].PublicKey == key {
			return i
		}
	}
	return -1
}

// CreateDevice creates a new kernel WireGuard interface with the given
// name. The interface starts with no keys and no peers.
func (c *Client) CreateDevice(name string) error {
	if c.kernel == nil {
		return fmt.Errorf("creating device %q: kernel transport unavailable: %w", name, wgtypes.ErrNotExist)
	}
	return c.kernel.CreateDevice(name)
}

// DeleteDevice removes the named kernel WireGuard interface.
func (c *Client) DeleteDevice(name string) error {
	if c.kernel == nil {
		return fmt.Errorf("deleting device %q: kernel transport unavailable: %w", name, wgtypes.ErrNotExist)
	}
	return c.kernel.DeleteDevice(name)
}

// configEmpty reports whether cfg carries no operations at all.
func configEmpty(cfg wgtypes.Config) bool {
	return cfg.PrivateKey == nil &&
		cfg.ListenPort == nil &&
		cfg.Fwmark == nil &&
		!cfg.ReplacePeers &&
		len(cfg.Peers) == 0
}
