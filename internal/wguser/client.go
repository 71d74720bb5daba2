//go:build linux

// Package wguser controls userspace WireGuard implementations (such as
// wireguard-go) through the textual UAPI protocol spoken on the per-device
// UNIX socket under /var/run/wireguard.
//
// The protocol is newline-delimited key=value pairs: a "get=1" request
// returns the full device state, a "set=1" request applies configuration
// lines and answers with an errno line. Keys are hex-encoded on this
// surface, unlike the binary attributes of the kernel interface.
package wguser

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kuuji/wglink/wgtypes"
)

// sockDir is where userspace WireGuard implementations place their control
// sockets, one "<iface>.sock" per device.
const sockDir = "/var/run/wireguard"

// Client speaks the UAPI text protocol to userspace WireGuard devices.
type Client struct {
	// dial and list are swappable for tests; production uses the UNIX
	// sockets under sockDir.
	dial func(name string) (net.Conn, error)
	list func() ([]string, error)

	log *slog.Logger
}

// New creates a Client for the host's userspace WireGuard devices.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dial: dialSocket,
		list: listSockets,
		log:  logger.With("component", "wguser"),
	}
}

// Close releases resources used by the Client. Connections are scoped to
// individual requests, so there is nothing persistent to tear down.
func (c *Client) Close() error {
	return nil
}

// ListDevices returns the names of all userspace WireGuard devices,
// discovered from their control sockets.
func (c *Client) ListDevices() ([]string, error) {
	return c.list()
}

// Device retrieves the state of the named userspace device.
func (c *Client) Device(name string) (*wgtypes.Device, error) {
	conn, err := c.dial(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("getting device %q: %w", name, wgtypes.ErrNotExist)
		}
		return nil, fmt.Errorf("getting device %q: %w", name, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("get=1\n\n")); err != nil {
		return nil, fmt.Errorf("getting device %q: %w", name, err)
	}

	d, err := parseGetResponse(name, bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("getting device %q: %w", name, err)
	}

	c.log.Debug("device read", "device", name, "peers", len(d.Peers))
	return d, nil
}

// ConfigureDevice applies cfg to the named userspace device.
func (c *Client) ConfigureDevice(name string, cfg wgtypes.Config) error {
	conn, err := c.dial(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("configuring device %q: %w", name, wgtypes.ErrNotExist)
		}
		return fmt.Errorf("configuring device %q: %w", name, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(buildSetRequest(cfg))); err != nil {
		return fmt.Errorf("configuring device %q: %w", name, err)
	}

	if err := parseSetResponse(bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("configuring device %q: %w", name, err)
	}

	c.log.Info("device configured",
		"device", name,
		"peer_ops", len(cfg.Peers),
		"replace_peers", cfg.ReplacePeers,
	)
	return nil
}

// dialSocket connects to the control socket of the named device.
func dialSocket(name string) (net.Conn, error) {
	return net.Dial("unix", filepath.Join(sockDir, name+".sock"))
}

// listSockets enumerates device names from the control socket directory. A
// missing directory simply means no userspace devices exist.
func listSockets() ([]string, error) {
	entries, err := os.ReadDir(sockDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", sockDir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".sock"))
	}
	return names, nil
}

// buildSetRequest renders cfg as a set=1 request body. Device-level lines
// come first, then one section per peer, each opened by its public_key
// line, terminated by the blank line that ends the request.
func buildSetRequest(cfg wgtypes.Config) string {
	var b strings.Builder
	b.WriteString("set=1\n")

	if cfg.PrivateKey != nil {
		fmt.Fprintf(&b, "private_key=%s\n", cfg.PrivateKey.Hex())
	}
	if cfg.ListenPort != nil {
		fmt.Fprintf(&b, "listen_port=%d\n", *cfg.ListenPort)
	}
	if cfg.Fwmark != nil {
		fmt.Fprintf(&b, "fwmark=%d\n", *cfg.Fwmark)
	}
	if cfg.ReplacePeers {
		b.WriteString("replace_peers=true\n")
	}

	for _, p := range cfg.Peers {
		fmt.Fprintf(&b, "public_key=%s\n", p.PublicKey.Hex())

		if p.Remove {
			b.WriteString("remove=true\n")
			continue
		}
		if p.UpdateOnly {
			b.WriteString("update_only=true\n")
		}
		if p.PresharedKey != nil {
			fmt.Fprintf(&b, "preshared_key=%s\n", p.PresharedKey.Hex())
		}
		if p.Endpoint != nil {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepalive != nil {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", *p.PersistentKeepalive)
		}
		if p.ReplaceAllowedIPs {
			b.WriteString("replace_allowed_ips=true\n")
		}
		for _, prefix := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", prefix)
		}
	}

	b.WriteString("\n")
	return b.String()
}

// parseGetResponse assembles a Device from the key=value lines of a get=1
// reply. A public_key line opens a new peer section; everything before the
// first one is device scope.
func parseGetResponse(name string, r *bufio.Reader) (*wgtypes.Device, error) {
	d := &wgtypes.Device{Name: name}

	var (
		peer     *wgtypes.Peer
		hsSec    int64
		hsNsec   int64
		sawErrno bool
	)

	flushHandshake := func() {
		if peer != nil && (hsSec != 0 || hsNsec != 0) {
			peer.LastHandshake = time.Unix(hsSec, hsNsec)
			hsSec, hsNsec = 0, 0
		}
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: response ended mid-stream", wgtypes.ErrIncompleteSnapshot)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %q", wgtypes.ErrMalformedAttribute, line)
		}

		switch key {
		case "private_key":
			k, err := wgtypes.ParseHexKey(value)
			if err != nil {
				return nil, fmt.Errorf("%w: private_key: %v", wgtypes.ErrMalformedAttribute, err)
			}
			d.PrivateKey = k
			// The userspace protocol never reports the public key;
			// derive it the way the device itself would.
			d.PublicKey = k.PublicKey()
		case "listen_port":
			v, err := parseUint(value, 16)
			if err != nil {
				return nil, err
			}
			d.ListenPort = uint16(v)
		case "fwmark":
			v, err := parseUint(value, 32)
			if err != nil {
				return nil, err
			}
			d.Fwmark = uint32(v)
		case "public_key":
			flushHandshake()
			k, err := wgtypes.ParseHexKey(value)
			if err != nil {
				return nil, fmt.Errorf("%w: public_key: %v", wgtypes.ErrMalformedAttribute, err)
			}
			d.Peers = append(d.Peers, wgtypes.Peer{PublicKey: k})
			peer = &d.Peers[len(d.Peers)-1]
		case "errno":
			v, err := parseUint(value, 32)
			if err != nil {
				return nil, err
			}
			if v != 0 {
				return nil, errnoError(int(v))
			}
			sawErrno = true
		default:
			if peer == nil {
				// Unknown device-scope keys are ignored for forward
				// compatibility.
				continue
			}
			if err := parsePeerLine(peer, key, value, &hsSec, &hsNsec); err != nil {
				return nil, err
			}
		}
	}

	if !sawErrno {
		return nil, fmt.Errorf("%w: no errno terminator", wgtypes.ErrIncompleteSnapshot)
	}
	flushHandshake()
	return d, nil
}

// parsePeerLine applies one key=value pair to the peer section being read.
func parsePeerLine(p *wgtypes.Peer, key, value string, hsSec, hsNsec *int64) error {
	switch key {
	case "preshared_key":
		k, err := wgtypes.ParseHexKey(value)
		if err != nil {
			return fmt.Errorf("%w: preshared_key: %v", wgtypes.ErrMalformedAttribute, err)
		}
		p.PresharedKey = k
	case "endpoint":
		ep, err := netip.ParseAddrPort(value)
		if err != nil {
			return fmt.Errorf("%w: endpoint %q", wgtypes.ErrMalformedAttribute, value)
		}
		p.Endpoint = ep
	case "persistent_keepalive_interval":
		v, err := parseUint(value, 16)
		if err != nil {
			return err
		}
		p.PersistentKeepalive = uint16(v)
	case "allowed_ip":
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return fmt.Errorf("%w: allowed_ip %q", wgtypes.ErrMalformedAttribute, value)
		}
		p.AllowedIPs = append(p.AllowedIPs, prefix)
	case "last_handshake_time_sec":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: last_handshake_time_sec %q", wgtypes.ErrMalformedAttribute, value)
		}
		*hsSec = v
	case "last_handshake_time_nsec":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: last_handshake_time_nsec %q", wgtypes.ErrMalformedAttribute, value)
		}
		*hsNsec = v
	case "rx_bytes":
		v, err := parseUint(value, 64)
		if err != nil {
			return err
		}
		p.RxBytes = v
	case "tx_bytes":
		v, err := parseUint(value, 64)
		if err != nil {
			return err
		}
		p.TxBytes = v
	case "protocol_version":
		v, err := parseUint(value, 32)
		if err != nil {
			return err
		}
		p.ProtocolVersion = uint32(v)
	}
	// Unknown peer-scope keys are ignored for forward compatibility.
	return nil
}

// parseSetResponse reads the errno line that answers a set=1 request.
func parseSetResponse(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: response ended mid-stream", wgtypes.ErrIncompleteSnapshot)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return nil
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "errno" {
			return fmt.Errorf("%w: line %q", wgtypes.ErrMalformedAttribute, line)
		}
		v, err := parseUint(value, 32)
		if err != nil {
			return err
		}
		if v != 0 {
			return errnoError(int(v))
		}
	}
}

// errnoError maps a UAPI errno value onto the shared error kinds.
func errnoError(code int) error {
	errno := unix.Errno(code)
	switch errno {
	case unix.EPERM:
		return wgtypes.ErrPermission
	case unix.ENODEV, unix.ENOENT:
		return wgtypes.ErrNotExist
	}
	return fmt.Errorf("device returned errno %d: %w", code, errno)
}

func parseUint(value string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(value, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: integer %q", wgtypes.ErrMalformedAttribute, value)
	}
	return v, nil
}
