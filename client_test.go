//go:build linux

package wglink

import (
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kuuji/wglink/wgtypes"
)

// fakeBackend is an in-memory deviceBackend recording every configuration
// request it receives.
type fakeBackend struct {
	devices map[string]*wgtypes.Device

	configured []appliedConfig
	listErr    error
	closed     bool
}

type appliedConfig struct {
	device string
	cfg    wgtypes.Config
}

func (f *fakeBackend) ListDevices() ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var names []string
	for name := range f.devices {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeBackend) Device(name string) (*wgtypes.Device, error) {
	d, ok := f.devices[name]
	if !ok {
		return nil, wgtypes.ErrNotExist
	}
	return d, nil
}

func (f *fakeBackend) ConfigureDevice(name string, cfg wgtypes.Config) error {
	if _, ok := f.devices[name]; !ok {
		return wgtypes.ErrNotExist
	}
	f.configured = append(f.configured, appliedConfig{device: name, cfg: cfg})
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

// fakeLinkBackend adds interface lifecycle recording on top of fakeBackend.
type fakeLinkBackend struct {
	fakeBackend

	created []string
	deleted []string
}

func (f *fakeLinkBackend) CreateDevice(name string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeLinkBackend) DeleteDevice(name string) error {
	if _, ok := f.devices[name]; !ok {
		return wgtypes.ErrNotExist
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func testClient(kernel *fakeLinkBackend, user *fakeBackend) *Client {
	c := &Client{user: user, log: slog.Default()}
	if kernel != nil {
		c.kernel = kernel
	}
	return c
}

func TestClientDevice_userFallback(t *testing.T) {
	t.Parallel()

	kernel := &fakeLinkBackend{}
	user := &fakeBackend{devices: map[string]*wgtypes.Device{
		"utun3": {Name: "utun3"},
	}}
	c := testClient(kernel, user)

	d, err := c.Device("utun3")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if d.Name != "utun3" {
		t.Errorf("device name = %q, want utun3", d.Name)
	}
}

func TestClientDevice_notExistAnywhere(t *testing.T) {
	t.Parallel()

	c := testClient(&fakeLinkBackend{}, &fakeBackend{})
	if _, err := c.Device("wg0"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Device error = %v, want ErrNotExist", err)
	}
}

func TestClientListDevices_mergesTransports(t *testing.T) {
	t.Parallel()

	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {Name: "wg0"}},
	}}
	user := &fakeBackend{devices: map[string]*wgtypes.Device{
		"utun3": {Name: "utun3"},
		"wg0":   {Name: "wg0"}, // also claimed by the kernel, listed once
	}}
	c := testClient(kernel, user)

	names, err := c.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}

	want := []string{"wg0", "utun3"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}
}

func TestClientSetDevice_skipsMatchingState(t *testing.T) {
	t.Parallel()

	key := testKey(t, 0x02)
	state := &wgtypes.Device{
		Name:       "wg0",
		ListenPort: 51820,
		Peers:      []wgtypes.Peer{{PublicKey: key}},
	}

	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": state},
	}}
	c := testClient(kernel, &fakeBackend{})

	if err := c.SetDevice(*state); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if len(kernel.configured) != 0 {
		t.Errorf("SetDevice issued %d configure requests, want 0", len(kernel.configured))
	}
}

func TestClientSetDevice_appliesDiff(t *testing.T) {
	t.Parallel()

	key := testKey(t, 0x02)

	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {
			Name:       "wg0",
			ListenPort: 51820,
		}},
	}}
	c := testClient(kernel, &fakeBackend{})

	desired := wgtypes.Device{
		Name:       "wg0",
		ListenPort: 51821,
		Peers: []wgtypes.Peer{{
			PublicKey: key,
			AllowedIPs: []netip.Prefix{
				netip.MustParsePrefix("10.0.0.0/24"),
			},
		}},
	}
	if err := c.SetDevice(desired); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	if len(kernel.configured) != 1 {
		t.Fatalf("got %d configure requests, want 1", len(kernel.configured))
	}
	got := kernel.configured[0]
	if got.device != "wg0" {
		t.Errorf("configured device = %q, want wg0", got.device)
	}
	if got.cfg.ReplacePeers {
		t.Error("incremental update set ReplacePeers")
	}
	if got.cfg.ListenPort == nil || *got.cfg.ListenPort != 51821 {
		t.Errorf("ListenPort = %v, want 51821", got.cfg.ListenPort)
	}
	if len(got.cfg.Peers) != 1 || got.cfg.Peers[0].PublicKey != key {
		t.Errorf("unexpected peer ops: %+v", got.cfg.Peers)
	}
}

func TestClientReplaceDevice(t *testing.T) {
	t.Parallel()

	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {Name: "wg0"}},
	}}
	c := testClient(kernel, &fakeBackend{})

	desired := wgtypes.Device{
		Name:  "wg0",
		Peers: []wgtypes.Peer{{PublicKey: testKey(t, 0x02)}},
	}
	if err := c.ReplaceDevice(desired); err != nil {
		t.Fatalf("ReplaceDevice: %v", err)
	}

	if len(kernel.configured) != 1 {
		t.Fatalf("got %d configure requests, want 1", len(kernel.configured))
	}
	if !kernel.configured[0].cfg.ReplacePeers {
		t.Error("ReplaceDevice did not set ReplacePeers")
	}
}

func TestClientAddPeer(t *testing.T) {
	t.Parallel()

	key := testKey(t, 0x02)
	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {Name: "wg0"}},
	}}
	c := testClient(kernel, &fakeBackend{})

	err := c.AddPeer("wg0", wgtypes.Peer{
		PublicKey: key,
		AllowedIPs: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/24"),
		},
	})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	if len(kernel.configured) != 1 {
		t.Fatalf("got %d configure requests, want 1", len(kernel.configured))
	}
	cfg := kernel.configured[0].cfg
	if cfg.ReplacePeers {
		t.Error("AddPeer set ReplacePeers")
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].PublicKey != key || cfg.Peers[0].Remove {
		t.Errorf("unexpected peer ops: %+v", cfg.Peers)
	}
}

func TestClientAddPeer_existingIsNoop(t *testing.T) {
	t.Parallel()

	peer := wgtypes.Peer{
		PublicKey: testKey(t, 0x02),
		AllowedIPs: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/24"),
		},
	}
	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {
			Name:  "wg0",
			Peers: []wgtypes.Peer{peer},
		}},
	}}
	c := testClient(kernel, &fakeBackend{})

	if err := c.AddPeer("wg0", peer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if len(kernel.configured) != 0 {
		t.Errorf("AddPeer issued %d configure requests, want 0", len(kernel.configured))
	}
}

func TestClientRemovePeer(t *testing.T) {
	t.Parallel()

	key := testKey(t, 0x02)
	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {
			Name:  "wg0",
			Peers: []wgtypes.Peer{{PublicKey: key}},
		}},
	}}
	c := testClient(kernel, &fakeBackend{})

	if err := c.RemovePeer("wg0", key); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	if len(kernel.configured) != 1 {
		t.Fatalf("got %d configure requests, want 1", len(kernel.configured))
	}
	peers := kernel.configured[0].cfg.Peers
	if len(peers) != 1 || !peers[0].Remove || peers[0].PublicKey != key {
		t.Errorf("unexpected peer ops: %+v", peers)
	}
}

func TestClientRemovePeer_absentIsNoop(t *testing.T) {
	t.Parallel()

	kernel := &fakeLinkBackend{fakeBackend: fakeBackend{
		devices: map[string]*wgtypes.Device{"wg0": {Name: "wg0"}},
	}}
	c := testClient(kernel, &fakeBackend{})

	if err := c.RemovePeer("wg0", testKey(t, 0x05)); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if len(kernel.configured) != 0 {
		t.Errorf("RemovePeer issued %d configure requests, want 0", len(kernel.configured))
	}
}

func TestClientCreateDevice_kernelOnly(t *testing.T) {
	t.Parallel()

	c := testClient(nil, &fakeBackend{})
	if err := c.CreateDevice("wg0"); !errors.Is(err, ErrNotExist) {
		t.Errorf("CreateDevice error = %v, want ErrNotExist", err)
	}

	kernel := &fakeLinkBackend{}
	c = testClient(kernel, &fakeBackend{})
	if err := c.CreateDevice("wg0"); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if len(kernel.created) != 1 || kernel.created[0] != "wg0" {
		t.Errorf("created = %v, want [wg0]", kernel.created)
	}
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	kernel := &fakeLinkBackend{}
	user := &fakeBackend{}
	c := testClient(kernel, user)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !kernel.closed || !user.closed {
		t.Errorf("closed: kernel=%v user=%v, want both", kernel.closed, user.closed)
	}
}
