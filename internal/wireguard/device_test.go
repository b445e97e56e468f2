package wireguard

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClient struct {
	device       *wgtypes.Device
	deviceErr    error
	configureErr error

	configuredName string
	configured     *wgtypes.Config
	closed         bool
}

func (f *fakeClient) Device(name string) (*wgtypes.Device, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.device, nil
}

func (f *fakeClient) ConfigureDevice(name string, cfg wgtypes.Config) error {
	f.configuredName = name
	f.configured = &cfg
	return f.configureErr
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func withFakeClient(t *testing.T, client *fakeClient) {
	t.Helper()
	orig := newClient
	newClient = func() (deviceClient, error) { return client, nil }
	t.Cleanup(func() { newClient = orig })
}

func testKey(t *testing.T) wgtypes.Key {
	t.Helper()
	key, err := wgtypes.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PublicKey()
}

func TestSyncAllowedIPsReplacesPeerList(t *testing.T) {
	key := testKey(t)
	client := &fakeClient{
		device: &wgtypes.Device{
			Name:  "wg1",
			Peers: []wgtypes.Peer{{PublicKey: key}},
		},
	}
	withFakeClient(t, client)

	err := SyncAllowedIPs("wg1", "", []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, discardLogger())
	if err != nil {
		t.Fatalf("SyncAllowedIPs returned error: %v", err)
	}

	if client.configuredName != "wg1" {
		t.Fatalf("configured device %q, want wg1", client.configuredName)
	}
	if !client.closed {
		t.Fatal("client must be closed")
	}

	if len(client.configured.Peers) != 1 {
		t.Fatalf("expected 1 peer config, got %d", len(client.configured.Peers))
	}
	peer := client.configured.Peers[0]
	if peer.PublicKey != key {
		t.Fatal("peer public key mismatch")
	}
	if !peer.ReplaceAllowedIPs || !peer.UpdateOnly {
		t.Fatalf("expected ReplaceAllowedIPs and UpdateOnly, got %+v", peer)
	}
	if client.configured.ReplacePeers {
		t.Fatal("other peers must not be dropped")
	}
	if len(peer.AllowedIPs) != 2 {
		t.Fatalf("expected 2 allowed ips, got %d", len(peer.AllowedIPs))
	}
	if got := peer.AllowedIPs[0].String(); got != "10.0.0.0/24" {
		t.Fatalf("allowed ip 0 = %s, want 10.0.0.0/24", got)
	}
}

func TestSyncAllowedIPsSelectsPeerByKey(t *testing.T) {
	first := testKey(t)
	second := testKey(t)
	client := &fakeClient{
		device: &wgtypes.Device{
			Name:  "wg1",
			Peers: []wgtypes.Peer{{PublicKey: first}, {PublicKey: second}},
		},
	}
	withFakeClient(t, client)

	err := SyncAllowedIPs("wg1", second.String(), []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, discardLogger())
	if err != nil {
		t.Fatalf("SyncAllowedIPs returned error: %v", err)
	}
	if client.configured.Peers[0].PublicKey != second {
		t.Fatal("wrong peer selected")
	}
}

func TestSyncAllowedIPsAmbiguousPeers(t *testing.T) {
	client := &fakeClient{
		device: &wgtypes.Device{
			Name:  "wg1",
			Peers: []wgtypes.Peer{{PublicKey: testKey(t)}, {PublicKey: testKey(t)}},
		},
	}
	withFakeClient(t, client)

	err := SyncAllowedIPs("wg1", "", []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, discardLogger())
	if err == nil {
		t.Fatal("expected error when device has multiple peers and no key is configured")
	}
	if client.configured != nil {
		t.Fatal("device must not be configured on peer selection failure")
	}
}

func TestSyncAllowedIPsNoPeers(t *testing.T) {
	client := &fakeClient{device: &wgtypes.Device{Name: "wg1"}}
	withFakeClient(t, client)

	if err := SyncAllowedIPs("wg1", "", nil, discardLogger()); err == nil {
		t.Fatal("expected error for device without peers")
	}
}

func TestSyncAllowedIPsUnknownPeer(t *testing.T) {
	client := &fakeClient{
		device: &wgtypes.Device{
			Name:  "wg1",
			Peers: []wgtypes.Peer{{PublicKey: testKey(t)}},
		},
	}
	withFakeClient(t, client)

	err := SyncAllowedIPs("wg1", testKey(t).String(), []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, discardLogger())
	if err == nil {
		t.Fatal("expected error for peer not present on the device")
	}
}

func TestSyncAllowedIPsConfigureFailure(t *testing.T) {
	client := &fakeClient{
		device: &wgtypes.Device{
			Name:  "wg1",
			Peers: []wgtypes.Peer{{PublicKey: testKey(t)}},
		},
		configureErr: errors.New("netlink: permission denied"),
	}
	withFakeClient(t, client)

	err := SyncAllowedIPs("wg1", "", []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, discardLogger())
	if err == nil {
		t.Fatal("expected configure error to surface")
	}
	if !client.closed {
		t.Fatal("client must be closed even on failure")
	}
}
