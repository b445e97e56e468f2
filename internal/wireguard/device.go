// Package wireguard applies the final rule set to a WireGuard peer: first to
// the live device through the kernel control interface, then to the wg-quick
// config file so the rules survive an interface restart. The live sync runs
// first; if it fails, neither the device nor the file changes.
package wireguard

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// deviceClient is the subset of *wgctrl.Client the syncer needs; tests
// substitute a fake.
type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

var newClient = func() (deviceClient, error) {
	return wgctrl.New()
}

// SyncAllowedIPs replaces the allowed-IP list of the selected peer on the
// running device. The kernel applies the replacement as a unit, so a failure
// leaves the previous configuration active.
func SyncAllowedIPs(device string, peerPublicKey string, prefixes []netip.Prefix, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("open wireguard control interface: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(device)
	if err != nil {
		return fmt.Errorf("read device %s: %w", device, err)
	}

	peer, err := selectPeer(dev, peerPublicKey)
	if err != nil {
		return err
	}

	allowed := make([]net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		allowed = append(allowed, net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         peer.PublicKey,
			UpdateOnly:        true,
			ReplaceAllowedIPs: true,
			AllowedIPs:        allowed,
		}},
	}

	if err := client.ConfigureDevice(device, cfg); err != nil {
		return fmt.Errorf("configure device %s: %w", device, err)
	}

	logger.Info("allowed ips replaced on device",
		slog.String("device", device),
		slog.String("peer", peer.PublicKey.String()),
		slog.Int("prefixes", len(allowed)),
	)
	return nil
}

func selectPeer(dev *wgtypes.Device, publicKey string) (*wgtypes.Peer, error) {
	if len(dev.Peers) == 0 {
		return nil, fmt.Errorf("device %s has no peers", dev.Name)
	}

	if publicKey == "" {
		if len(dev.Peers) > 1 {
			return nil, fmt.Errorf("device %s has %d peers; set peer_public_key to choose one", dev.Name, len(dev.Peers))
		}
		return &dev.Peers[0], nil
	}

	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	for i := range dev.Peers {
		if dev.Peers[i].PublicKey == key {
			return &dev.Peers[i], nil
		}
	}
	return nil, fmt.Errorf("peer %s not found on device %s", publicKey, dev.Name)
}
