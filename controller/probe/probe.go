// Package probe collects live runtime state from the VPN daemon and the
// operating system. All probes are read-only, bounded by the runner's
// timeout, and degrade to partial results instead of failing: the caller
// collects the returned errors into the snapshot's probe_errors list.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/licht8/pyWGgen-sub000/controller/execx"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// DeviceSource is the wgctrl surface the prober needs. *wgctrl.Client
// satisfies it; tests substitute a fake.
type DeviceSource interface {
	Devices() ([]*wgtypes.Device, error)
	Device(name string) (*wgtypes.Device, error)
}

// Prober queries the daemon and the host. A nil Devices source makes the
// prober fall back to parsing `wg show <iface> dump`.
type Prober struct {
	Interface string
	VPNPort   int
	Subnet    string
	Devices   DeviceSource
	Runner    execx.Runner
	Logger    *slog.Logger
}

// Interfaces lists the WireGuard interfaces known to the daemon.
func (p *Prober) Interfaces(ctx context.Context) ([]string, error) {
	if p.Devices != nil {
		devices, err := p.Devices.Devices()
		if err == nil {
			names := make([]string, 0, len(devices))
			for _, d := range devices {
				names = append(names, d.Name)
			}
			return names, nil
		}
		p.Logger.Debug("wgctrl unavailable, falling back to wg show", "error", err)
	}
	res := p.Runner.Run(ctx, "wg", "show", "interfaces")
	if !res.OK() {
		return nil, fmt.Errorf("wg show interfaces: %s", res.Kind)
	}
	return strings.Fields(res.Stdout), nil
}

// InterfaceStatus reports service, link, and listen-port state for the
// configured interface.
func (p *Prober) InterfaceStatus(ctx context.Context) (models.InterfaceState, []string) {
	state := models.InterfaceState{Name: p.Interface}
	var errs []string

	res := p.Runner.Run(ctx, "systemctl", "is-active", "wg-quick@"+p.Interface)
	// systemctl exits nonzero for every state but "active"; that is not a
	// probe failure.
	state.ServiceActive = strings.TrimSpace(res.Stdout) == "active"
	if res.Kind == execx.Timeout {
		errs = append(errs, "systemctl is-active: timeout")
	}

	up, err := linkUp(p.Interface)
	if err != nil {
		errs = append(errs, fmt.Sprintf("link state: %v", err))
	}
	state.LinkUp = up

	peers, err := p.Peers(ctx)
	if err != nil {
		errs = append(errs, err.Error())
	} else {
		state.PeerCount = len(peers)
	}
	if port, err := p.listenPort(ctx); err != nil {
		errs = append(errs, err.Error())
	} else {
		state.ListenPort = port
	}
	return state, errs
}

func (p *Prober) listenPort(ctx context.Context) (int, error) {
	if p.Devices != nil {
		if d, err := p.Devices.Device(p.Interface); err == nil {
			return d.ListenPort, nil
		}
	}
	res := p.Runner.Run(ctx, "wg", "show", p.Interface, "listen-port")
	if !res.OK() {
		return 0, fmt.Errorf("wg show listen-port: %s", res.Kind)
	}
	port, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("wg show listen-port: %w", err)
	}
	return port, nil
}

// linkUp checks the IFF_UP flag through sysfs; operstate is useless here
// because wireguard links report "unknown" even when up.
func linkUp(iface string) (bool, error) {
	data, err := os.ReadFile("/sys/class/net/" + iface + "/flags")
	if err != nil {
		return false, err
	}
	flags, err := strconv.ParseInt(strings.TrimSpace(string(data)), 0, 64)
	if err != nil {
		return false, err
	}
	return flags&0x1 != 0, nil
}

// Peers returns the live peer set keyed by public key.
func (p *Prober) Peers(ctx context.Context) (map[string]models.PeerState, error) {
	if p.Devices != nil {
		if d, err := p.Devices.Device(p.Interface); err == nil {
			return peersFromDevice(d), nil
		}
	}
	res := p.Runner.Run(ctx, "wg", "show", p.Interface, "dump")
	if !res.OK() {
		return nil, fmt.Errorf("wg show dump: %s: %s", res.Kind, strings.TrimSpace(res.Stderr))
	}
	peers, err := ParseDump(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("wg show dump: %w", err)
	}
	return peers, nil
}

func peersFromDevice(d *wgtypes.Device) map[string]models.PeerState {
	out := make(map[string]models.PeerState, len(d.Peers))
	for _, peer := range d.Peers {
		state := models.PeerState{
			PublicKey:       peer.PublicKey.String(),
			PresharedKeySet: peer.PresharedKey != (wgtypes.Key{}),
			ReceiveBytes:    uint64(peer.ReceiveBytes),
			TransmitBytes:   uint64(peer.TransmitBytes),
			Keepalive:       int(peer.PersistentKeepaliveInterval.Seconds()),
		}
		if peer.Endpoint != nil {
			state.Endpoint = peer.Endpoint.String()
		}
		for _, ipn := range peer.AllowedIPs {
			state.AllowedIPs = append(state.AllowedIPs, ipn.String())
		}
		if !peer.LastHandshakeTime.IsZero() {
			t := peer.LastHandshakeTime.UTC()
			state.LatestHandshake = &t
		}
		out[state.PublicKey] = state
	}
	return out
}

// Firewall reports the host firewall posture around the VPN port.
func (p *Prober) Firewall(ctx context.Context) (*models.FirewallState, error) {
	zone := p.Runner.Run(ctx, "firewall-cmd", "--get-default-zone")
	if !zone.OK() {
		return nil, fmt.Errorf("firewall-cmd --get-default-zone: %s", zone.Kind)
	}
	state := &models.FirewallState{Zone: strings.TrimSpace(zone.Stdout)}

	ports := p.Runner.Run(ctx, "firewall-cmd", "--list-ports")
	if ports.OK() {
		state.OpenPorts = strings.Fields(ports.Stdout)
		want := fmt.Sprintf("%d/udp", p.VPNPort)
		for _, open := range state.OpenPorts {
			if open == want {
				state.VPNPortOpen = true
			}
		}
	}
	return state, nil
}

// NAT probes the four forwarding/masquerade signals across the rule
// systems that may be active on the host.
func (p *Prober) NAT(ctx context.Context) (*models.NATState, error) {
	state := &models.NATState{}
	var firstErr error

	fwd := p.Runner.Run(ctx, "sysctl", "-n", "net.ipv4.ip_forward")
	if fwd.OK() {
		state.IPForwarding = strings.TrimSpace(fwd.Stdout) == "1"
	} else if data, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward"); err == nil {
		state.IPForwarding = strings.TrimSpace(string(data)) == "1"
	} else {
		firstErr = fmt.Errorf("ip_forward: %s", fwd.Kind)
	}

	ipt := p.Runner.Run(ctx, "iptables", "-t", "nat", "-S", "POSTROUTING")
	if ipt.OK() {
		state.MasqueradeIPTables = strings.Contains(ipt.Stdout, "MASQUERADE") &&
			(p.Subnet == "" || strings.Contains(ipt.Stdout, p.Subnet))
	}

	nft := p.Runner.Run(ctx, "nft", "list", "ruleset")
	if nft.OK() {
		state.MasqueradeNFTables = strings.Contains(nft.Stdout, "masquerade")
	}

	fwm := p.Runner.Run(ctx, "firewall-cmd", "--query-masquerade")
	if fwm.OK() {
		state.MasqueradeFirewalld = strings.TrimSpace(fwm.Stdout) == "yes"
	}

	return state, firstErr
}
