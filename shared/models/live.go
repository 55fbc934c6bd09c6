package models

import "time"

// InterfaceState is the live status of a WireGuard interface.
type InterfaceState struct {
	Name          string `json:"name"`
	ServiceActive bool   `json:"service_active"`
	LinkUp        bool   `json:"link_up"`
	ListenPort    int    `json:"listen_port"`
	PeerCount     int    `json:"peer_count"`
}

// PeerState is the live state of a single peer as reported by the daemon.
// A nil LatestHandshake means the peer has never completed a handshake.
type PeerState struct {
	PublicKey       string     `json:"public_key"`
	PresharedKeySet bool       `json:"preshared_key_set"`
	Endpoint        string     `json:"endpoint,omitempty"`
	AllowedIPs      []string   `json:"allowed_ips"`
	LatestHandshake *time.Time `json:"latest_handshake,omitempty"`
	ReceiveBytes    uint64     `json:"rx_bytes"`
	TransmitBytes   uint64     `json:"tx_bytes"`
	Keepalive       int        `json:"keepalive"` // seconds, 0 = off
}

// LiveState is the transient runtime view of the VPN daemon.
type LiveState struct {
	Interface InterfaceState       `json:"interface"`
	Peers     map[string]PeerState `json:"peers"` // keyed by public key
}

// FirewallState describes the host firewall posture around the VPN port.
type FirewallState struct {
	Zone        string   `json:"zone,omitempty"`
	OpenPorts   []string `json:"open_ports,omitempty"`
	VPNPortOpen bool     `json:"vpn_port_open"`
}

// NATState carries the four independent forwarding/masquerade signals.
type NATState struct {
	IPForwarding        bool `json:"ip_forwarding"`
	MasqueradeIPTables  bool `json:"masquerade_iptables"`
	MasqueradeNFTables  bool `json:"masquerade_nftables"`
	MasqueradeFirewalld bool `json:"masquerade_firewalld"`
}

// OK reports whether traffic from the VPN subnet can reach the outside
// world: forwarding must be on and at least one masquerade rule present.
func (n *NATState) OK() bool {
	return n.IPForwarding &&
		(n.MasqueradeIPTables || n.MasqueradeNFTables || n.MasqueradeFirewalld)
}
