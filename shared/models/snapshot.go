package models

import "time"

// DriftFlag marks a disagreement between the user store, the on-disk
// server configuration, and the running daemon for a single identity.
type DriftFlag string

const (
	DriftDBWithoutConfig   DriftFlag = "db_without_cfg"
	DriftConfigWithoutDB   DriftFlag = "cfg_without_db"
	DriftLiveWithoutDB     DriftFlag = "live_without_db"
	DriftBlockedButPresent DriftFlag = "blocked_but_present"
	DriftActiveButMissing  DriftFlag = "active_but_missing"
)

// ConfigPeer is a named peer block parsed from the server configuration.
type ConfigPeer struct {
	Username   string   `json:"username"`
	PublicKey  string   `json:"public_key,omitempty"`
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	Commented  bool     `json:"commented"`
}

// UserDiagnostic joins one identity across the three data planes. Any of
// the three sides may be absent.
type UserDiagnostic struct {
	Username string      `json:"username"`
	Record   *UserRecord `json:"record,omitempty"`
	Config   *ConfigPeer `json:"config,omitempty"`
	Live     *PeerState  `json:"live,omitempty"`
	Drift    []DriftFlag `json:"drift,omitempty"`
}

// SnapshotTotals are the aggregate counters of a diagnostic snapshot.
type SnapshotTotals struct {
	ConfiguredPeers int `json:"configured_peers"`
	LivePeers       int `json:"live_peers"`
	DatabaseUsers   int `json:"database_users"`
	BlockedUsers    int `json:"blocked_users"`
}

// DiagnosticSnapshot is the immutable join produced by the diagnostics
// aggregator at a point in time. Probe failures degrade to nil sections
// plus entries in ProbeErrors; they never abort the aggregation.
type DiagnosticSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Hostname      string          `json:"hostname"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Interface     *InterfaceState `json:"interface,omitempty"`
	Firewall      *FirewallState  `json:"firewall,omitempty"`
	NAT           *NATState       `json:"nat,omitempty"`
	Users         []UserDiagnostic `json:"users"`
	Totals        SnapshotTotals   `json:"totals"`
	ProbeErrors   []string         `json:"probe_errors,omitempty"`
}

// HasDrift reports whether any user row carries at least one drift flag.
func (s *DiagnosticSnapshot) HasDrift() bool {
	for _, u := range s.Users {
		if len(u.Drift) > 0 {
			return true
		}
	}
	return false
}
