package probe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// ParseDump parses `wg show <iface> dump` output. The first line describes
// the interface; each peer line carries eight tab-separated fields:
// public-key, preshared-key, endpoint, allowed-ips, latest-handshake,
// rx-bytes, tx-bytes, keepalive. A handshake of 0 means never.
func ParseDump(out string) (map[string]models.PeerState, error) {
	peers := make(map[string]models.PeerState)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return peers, nil
	}
	for i, line := range lines {
		if i == 0 {
			continue // interface line
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("malformed dump line %d: %q", i+1, line)
		}
		state := models.PeerState{
			PublicKey:       fields[0],
			PresharedKeySet: fields[1] != "(none)",
		}
		if fields[2] != "(none)" {
			state.Endpoint = fields[2]
		}
		if fields[3] != "(none)" {
			for _, ip := range strings.Split(fields[3], ",") {
				state.AllowedIPs = append(state.AllowedIPs, strings.TrimSpace(ip))
			}
		}
		if sec, err := strconv.ParseInt(fields[4], 10, 64); err == nil && sec > 0 {
			t := time.Unix(sec, 0).UTC()
			state.LatestHandshake = &t
		}
		state.ReceiveBytes, _ = strconv.ParseUint(fields[5], 10, 64)
		state.TransmitBytes, _ = strconv.ParseUint(fields[6], 10, 64)
		if fields[7] != "off" {
			state.Keepalive, _ = strconv.Atoi(fields[7])
		}
		peers[state.PublicKey] = state
	}
	return peers, nil
}
