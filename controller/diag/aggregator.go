// Package diag joins the three data planes (the user store, the on-disk
// server configuration, and the live daemon) into one consistent
// snapshot. Drift between the planes is reported, never repaired.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/licht8/pyWGgen-sub000/controller/probe"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/controller/wgconf"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// Aggregator builds diagnostic snapshots. When PersistCounters is set,
// each snapshot also folds the live byte counters back into the user
// records (rebase-on-reset) and persists them.
type Aggregator struct {
	Store           *store.Store
	Editor          *wgconf.Editor
	Prober          *probe.Prober
	ListenPort      int
	PersistCounters bool
	Now             func() time.Time
	Logger          *slog.Logger
}

// Snapshot joins DB, CFG, and LIVE at this instant. Probe failures land in
// ProbeErrors; the join itself never fails.
func (a *Aggregator) Snapshot(ctx context.Context) *models.DiagnosticSnapshot {
	now := a.Now().UTC()
	snap := &models.DiagnosticSnapshot{Timestamp: now}
	snap.Hostname, _ = os.Hostname()
	snap.UptimeSeconds = hostUptime()

	records := a.Store.List(func(r *models.UserRecord) bool { return !r.Deleted() })

	cfgPeers, err := a.Editor.Peers()
	if err != nil {
		snap.ProbeErrors = append(snap.ProbeErrors, fmt.Sprintf("server config: %v", err))
	}
	a.checkBootstrap(snap)

	ifaceState, ifaceErrs := a.Prober.InterfaceStatus(ctx)
	snap.Interface = &ifaceState
	snap.ProbeErrors = append(snap.ProbeErrors, ifaceErrs...)

	live, err := a.Prober.Peers(ctx)
	if err != nil {
		snap.ProbeErrors = append(snap.ProbeErrors, err.Error())
		live = nil
	}

	if fw, err := a.Prober.Firewall(ctx); err != nil {
		snap.ProbeErrors = append(snap.ProbeErrors, err.Error())
	} else {
		snap.Firewall = fw
	}
	if nat, err := a.Prober.NAT(ctx); err != nil {
		snap.ProbeErrors = append(snap.ProbeErrors, err.Error())
		// A partial NAT probe still carries signal.
		if nat != nil {
			snap.NAT = nat
		}
	} else {
		snap.NAT = nat
	}

	snap.Users = a.join(records, cfgPeers, live, now)
	snap.Totals = models.SnapshotTotals{
		ConfiguredPeers: len(cfgPeers),
		LivePeers:       len(live),
	}
	for _, rec := range records {
		snap.Totals.DatabaseUsers++
		if rec.Status == models.StatusBlocked || rec.Status == models.StatusExpired {
			snap.Totals.BlockedUsers++
		}
	}

	if a.PersistCounters {
		a.persistCounters(records, live)
	}
	return snap
}

// join produces one row per identity known to any of the three planes,
// with drift flags.
func (a *Aggregator) join(records []*models.UserRecord, cfgPeers []models.ConfigPeer, live map[string]models.PeerState, now time.Time) []models.UserDiagnostic {
	cfgByName := make(map[string]*models.ConfigPeer, len(cfgPeers))
	for i := range cfgPeers {
		cfgByName[cfgPeers[i].Username] = &cfgPeers[i]
	}
	knownKeys := make(map[string]bool, len(records))

	var rows []models.UserDiagnostic
	for _, rec := range records {
		cp := *rec
		if cp.ExpiredBy(now) {
			// Lazy expiry: reported here, marked durable by the next sweep.
			cp.Status = models.StatusExpired
		}
		knownKeys[cp.PublicKey] = true

		row := models.UserDiagnostic{Username: cp.Username, Record: &cp}
		if cfg, ok := cfgByName[cp.Username]; ok {
			row.Config = cfg
		}
		if ls, ok := live[cp.PublicKey]; ok {
			lsCopy := ls
			row.Live = &lsCopy
		}
		row.Drift = driftFor(&cp, row.Config)
		rows = append(rows, row)
	}

	for i := range cfgPeers {
		cfg := &cfgPeers[i]
		found := false
		for _, rec := range records {
			if rec.Username == cfg.Username {
				found = true
				break
			}
		}
		if !found {
			rows = append(rows, models.UserDiagnostic{
				Username: cfg.Username,
				Config:   cfg,
				Drift:    []models.DriftFlag{models.DriftConfigWithoutDB},
			})
		}
	}

	for key, ls := range live {
		if knownKeys[key] {
			continue
		}
		lsCopy := ls
		rows = append(rows, models.UserDiagnostic{
			Live:  &lsCopy,
			Drift: []models.DriftFlag{models.DriftLiveWithoutDB},
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Username != rows[j].Username {
			return rows[i].Username < rows[j].Username
		}
		return liveKey(rows[i].Live) < liveKey(rows[j].Live)
	})
	return rows
}

func liveKey(ls *models.PeerState) string {
	if ls == nil {
		return ""
	}
	return ls.PublicKey
}

func driftFor(rec *models.UserRecord, cfg *models.ConfigPeer) []models.DriftFlag {
	var flags []models.DriftFlag
	switch {
	case cfg == nil:
		flags = append(flags, models.DriftDBWithoutConfig)
		if rec.Status == models.StatusActive {
			flags = append(flags, models.DriftActiveButMissing)
		}
	case rec.Status == models.StatusActive && cfg.Commented:
		flags = append(flags, models.DriftActiveButMissing)
	case (rec.Status == models.StatusBlocked || rec.Status == models.StatusExpired) && !cfg.Commented:
		flags = append(flags, models.DriftBlockedButPresent)
	}
	return flags
}

func (a *Aggregator) persistCounters(records []*models.UserRecord, live map[string]models.PeerState) {
	for _, rec := range records {
		ls, ok := live[rec.PublicKey]
		if !ok {
			continue
		}
		changed := ls.ReceiveBytes != rec.SessionReceived || ls.TransmitBytes != rec.SessionSent
		rec.ApplyCounters(ls.ReceiveBytes, ls.TransmitBytes)
		if ls.LatestHandshake != nil {
			if rec.LastHandshake == nil || ls.LatestHandshake.After(*rec.LastHandshake) {
				rec.LastHandshake = ls.LatestHandshake
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := a.Store.Put(rec); err != nil {
			a.Logger.Warn("persisting traffic counters failed", "user", rec.Username, "error", err)
		}
	}
}

// checkBootstrap verifies the server config looks like a provisioned
// daemon configuration: an [Interface] section whose ListenPort agrees
// with the configured endpoint.
func (a *Aggregator) checkBootstrap(snap *models.DiagnosticSnapshot) {
	port, ok, err := a.Editor.ServerInterface()
	if err != nil {
		return
	}
	if !ok {
		snap.ProbeErrors = append(snap.ProbeErrors, "server config has no [Interface] section")
		return
	}
	if a.ListenPort != 0 && port != 0 && port != a.ListenPort {
		snap.ProbeErrors = append(snap.ProbeErrors,
			fmt.Sprintf("server config ListenPort %d disagrees with endpoint port %d", port, a.ListenPort))
	}
}

func hostUptime() int64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	sec, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(sec)
}
