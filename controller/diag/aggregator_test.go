package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licht8/pyWGgen-sub000/controller/execx"
	"github.com/licht8/pyWGgen-sub000/controller/probe"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/controller/wgconf"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

type cannedRunner struct {
	results map[string]execx.Result
}

func (c *cannedRunner) Run(ctx context.Context, name string, args ...string) execx.Result {
	key := strings.Join(append([]string{name}, args...), " ")
	if res, ok := c.results[key]; ok {
		return res
	}
	return execx.Result{Kind: execx.NonZero, Code: 127}
}

func (c *cannedRunner) RunInput(ctx context.Context, stdin string, name string, args ...string) execx.Result {
	return c.Run(ctx, name, args...)
}

type diagFixture struct {
	agg   *Aggregator
	store *store.Store
	now   time.Time
}

func newDiagFixture(t *testing.T, configText string, dump string) *diagFixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(configText), 0600))

	st, err := store.Open(filepath.Join(dir, "users.json"), nil, logger)
	require.NoError(t, err)

	runner := &cannedRunner{results: map[string]execx.Result{
		"wg show wg0 dump": {Kind: execx.Ok, Stdout: dump},
	}}
	prober := &probe.Prober{
		Interface: "wg0",
		VPNPort:   51820,
		Subnet:    "10.66.66.0/24",
		Runner:    runner,
		Logger:    logger,
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := &Aggregator{
		Store:      st,
		Editor:     wgconf.NewEditor(confPath, logger),
		Prober:     prober,
		ListenPort: 51820,
		Now:        func() time.Time { return now },
		Logger:     logger,
	}
	return &diagFixture{agg: agg, store: st, now: now}
}

func (f *diagFixture) putUser(t *testing.T, username, pubkey, addr string, status models.UserStatus, expires time.Time) {
	t.Helper()
	require.NoError(t, f.store.Put(&models.UserRecord{
		Username:  username,
		UserID:    "id-" + username,
		PublicKey: pubkey,
		Address:   addr,
		CreatedAt: f.now.AddDate(0, 0, -10),
		ExpiresAt: expires,
		Status:    status,
	}))
}

const diagHeader = "[Interface]\nPrivateKey = SRVPRIV\nListenPort = 51820\n"

func namedBlock(username, pubkey, addr string, commented bool) string {
	lines := []string{
		"[Peer]",
		"PublicKey = " + pubkey,
		"AllowedIPs = " + addr,
	}
	if commented {
		for i := range lines {
			lines[i] = "# " + lines[i]
		}
	}
	return "\n### Client " + username + "\n" + strings.Join(lines, "\n") + "\n"
}

func dumpLine(pubkey string, handshake int64, rx, tx uint64) string {
	return fmt.Sprintf("%s\t(none)\t(none)\t10.66.66.2/32\t%d\t%d\t%d\toff\n", pubkey, handshake, rx, tx)
}

const dumpHeader = "SRVPRIV\tSRVPUB\t51820\toff\n"

func TestSnapshot_ConsistentUserHasNoDrift(t *testing.T) {
	t.Parallel()

	cfg := diagHeader + namedBlock("alice", "PKA", "10.66.66.2/32", false)
	f := newDiagFixture(t, cfg, dumpHeader+dumpLine("PKA", f0Unix(), 100, 200))
	f.putUser(t, "alice", "PKA", "10.66.66.2/32", models.StatusActive, f.now.AddDate(0, 0, 10))

	snap := f.agg.Snapshot(context.Background())
	require.Len(t, snap.Users, 1)
	row := snap.Users[0]
	assert.Equal(t, "alice", row.Username)
	assert.NotNil(t, row.Record)
	assert.NotNil(t, row.Config)
	assert.NotNil(t, row.Live)
	assert.Empty(t, row.Drift)
	assert.False(t, snap.HasDrift())
}

func f0Unix() int64 {
	return time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC).Unix()
}

func TestSnapshot_DriftFlags(t *testing.T) {
	t.Parallel()

	cfg := diagHeader +
		namedBlock("cfgonly", "PKCFG", "10.66.66.50/32", false) +
		namedBlock("blocked", "PKB", "10.66.66.3/32", false) + // should be commented but is not
		namedBlock("commented", "PKC", "10.66.66.4/32", true) // active yet commented
	dump := dumpHeader + dumpLine("PKLIVE", 0, 0, 0)
	f := newDiagFixture(t, cfg, dump)

	f.putUser(t, "dbonly", "PKDB", "10.66.66.60/32", models.StatusActive, f.now.AddDate(0, 0, 10))
	f.putUser(t, "blocked", "PKB", "10.66.66.3/32", models.StatusBlocked, f.now.AddDate(0, 0, 10))
	f.putUser(t, "commented", "PKC", "10.66.66.4/32", models.StatusActive, f.now.AddDate(0, 0, 10))

	snap := f.agg.Snapshot(context.Background())
	byName := map[string]models.UserDiagnostic{}
	var liveOnly *models.UserDiagnostic
	for i, row := range snap.Users {
		if row.Username == "" {
			liveOnly = &snap.Users[i]
			continue
		}
		byName[row.Username] = row
	}

	assert.Contains(t, byName["dbonly"].Drift, models.DriftDBWithoutConfig)
	assert.Contains(t, byName["dbonly"].Drift, models.DriftActiveButMissing)
	assert.Equal(t, []models.DriftFlag{models.DriftConfigWithoutDB}, byName["cfgonly"].Drift)
	assert.Equal(t, []models.DriftFlag{models.DriftBlockedButPresent}, byName["blocked"].Drift)
	assert.Equal(t, []models.DriftFlag{models.DriftActiveButMissing}, byName["commented"].Drift)

	require.NotNil(t, liveOnly, "an unknown live peer must appear as its own row")
	assert.Equal(t, []models.DriftFlag{models.DriftLiveWithoutDB}, liveOnly.Drift)
	assert.Equal(t, "PKLIVE", liveOnly.Live.PublicKey)

	assert.True(t, snap.HasDrift())
}

func TestSnapshot_LazyExpiryDisplay(t *testing.T) {
	t.Parallel()

	cfg := diagHeader + namedBlock("alice", "PKA", "10.66.66.2/32", false)
	f := newDiagFixture(t, cfg, dumpHeader)
	f.putUser(t, "alice", "PKA", "10.66.66.2/32", models.StatusActive, f.now.AddDate(0, 0, -1))

	snap := f.agg.Snapshot(context.Background())
	require.Len(t, snap.Users, 1)
	assert.Equal(t, models.StatusExpired, snap.Users[0].Record.Status,
		"a lapsed active user reports as expired before any sweep")
	assert.Contains(t, snap.Users[0].Drift, models.DriftBlockedButPresent)

	// The durable record is untouched; only the sweep transitions it.
	stored, _ := f.store.Get("alice")
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestSnapshot_DeterministicOrder(t *testing.T) {
	t.Parallel()

	cfg := diagHeader +
		namedBlock("zeta", "PKZ", "10.66.66.5/32", false) +
		namedBlock("alpha", "PKA", "10.66.66.2/32", false)
	f := newDiagFixture(t, cfg, dumpHeader)
	f.putUser(t, "zeta", "PKZ", "10.66.66.5/32", models.StatusActive, f.now.AddDate(0, 0, 10))
	f.putUser(t, "alpha", "PKA", "10.66.66.6/32", models.StatusActive, f.now.AddDate(0, 0, 10))

	first := f.agg.Snapshot(context.Background())
	second := f.agg.Snapshot(context.Background())

	var names []string
	for _, row := range first.Users {
		names = append(names, row.Username)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)

	var again []string
	for _, row := range second.Users {
		again = append(again, row.Username)
	}
	assert.Equal(t, names, again)
}

func TestSnapshot_PersistsCountersWithRebase(t *testing.T) {
	t.Parallel()

	cfg := diagHeader + namedBlock("alice", "PKA", "10.66.66.2/32", false)
	f := newDiagFixture(t, cfg, dumpHeader+dumpLine("PKA", f0Unix(), 500, 300))
	f.agg.PersistCounters = true
	f.putUser(t, "alice", "PKA", "10.66.66.2/32", models.StatusActive, f.now.AddDate(0, 0, 10))

	f.agg.Snapshot(context.Background())
	rec, _ := f.store.Get("alice")
	assert.Equal(t, uint64(500), rec.TotalReceived)
	assert.Equal(t, uint64(300), rec.TotalSent)
	require.NotNil(t, rec.LastHandshake)

	// The daemon restarted: raw counters rewound. Totals must not.
	f.agg.Prober.Runner.(*cannedRunner).results["wg show wg0 dump"] =
		execx.Result{Kind: execx.Ok, Stdout: dumpHeader + dumpLine("PKA", f0Unix(), 40, 10)}
	f.agg.Snapshot(context.Background())

	rec, _ = f.store.Get("alice")
	assert.Equal(t, uint64(540), rec.TotalReceived)
	assert.Equal(t, uint64(310), rec.TotalSent)
}

func TestSnapshot_ProbeFailuresDegrade(t *testing.T) {
	t.Parallel()

	cfg := diagHeader + namedBlock("alice", "PKA", "10.66.66.2/32", false)
	f := newDiagFixture(t, cfg, "")
	// Every probe command fails; the canned runner knows none of them.
	f.agg.Prober.Runner.(*cannedRunner).results = map[string]execx.Result{}
	f.putUser(t, "alice", "PKA", "10.66.66.2/32", models.StatusActive, f.now.AddDate(0, 0, 10))

	snap := f.agg.Snapshot(context.Background())
	assert.NotEmpty(t, snap.ProbeErrors)
	require.Len(t, snap.Users, 1, "the DB/CFG join still happens without live data")
	assert.Empty(t, snap.Users[0].Drift)
}

func TestSnapshot_BootstrapPortMismatch(t *testing.T) {
	t.Parallel()

	cfg := "[Interface]\nPrivateKey = SRVPRIV\nListenPort = 4444\n"
	f := newDiagFixture(t, cfg, dumpHeader)

	snap := f.agg.Snapshot(context.Background())
	found := false
	for _, perr := range snap.ProbeErrors {
		if strings.Contains(perr, "disagrees") {
			found = true
		}
	}
	assert.True(t, found, "port mismatch must be reported: %v", snap.ProbeErrors)
}

func TestSnapshot_Totals(t *testing.T) {
	t.Parallel()

	cfg := diagHeader +
		namedBlock("alice", "PKA", "10.66.66.2/32", false) +
		namedBlock("bob", "PKB", "10.66.66.3/32", true)
	f := newDiagFixture(t, cfg, dumpHeader+dumpLine("PKA", f0Unix(), 1, 1))
	f.putUser(t, "alice", "PKA", "10.66.66.2/32", models.StatusActive, f.now.AddDate(0, 0, 10))
	f.putUser(t, "bob", "PKB", "10.66.66.3/32", models.StatusBlocked, f.now.AddDate(0, 0, 10))

	snap := f.agg.Snapshot(context.Background())
	assert.Equal(t, 2, snap.Totals.DatabaseUsers)
	assert.Equal(t, 2, snap.Totals.ConfiguredPeers)
	assert.Equal(t, 1, snap.Totals.LivePeers)
	assert.Equal(t, 1, snap.Totals.BlockedUsers)
}
