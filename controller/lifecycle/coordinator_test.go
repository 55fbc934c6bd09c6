package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licht8/pyWGgen-sub000/controller/config"
	"github.com/licht8/pyWGgen-sub000/controller/render"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/controller/wgconf"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

// countingReloader records reload invocations and can be told to fail.
type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

type fixture struct {
	cfg      *config.Config
	store    *store.Store
	editor   *wgconf.Editor
	reloader *countingReloader
	coord    *Coordinator
	now      time.Time
	confPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.ServerPublicKey = "SERVERPUB"
	cfg.Endpoint = "vpn.example.com:51820"
	cfg.Subnet = "10.66.66.0/24"
	cfg.DefaultLifetimeDays = 30
	cfg.StorePath = filepath.Join(dir, "users.json")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	cfg.ServerConfigPath = filepath.Join(dir, "wg0.conf")
	cfg.ArtifactDir = filepath.Join(dir, "clients")
	cfg.ArchiveDir = filepath.Join(dir, "clients", "archive")

	header := "[Interface]\nPrivateKey = SRVPRIV\nAddress = 10.66.66.1/24\nListenPort = 51820\n"
	require.NoError(t, os.WriteFile(cfg.ServerConfigPath, []byte(header), 0600))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(cfg.StorePath, cfg.SubnetNet(), logger)
	require.NoError(t, err)
	journal, err := store.OpenJournal(cfg.JournalPath)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	editor := wgconf.NewEditor(cfg.ServerConfigPath, logger)
	reloader := &countingReloader{}
	renderer := render.NewRenderer(cfg, logger)

	coord := New(cfg, st, editor, reloader, renderer, journal, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	coord.SetClock(func() time.Time { return now })

	return &fixture{
		cfg:      cfg,
		store:    st,
		editor:   editor,
		reloader: reloader,
		coord:    coord,
		now:      now,
		confPath: cfg.ServerConfigPath,
	}
}

func (f *fixture) configText(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.confPath)
	require.NoError(t, err)
	return string(data)
}

func TestCreate_ProvisionsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, "10.66.66.2/32", rec.Address)
	assert.NotEmpty(t, rec.PublicKey)
	assert.NotEmpty(t, rec.PresharedKey)
	assert.Equal(t, f.now.AddDate(0, 0, 30), rec.ExpiresAt)
	assert.Equal(t, 1, f.reloader.calls)

	stored, ok := f.store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, rec.PublicKey, stored.PublicKey)

	content := f.configText(t)
	assert.Contains(t, content, "### Client alice")
	assert.Contains(t, content, "PublicKey = "+rec.PublicKey)

	require.NotEmpty(t, rec.ClientConfigPath)
	conf, err := os.ReadFile(rec.ClientConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(conf), "Address    = 10.66.66.2/32")
	_, err = os.Stat(rec.QRPath)
	assert.NoError(t, err)
}

func TestCreate_SequentialAddresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)
	b, err := f.coord.Create(context.Background(), CreateRequest{Username: "bob"})
	require.NoError(t, err)

	assert.Equal(t, "10.66.66.2/32", a.Address)
	assert.Equal(t, "10.66.66.3/32", b.Address)
}

func TestCreate_DuplicateUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)

	_, err = f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreate_NamedBlockWithoutRecordStillClashes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.editor.AddPeer("ghost", "GHOSTKEY", "GHOSTPSK", "10.66.66.9/32"))

	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "ghost"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestCreate_InvalidUsername(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "no spaces"})
	assert.Error(t, err)
	assert.Equal(t, 0, f.reloader.calls)
}

func TestCreate_ReloadFailureRollsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := f.configText(t)
	f.reloader.err = errors.New("syncconf failed")

	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.Error(t, err)

	_, ok := f.store.Get("alice")
	assert.False(t, ok, "store write must be reverted")
	assert.Equal(t, strings.TrimRight(before, "\n"), strings.TrimRight(f.configText(t), "\n"),
		"config edit must be reverted")
}

func TestCreate_SkipsAddressesHeldOnlyInConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// A foreign peer holds .2 without any store record.
	foreign := f.configText(t) + "\n[Peer]\nPublicKey = FOREIGN\nAllowedIPs = 10.66.66.2/32\n"
	require.NoError(t, os.WriteFile(f.confPath, []byte(foreign), 0600))

	rec, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "10.66.66.3/32", rec.Address)
}

func TestBlockUnblock_RoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)

	require.NoError(t, f.coord.Block(context.Background(), "alice"))
	rec, _ := f.store.Get("alice")
	assert.Equal(t, models.StatusBlocked, rec.Status)
	assert.Contains(t, f.configText(t), "# [Peer]")
	assert.Equal(t, 2, f.reloader.calls)

	assert.ErrorIs(t, f.coord.Block(context.Background(), "alice"), ErrNotActive)

	require.NoError(t, f.coord.Unblock(context.Background(), "alice"))
	rec, _ = f.store.Get("alice")
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.NotContains(t, f.configText(t), "# [Peer]")
	assert.Equal(t, 3, f.reloader.calls)

	assert.ErrorIs(t, f.coord.Unblock(context.Background(), "alice"), ErrNotBlocked)
}

func TestBlock_UnknownUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.ErrorIs(t, f.coord.Block(context.Background(), "nobody"), store.ErrUnknownUser)
}

func TestDelete_SoftDeletePreservesAuditStub(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)

	require.NoError(t, f.coord.Delete(context.Background(), "alice"))

	rec, ok := f.store.Get("alice")
	require.True(t, ok, "a soft-deleted record remains visible")
	assert.Equal(t, models.StatusDeleted, rec.Status)
	require.NotNil(t, rec.DeletedAt)
	assert.Empty(t, rec.PublicKey)
	assert.Empty(t, rec.PresharedKey)
	assert.Equal(t, created.Address, rec.Address)
	assert.Equal(t, created.UserID, rec.UserID)

	assert.NotContains(t, f.configText(t), "### Client alice")

	// Artifacts moved to the archive.
	_, err = os.Stat(created.ClientConfigPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.cfg.ArchiveDir, "alice.conf"))
	assert.NoError(t, err)

	// Deleting again is a no-op.
	require.NoError(t, f.coord.Delete(context.Background(), "alice"))
}

func TestDelete_FreesAddressForReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, f.coord.Delete(context.Background(), "alice"))

	b, err := f.coord.Create(context.Background(), CreateRequest{Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, a.Address, b.Address)
}

func TestExtendAndReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice", LifetimeDays: 10})
	require.NoError(t, err)

	require.NoError(t, f.coord.Extend(context.Background(), "alice", 5))
	got, _ := f.store.Get("alice")
	assert.Equal(t, rec.ExpiresAt.AddDate(0, 0, 5), got.ExpiresAt)

	require.NoError(t, f.coord.Reset(context.Background(), "alice", 7))
	got, _ = f.store.Get("alice")
	assert.Equal(t, f.now.AddDate(0, 0, 7), got.ExpiresAt)
}

func TestSweep_SingleReloadForManyUsers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice", LifetimeDays: 1})
	require.NoError(t, err)
	_, err = f.coord.Create(context.Background(), CreateRequest{Username: "bob", LifetimeDays: 1})
	require.NoError(t, err)
	_, err = f.coord.Create(context.Background(), CreateRequest{Username: "carol", LifetimeDays: 90})
	require.NoError(t, err)
	reloadsAfterCreate := f.reloader.calls

	f.coord.SetClock(func() time.Time { return f.now.AddDate(0, 0, 2) })

	expired, err := f.coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.Equal(t, reloadsAfterCreate+1, f.reloader.calls, "one reload regardless of how many lapsed")

	for _, name := range []string{"alice", "bob"} {
		rec, _ := f.store.Get(name)
		assert.Equal(t, models.StatusExpired, rec.Status)
	}
	carol, _ := f.store.Get("carol")
	assert.Equal(t, models.StatusActive, carol.Status)

	// Nothing left to do; no reload either.
	expired, err = f.coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, reloadsAfterCreate+1, f.reloader.calls)
}

func TestSweep_ExpiredUserCanBeUnblocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice", LifetimeDays: 1})
	require.NoError(t, err)

	f.coord.SetClock(func() time.Time { return f.now.AddDate(0, 0, 2) })
	_, err = f.coord.Sweep(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.coord.Unblock(context.Background(), "alice"))
	rec, _ := f.store.Get("alice")
	assert.Equal(t, models.StatusActive, rec.Status)
}

func TestRotate_IssuesFreshIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)

	after, err := f.coord.Rotate(context.Background(), "alice")
	require.NoError(t, err)

	assert.NotEqual(t, before.PublicKey, after.PublicKey)
	assert.NotEqual(t, before.PresharedKey, after.PresharedKey)
	assert.Equal(t, before.Address, after.Address, "the address survives rotation")

	content := f.configText(t)
	assert.Contains(t, content, after.PublicKey)
	assert.NotContains(t, content, before.PublicKey)
}

func TestRotate_RequiresActiveUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.Create(context.Background(), CreateRequest{Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, f.coord.Block(context.Background(), "alice"))

	_, err = f.coord.Rotate(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotActive)
}
