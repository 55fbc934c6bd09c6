package store

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSubnet(t *testing.T) *net.IPNet {
	t.Helper()
	_, subnet, err := net.ParseCIDR("10.66.66.0/24")
	require.NoError(t, err)
	return subnet
}

func testRecord(username, pubkey, address string) *models.UserRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.UserRecord{
		Username:  username,
		UserID:    "id-" + username,
		PublicKey: pubkey,
		Address:   address,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, 30),
		Status:    models.StatusActive,
	}
}

func TestOpen_MissingFileYieldsEmptyStore(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)
	assert.Empty(t, s.List(nil))
}

func TestOpen_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Open(path, testSubnet(t), testLogger())
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestPutGet_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Open(path, testSubnet(t), testLogger())
	require.NoError(t, err)

	rec := testRecord("alice", "pk-alice", "10.66.66.2/32")
	require.NoError(t, s.Put(rec))

	got, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "pk-alice", got.PublicKey)

	// Get hands out a copy; mutating it must not leak into the store.
	got.PublicKey = "tampered"
	again, _ := s.Get("alice")
	assert.Equal(t, "pk-alice", again.PublicKey)

	// The same document must survive a reopen.
	s2, err := Open(path, testSubnet(t), testLogger())
	require.NoError(t, err)
	reloaded, ok := s2.Get("alice")
	require.True(t, ok)
	assert.Equal(t, rec.Address, reloaded.Address)
}

func TestPut_RejectsDuplicateKeyAndAddress(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(testRecord("alice", "pk-a", "10.66.66.2/32")))

	err = s.Put(testRecord("bob", "pk-a", "10.66.66.3/32"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = s.Put(testRecord("bob", "pk-b", "10.66.66.2/32"))
	assert.ErrorIs(t, err, ErrDuplicateAddress)
}

func TestPut_DeletedRecordsDoNotHoldUniqueness(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)

	old := testRecord("alice", "pk-a", "10.66.66.2/32")
	old.Status = models.StatusDeleted
	now := time.Now().UTC()
	old.DeletedAt = &now
	require.NoError(t, s.Put(old))

	// A deleted record's old address and key are reusable.
	require.NoError(t, s.Put(testRecord("bob", "pk-a", "10.66.66.2/32")))
}

func TestPut_RejectsAddressOutsideSubnet(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)

	err = s.Put(testRecord("alice", "pk-a", "192.168.1.2/32"))
	assert.Error(t, err)
}

func TestSave_FormatIsStable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Open(path, testSubnet(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(testRecord("alice", "pk-a", "10.66.66.2/32")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(data) > 0 && data[len(data)-1] == '\n', "document must end with a newline")

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "alice")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDelete_HardRemoval(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(testRecord("alice", "pk-a", "10.66.66.2/32")))

	require.NoError(t, s.Delete("alice"))
	_, ok := s.Get("alice")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Delete("alice"), ErrUnknownUser)
}

func TestAddresses_SkipsDeleted(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "users.json"), testSubnet(t), testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(testRecord("alice", "pk-a", "10.66.66.2/32")))

	dead := testRecord("bob", "pk-b", "10.66.66.3/32")
	dead.Status = models.StatusDeleted
	now := time.Now().UTC()
	dead.DeletedAt = &now
	require.NoError(t, s.Put(dead))

	assert.Equal(t, []string{"10.66.66.2/32"}, s.Addresses())
}
