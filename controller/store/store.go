// Package store persists the authoritative user database as a single JSON
// document, plus an append-only audit journal of administrative actions.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

var (
	// ErrStoreCorrupt means the on-disk document failed to decode. The
	// process must refuse to mutate until the operator intervenes.
	ErrStoreCorrupt = errors.New("user store is corrupt")
	// ErrDuplicateKey means another non-deleted record already holds the
	// same public key.
	ErrDuplicateKey = errors.New("duplicate public key")
	// ErrDuplicateAddress means another non-deleted record already holds
	// the same address.
	ErrDuplicateAddress = errors.New("duplicate address")
	// ErrUnknownUser means no record exists under that username.
	ErrUnknownUser = errors.New("unknown user")
)

// Store maps username to UserRecord, mirrored to a single JSON file.
// Every mutation rewrites the whole document via temp-file + rename, so a
// half-written image is never observable.
type Store struct {
	path   string
	subnet *net.IPNet
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*models.UserRecord
}

// Open loads the store at path. A missing file yields an empty store; a
// file that fails to decode yields ErrStoreCorrupt.
func Open(path string, subnet *net.IPNet, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		subnet: subnet,
		logger: logger,
		users:  make(map[string]*models.UserRecord),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading user store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	for name, rec := range s.users {
		if rec.Username == "" {
			rec.Username = name
		}
	}
	return s, nil
}

// Get returns a copy of the record for username, if present.
func (s *Store) Get(username string) (*models.UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[username]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Put inserts or replaces a record, enforcing public-key and address
// uniqueness across all non-deleted users, then rewrites the document.
func (s *Store) Put(rec *models.UserRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rec.Deleted() {
		if s.subnet != nil && rec.Address != "" {
			ip, _, err := net.ParseCIDR(rec.Address)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", rec.Address, err)
			}
			if !s.subnet.Contains(ip) {
				return fmt.Errorf("address %s outside subnet %s", rec.Address, s.subnet)
			}
		}
		for name, other := range s.users {
			if name == rec.Username || other.Deleted() {
				continue
			}
			if other.PublicKey == rec.PublicKey {
				return fmt.Errorf("%w: %s also held by %s", ErrDuplicateKey, rec.PublicKey, name)
			}
			if other.Address != "" && other.Address == rec.Address {
				return fmt.Errorf("%w: %s also held by %s", ErrDuplicateAddress, rec.Address, name)
			}
		}
	}

	cp := *rec
	s.users[rec.Username] = &cp
	if err := s.save(); err != nil {
		delete(s.users, rec.Username)
		return err
	}
	return nil
}

// Delete removes the record entirely. Lifecycle soft-deletion is a Put
// with status "deleted"; hard removal exists for create rollback.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[username]
	if !ok {
		return ErrUnknownUser
	}
	delete(s.users, username)
	if err := s.save(); err != nil {
		s.users[username] = rec
		return err
	}
	return nil
}

// List returns copies of all records matching filter. A nil filter matches
// everything.
func (s *Store) List(filter func(*models.UserRecord) bool) []*models.UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UserRecord
	for _, rec := range s.users {
		if filter == nil || filter(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// Addresses returns every address held by a non-deleted user; part of the
// allocator's taken-set union.
func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rec := range s.users {
		if !rec.Deleted() && rec.Address != "" {
			out = append(out, rec.Address)
		}
	}
	return out
}

// save writes the full document to a temp file in the same directory and
// renames it over the target. Two-space indent, trailing newline.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing user store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing user store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing user store: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod user store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("committing user store: %w", err)
	}
	return nil
}
