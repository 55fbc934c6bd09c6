package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/licht8/pyWGgen-sub000/shared/utils"
)

const auditBucket = "audit"

// AuditEntry records one administrative action against one user.
type AuditEntry struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

// Journal is an append-only audit log of lifecycle mutations, kept in a
// bbolt file next to the user store.
type Journal struct {
	db *bbolt.DB
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(auditBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append records one entry. The ID and timestamp are filled in when empty.
func (j *Journal) Append(e AuditEntry) error {
	if e.ID == "" {
		e.ID = utils.GenerateID()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(auditBucket))
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		// Timestamp-prefixed key keeps the bucket in chronological order.
		key := fmt.Sprintf("%020d:%s", e.At.UnixNano(), e.ID)
		return bucket.Put([]byte(key), data)
	})
}

// History returns the most recent entries for username, newest first.
// An empty username matches every user. limit <= 0 means no limit.
func (j *Journal) History(username string, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := j.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(auditBucket)).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if username != "" && e.Username != username {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
