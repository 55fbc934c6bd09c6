package models

import (
	"fmt"
	"regexp"
	"time"
)

// UserStatus represents the lifecycle state of a provisioned user.
type UserStatus string

const (
	StatusActive  UserStatus = "active"
	StatusBlocked UserStatus = "blocked"
	StatusExpired UserStatus = "expired"
	StatusDeleted UserStatus = "deleted"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// ValidUsername reports whether name is an acceptable operator-chosen
// identifier.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// UserRecord is the authoritative per-user entity. The private key is never
// stored: it is embedded once into the rendered client configuration and
// forgotten.
type UserRecord struct {
	Username     string     `json:"username"`
	UserID       string     `json:"user_id"`
	PublicKey    string     `json:"public_key,omitempty"`
	PresharedKey string     `json:"preshared_key,omitempty"`
	Address      string     `json:"address,omitempty"` // IPv4 host address in CIDR /32 form
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	Status       UserStatus `json:"status"`

	LastHandshake *time.Time `json:"last_handshake,omitempty"`

	// TotalReceived and TotalSent are monotonic byte counters accumulated
	// across daemon restarts. SessionReceived and SessionSent hold the raw
	// counters last observed on the interface; when a fresh observation is
	// lower than the session value the daemon restarted and the totals are
	// rebased instead of rewound.
	TotalReceived   uint64 `json:"total_received"`
	TotalSent       uint64 `json:"total_sent"`
	SessionReceived uint64 `json:"session_received,omitempty"`
	SessionSent     uint64 `json:"session_sent,omitempty"`

	Notes    string `json:"notes,omitempty"`
	Email    string `json:"email,omitempty"`
	Telegram string `json:"telegram,omitempty"`

	QRPath           string `json:"qr_path,omitempty"`
	ClientConfigPath string `json:"client_config_path,omitempty"`
}

// Validate validates the record data.
func (u *UserRecord) Validate() error {
	if !ValidUsername(u.Username) {
		return fmt.Errorf("invalid username %q", u.Username)
	}
	if u.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	switch u.Status {
	case StatusActive, StatusBlocked, StatusExpired, StatusDeleted:
	default:
		return fmt.Errorf("invalid status %q", u.Status)
	}
	if u.Status != StatusDeleted {
		if u.PublicKey == "" {
			return fmt.Errorf("public key is required")
		}
		if u.Address == "" {
			return fmt.Errorf("address is required")
		}
	}
	return nil
}

// Deleted reports whether the record has been soft-deleted.
func (u *UserRecord) Deleted() bool {
	return u.Status == StatusDeleted
}

// ExpiredBy reports whether an active record should be treated as expired
// at the given instant. Expiry is computed lazily at inspection time.
func (u *UserRecord) ExpiredBy(now time.Time) bool {
	return u.Status == StatusActive && !now.Before(u.ExpiresAt)
}

// ApplyCounters folds a fresh raw counter observation into the monotonic
// totals, rebasing when the interface counters went backwards (daemon
// restart).
func (u *UserRecord) ApplyCounters(rx, tx uint64) {
	if rx < u.SessionReceived {
		u.TotalReceived += rx
	} else {
		u.TotalReceived += rx - u.SessionReceived
	}
	if tx < u.SessionSent {
		u.TotalSent += tx
	} else {
		u.TotalSent += tx - u.SessionSent
	}
	u.SessionReceived = rx
	u.SessionSent = tx
}
