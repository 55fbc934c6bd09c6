package lifecycle

import "errors"

var (
	// ErrUserExists means the username clashes with a non-deleted record
	// or an existing named block in the server configuration.
	ErrUserExists = errors.New("user already exists")
	// ErrNotActive means the operation requires an active record.
	ErrNotActive = errors.New("user is not active")
	// ErrNotBlocked means the operation requires a blocked record.
	ErrNotBlocked = errors.New("user is not blocked")
	// ErrUserDeleted means the record was soft-deleted and cannot be
	// mutated further.
	ErrUserDeleted = errors.New("user is deleted")
)
