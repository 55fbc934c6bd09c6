package utils

import "github.com/google/uuid"

// GenerateID generates a unique opaque identifier.
func GenerateID() string {
	return uuid.NewString()
}
