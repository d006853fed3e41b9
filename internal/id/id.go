package id

import "github.com/google/uuid"

// New returns a random UUID string used for batch identifiers.
func New() string {
	return uuid.NewString()
}
