package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateConnectionID returns a random ID for one live connection.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateInstanceID returns an ID usable as an address prefix. Dashes are
// kept, dots never appear.
func GenerateInstanceID() string {
	id := uuid.NewString()
	return id[:strings.IndexByte(id, '-')]
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
