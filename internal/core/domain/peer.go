package domain

import (
	"strings"
	"time"
)

// Identity is the display name a waiting peer is matched under.
type Identity string

// Address identifies one live connection. The format is "<instance>.<connection>"
// so that a delivery can be handed to the process that owns the connection.
type Address string

// NewAddress joins an instance ID and a connection ID into an Address.
func NewAddress(instanceID, connectionID string) Address {
	return Address(instanceID + "." + connectionID)
}

// Instance returns the instance prefix of the address, or "" if it has none.
func (a Address) Instance() string {
	i := strings.LastIndexByte(string(a), '.')
	if i < 0 {
		return ""
	}
	return string(a[:i])
}

func (a Address) String() string {
	return string(a)
}

// PendingEntry is one connection waiting in the pool for a partner.
type PendingEntry struct {
	Identity   Identity
	Address    Address
	EnqueuedAt time.Time
}

// Party is how a peer is described on the wire, both in match events and in the
// routing fields clients echo back in every signal.
type Party struct {
	Identity Identity `json:"identity"`
	Address  Address  `json:"address"`
}

func (e PendingEntry) Party() Party {
	return Party{Identity: e.Identity, Address: e.Address}
}

// Pair is the result of a successful dequeue. First is the most recently
// inserted entry.
type Pair struct {
	First  PendingEntry
	Second PendingEntry
}
