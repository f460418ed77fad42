package lock

import (
	"errors"
	"time"
)

// Op is the kind of access a lease grants.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// ErrInvalidLease is returned for malformed acquisition requests.
var ErrInvalidLease = errors.New("tether: invalid lease request")

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpDelete:
		return true
	}
	return false
}

// Exclusive reports whether at most one owner may hold op at a time.
func (op Op) Exclusive() bool {
	return op == OpWrite || op == OpDelete
}

// Lease is a time-bounded claim by an owner on a context key.
type Lease struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	ContextKey string    `json:"contextKey"`
	Operation  Op        `json:"operation"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is no longer live at now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// purge drops expired leases, returning a fresh slice.
func purge(leases []Lease, now time.Time) []Lease {
	live := make([]Lease, 0, len(leases))
	for _, l := range leases {
		if !l.Expired(now) {
			live = append(live, l)
		}
	}
	return live
}
