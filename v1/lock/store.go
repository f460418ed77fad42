package lock

import (
	"context"
	"sync"
)

// Store is the lease table. Update applies fn to the current leases of key
// and stores the result atomically: no other Update of the same key can
// interleave between the read and the write. fn may be called more than
// once when a backend retries on contention.
type Store interface {
	Update(ctx context.Context, key string, fn func([]Lease) ([]Lease, error)) error
}

// InMemoryStore keeps leases in process memory. Contexts sharing a process
// share one instance.
type InMemoryStore struct {
	mu     sync.Mutex
	leases map[string][]Lease
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{leases: make(map[string][]Lease)}
}

// Update implements Store.Update.
func (s *InMemoryStore) Update(ctx context.Context, key string, fn func([]Lease) ([]Lease, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := append([]Lease(nil), s.leases[key]...)
	next, err := fn(current)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		delete(s.leases, key)
		return nil
	}
	s.leases[key] = append([]Lease(nil), next...)
	return nil
}
