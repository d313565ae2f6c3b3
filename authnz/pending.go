package authnz

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPendingNotFound is returned when a pending login is unknown, already
// consumed or expired.
var ErrPendingNotFound = errors.New("pending login not found")

// PendingLogin tracks an outstanding upstream authentication request.
type PendingLogin struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	SessionID string    `json:"session_id"`
	Nonce     string    `json:"nonce"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingStore keeps pending logins between Authenticate and Callback.
// Consume must hand out each login at most once.
type PendingStore interface {
	Save(ctx context.Context, p PendingLogin) error
	Consume(ctx context.Context, id string) (PendingLogin, error)
}

// MemoryPendingStore keeps pending logins in process. Only suitable for a
// single instance.
type MemoryPendingStore struct {
	mu    sync.Mutex
	items map[string]PendingLogin
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryPendingStore returns an in-process store expiring logins after ttl.
func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{
		items: make(map[string]PendingLogin),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Save stores a pending login and drops expired ones.
func (s *MemoryPendingStore) Save(_ context.Context, p PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	for id, item := range s.items {
		if item.CreatedAt.Before(cutoff) {
			delete(s.items, id)
		}
	}
	s.items[p.ID] = p
	return nil
}

// Consume fetches and removes a pending login.
func (s *MemoryPendingStore) Consume(_ context.Context, id string) (PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.items[id]
	if !ok {
		return PendingLogin{}, ErrPendingNotFound
	}
	delete(s.items, id)
	if s.now().After(p.CreatedAt.Add(s.ttl)) {
		return PendingLogin{}, ErrPendingNotFound
	}
	return p, nil
}

func (s *MemoryPendingStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
