package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is the in-memory SessionRegistry used with the
// in-memory chat store and in tests. A non-zero TTL expires markers
// lazily on read; logout removes them eagerly. The mutex only keeps the
// map safe for concurrent use — the registry's answers stay best-effort.
type MemoryRegistry struct {
	ttl time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewMemoryRegistry creates a registry. ttl <= 0 disables expiry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
	}
}

func (r *MemoryRegistry) TouchSession(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[userID] = time.Now()
	return nil
}

func (r *MemoryRegistry) RemoveSession(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSeen, userID)
	return nil
}

func (r *MemoryRegistry) ActiveSessionUsers(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var users []string
	for uid, seen := range r.lastSeen {
		if r.ttl > 0 && now.Sub(seen) > r.ttl {
			delete(r.lastSeen, uid)
			continue
		}
		users = append(users, uid)
	}
	return users, nil
}
