package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the process-lifetime Store used for development and
// tests. Single-writer-per-thread is assumed; the mutex only protects
// the maps against concurrent access from distinct threads.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]Thread
	items   map[string][]ThreadItem
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]Thread),
		items:   make(map[string][]ThreadItem),
	}
}

func (s *MemoryStore) CreateThread() Thread { return NewThread() }

func (s *MemoryStore) SaveThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *MemoryStore) LoadThread(_ context.Context, id string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return cloneThread(t), nil
}

func (s *MemoryStore) ListThreads(_ context.Context, opts ListOptions) (Page[Thread], error) {
	s.mu.RLock()
	sorted := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		sorted = append(sorted, cloneThread(t))
	}
	s.mu.RUnlock()

	sortByCreation(sorted, opts.Order, func(t Thread) (time.Time, string) { return t.CreatedAt, t.ID })
	return paginate(sorted, func(t Thread) string { return t.ID }, opts), nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return ErrNotFound
	}
	delete(s.threads, id)
	delete(s.items, id)
	return nil
}

// AddItem appends the item in arrival order. Unlike the relational
// store, a missing thread is not an error here: the item list is created
// on first append, matching the in-memory variant's documented
// relaxation of the thread-existence check.
func (s *MemoryStore) AddItem(_ context.Context, threadID string, item ThreadItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.ThreadID = threadID
	s.items[threadID] = append(s.items[threadID], item)
	return nil
}

// ListItems pages through a thread's items. The thread must be known:
// either saved, or created implicitly by AddItem's relaxation.
func (s *MemoryStore) ListItems(_ context.Context, threadID string, opts ListOptions) (Page[ThreadItem], error) {
	s.mu.RLock()
	_, haveThread := s.threads[threadID]
	items, haveItems := s.items[threadID]
	sorted := make([]ThreadItem, len(items))
	copy(sorted, items)
	s.mu.RUnlock()

	if !haveThread && !haveItems {
		return Page[ThreadItem]{}, ErrNotFound
	}

	sortByCreation(sorted, opts.Order, func(i ThreadItem) (time.Time, string) { return i.CreatedAt, i.ID })
	return paginate(sorted, func(i ThreadItem) string { return i.ID }, opts), nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, threadID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[threadID]
	for i, it := range items {
		if it.ID == id {
			s.items[threadID] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// sortByCreation sorts ascending by creation time with id tie-break,
// then reverses for descending order, so a descending listing is the
// exact reverse of the ascending one.
func sortByCreation[T any](vals []T, order Order, keyOf func(T) (time.Time, string)) {
	sort.SliceStable(vals, func(i, j int) bool {
		ti, idi := keyOf(vals[i])
		tj, idj := keyOf(vals[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
	if order == OrderDesc {
		for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
			vals[i], vals[j] = vals[j], vals[i]
		}
	}
}

func cloneThread(t Thread) Thread {
	out := t
	out.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		out.Metadata[k] = v
	}
	return out
}
