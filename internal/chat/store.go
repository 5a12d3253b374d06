package chat

import "context"

// Store is the cursor-paginated persistence contract for threads and
// their items.
//
// Pagination rules, shared by ListThreads and ListItems:
//   - results are ordered by creation time with id as tie-breaker,
//     ascending or descending per ListOptions.Order;
//   - After is an opaque cursor equal to a previously returned id;
//     results begin strictly after that position in the requested order;
//   - an After value not present in the collection yields an empty page,
//     never an error;
//   - Limit <= 0 returns everything and HasMore is always false.
//
// All lookups on a missing id return ErrNotFound.
type Store interface {
	// CreateThread allocates a new Thread. It has no side effects beyond
	// allocation; the thread is not persisted until SaveThread.
	CreateThread() Thread

	// SaveThread upserts the thread by id with full overwrite semantics.
	SaveThread(ctx context.Context, t Thread) error

	LoadThread(ctx context.Context, id string) (Thread, error)
	ListThreads(ctx context.Context, opts ListOptions) (Page[Thread], error)
	DeleteThread(ctx context.Context, id string) error

	// AddItem appends an item to the thread. The relational
	// implementation fails with ErrNotFound when the thread does not
	// exist; see MemoryStore.AddItem for the in-memory relaxation.
	AddItem(ctx context.Context, threadID string, item ThreadItem) error

	ListItems(ctx context.Context, threadID string, opts ListOptions) (Page[ThreadItem], error)
	DeleteItem(ctx context.Context, threadID, id string) error
}

// paginate applies the shared cursor contract to an already-sorted slice.
func paginate[T any](sorted []T, idOf func(T) string, opts ListOptions) Page[T] {
	start := 0
	if opts.After != "" {
		idx := -1
		for i, v := range sorted {
			if idOf(v) == opts.After {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Page[T]{Items: []T{}}
		}
		start = idx + 1
	}

	rest := sorted[start:]
	if opts.Limit <= 0 || len(rest) <= opts.Limit {
		out := make([]T, len(rest))
		copy(out, rest)
		return Page[T]{Items: out}
	}

	out := make([]T, opts.Limit)
	copy(out, rest[:opts.Limit])
	return Page[T]{
		Items:     out,
		HasMore:   true,
		NextAfter: idOf(out[len(out)-1]),
	}
}
