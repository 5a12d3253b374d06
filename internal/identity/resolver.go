// Package identity resolves an inbound request to a durable user id via
// a prioritized chain of lookups, and remembers successful resolutions
// so the chain's cost is paid at most once per thread.
package identity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spendo/spendo/internal/chat"
)

// Unknown is the resolver's non-fatal "no user" outcome. Callers treat
// it as a valid terminal state: personalization is best-effort.
const Unknown = ""

// MetadataUserKey is the thread metadata key caching the resolved user id.
const MetadataUserKey = "user_id"

// MappingStore is the durable thread→user association.
// Implemented by storage.Store.
type MappingStore interface {
	ThreadUser(ctx context.Context, threadID string) (string, error)
	SaveThreadUser(ctx context.Context, threadID, userID string) error
}

// SessionRegistry tracks which users currently hold an active session.
// It is a best-effort heuristic surface, not a ledger; implementations
// make no freshness guarantee. Implemented by storage.Store and by
// MemoryRegistry.
type SessionRegistry interface {
	TouchSession(ctx context.Context, userID string) error
	RemoveSession(ctx context.Context, userID string) error
	ActiveSessionUsers(ctx context.Context) ([]string, error)
}

// ThreadStore is the slice of the chat store the resolver needs for the
// metadata cache.
type ThreadStore interface {
	LoadThread(ctx context.Context, id string) (chat.Thread, error)
	SaveThread(ctx context.Context, t chat.Thread) error
}

// Resolver runs the ordered fallback chain:
//
//  1. durable thread→user mapping (authoritative once set)
//  2. cached user id in the thread's metadata
//  3. single-active-session heuristic
//  4. ambient request evidence carried in the context
//
// The first step to produce an answer wins. A hit on steps 2–4 writes
// the durable mapping (and the metadata cache) before returning.
type Resolver struct {
	mappings MappingStore
	sessions SessionRegistry
	threads  ThreadStore
	logger   *slog.Logger
}

// NewResolver creates a Resolver over the given stores.
func NewResolver(mappings MappingStore, sessions SessionRegistry, threads ThreadStore) *Resolver {
	return &Resolver{
		mappings: mappings,
		sessions: sessions,
		threads:  threads,
		logger:   slog.Default(),
	}
}

// Resolve returns the best-effort user id for the thread, or Unknown.
// It never fails: lookup errors only demote the chain to its next step.
func (r *Resolver) Resolve(ctx context.Context, threadID string) string {
	// 1. Durable mapping: authoritative, never re-derived.
	if threadID != "" {
		uid, err := r.mappings.ThreadUser(ctx, threadID)
		if err == nil && uid != Unknown {
			return uid
		}
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			r.logger.Warn("identity: mapping lookup failed", "thread_id", threadID, "error", err)
		}
	}

	// 2. Thread metadata cache from a prior pass in this process.
	if threadID != "" {
		thread, err := r.threads.LoadThread(ctx, threadID)
		if err == nil {
			if uid := thread.Metadata[MetadataUserKey]; uid != Unknown {
				if err := r.mappings.SaveThreadUser(ctx, threadID, uid); err != nil {
					r.logger.Warn("identity: persisting cached mapping failed", "thread_id", threadID, "error", err)
				}
				return uid
			}
		} else if !errors.Is(err, chat.ErrNotFound) {
			r.logger.Warn("identity: thread load failed", "thread_id", threadID, "error", err)
		}
	}

	// 3. Single-active-session heuristic. Deliberately yields nothing
	// when zero or multiple sessions exist: it never guesses among
	// candidates. Unsound under concurrent multi-user access; that
	// limitation is part of the contract.
	if users, err := r.sessions.ActiveSessionUsers(ctx); err == nil {
		if len(users) == 1 {
			r.Remember(ctx, threadID, users[0])
			return users[0]
		}
	} else {
		r.logger.Warn("identity: session registry read failed", "error", err)
	}

	// 4. Ambient evidence attached to the request context.
	if uid, ok := UserFromContext(ctx); ok && uid != Unknown {
		r.Remember(ctx, threadID, uid)
		return uid
	}

	return Unknown
}

// Remember writes the durable mapping and the thread metadata cache for
// a resolved user id. Failures are logged, not returned: remembering is
// an optimization, never a correctness requirement.
func (r *Resolver) Remember(ctx context.Context, threadID, userID string) {
	if threadID == "" || userID == Unknown {
		return
	}
	if err := r.mappings.SaveThreadUser(ctx, threadID, userID); err != nil {
		r.logger.Warn("identity: mapping write failed", "thread_id", threadID, "error", err)
	}
	thread, err := r.threads.LoadThread(ctx, threadID)
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			r.logger.Warn("identity: thread load for cache failed", "thread_id", threadID, "error", err)
		}
		return
	}
	if thread.Metadata[MetadataUserKey] == userID {
		return
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]string{}
	}
	thread.Metadata[MetadataUserKey] = userID
	if err := r.threads.SaveThread(ctx, thread); err != nil {
		r.logger.Warn("identity: metadata cache write failed", "thread_id", threadID, "error", err)
	}
}
