package identity

import (
	"context"
	"testing"
	"time"

	"github.com/spendo/spendo/internal/chat"
)

func newTestResolver() (*Resolver, *chat.MemoryStore, *memMappings, *MemoryRegistry) {
	threads := chat.NewMemoryStore()
	mappings := &memMappings{m: make(map[string]string)}
	sessions := NewMemoryRegistry(0)
	return NewResolver(mappings, sessions, threads), threads, mappings, sessions
}

// memMappings is an in-memory MappingStore with first-write-wins
// semantics, mirroring the relational table's contract.
type memMappings struct {
	m map[string]string
}

func (s *memMappings) ThreadUser(_ context.Context, threadID string) (string, error) {
	uid, ok := s.m[threadID]
	if !ok {
		return "", chat.ErrNotFound
	}
	return uid, nil
}

func (s *memMappings) SaveThreadUser(_ context.Context, threadID, userID string) error {
	if _, ok := s.m[threadID]; !ok {
		s.m[threadID] = userID
	}
	return nil
}

func saveThread(t *testing.T, store *chat.MemoryStore, id string, metadata map[string]string) {
	t.Helper()
	if metadata == nil {
		metadata = map[string]string{}
	}
	th := chat.Thread{ID: id, Metadata: metadata, CreatedAt: time.Now().UTC()}
	if err := store.SaveThread(context.Background(), th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
}

func TestResolveDurableMappingWins(t *testing.T) {
	r, threads, mappings, sessions := newTestResolver()
	ctx := context.Background()

	saveThread(t, threads, "thread_a", map[string]string{MetadataUserKey: "cached"})
	mappings.m["thread_a"] = "durable"
	sessions.TouchSession(ctx, "other1")
	sessions.TouchSession(ctx, "other2")

	if uid := r.Resolve(ctx, "thread_a"); uid != "durable" {
		t.Errorf("Resolve = %q, want durable mapping to win", uid)
	}
}

func TestResolveMetadataCachePersistsMapping(t *testing.T) {
	r, threads, mappings, _ := newTestResolver()
	ctx := context.Background()

	saveThread(t, threads, "thread_a", map[string]string{MetadataUserKey: "42"})

	if uid := r.Resolve(ctx, "thread_a"); uid != "42" {
		t.Fatalf("Resolve = %q, want 42", uid)
	}
	if mappings.m["thread_a"] != "42" {
		t.Errorf("durable mapping not written back from metadata cache: %v", mappings.m)
	}
}

func TestResolveSingleActiveSession(t *testing.T) {
	r, threads, mappings, sessions := newTestResolver()
	ctx := context.Background()

	saveThread(t, threads, "thread_a", nil)
	sessions.TouchSession(ctx, "7")

	if uid := r.Resolve(ctx, "thread_a"); uid != "7" {
		t.Fatalf("Resolve = %q, want 7", uid)
	}

	// The chain's cost is paid once: both caches now hold the answer.
	if mappings.m["thread_a"] != "7" {
		t.Errorf("durable mapping not written: %v", mappings.m)
	}
	th, err := threads.LoadThread(ctx, "thread_a")
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if th.Metadata[MetadataUserKey] != "7" {
		t.Errorf("metadata cache not written: %v", th.Metadata)
	}
}

func TestResolveMultipleSessionsYieldUnknown(t *testing.T) {
	r, _, mappings, sessions := newTestResolver()
	ctx := context.Background()

	sessions.TouchSession(ctx, "7")
	sessions.TouchSession(ctx, "9")

	if uid := r.Resolve(ctx, "thread_a"); uid != Unknown {
		t.Errorf("Resolve = %q, want unknown with two active sessions", uid)
	}
	if len(mappings.m) != 0 {
		t.Errorf("mapping written despite unknown resolution: %v", mappings.m)
	}
}

func TestResolveZeroSessionsYieldUnknown(t *testing.T) {
	r, _, _, _ := newTestResolver()

	if uid := r.Resolve(context.Background(), "thread_a"); uid != Unknown {
		t.Errorf("Resolve = %q, want unknown", uid)
	}
}

func TestResolveAmbientEvidence(t *testing.T) {
	r, threads, mappings, sessions := newTestResolver()
	ctx := context.Background()

	saveThread(t, threads, "thread_a", nil)
	sessions.TouchSession(ctx, "7")
	sessions.TouchSession(ctx, "9")

	// Two sessions: the heuristic stays silent, the request evidence decides.
	authed := WithUser(ctx, "9")
	if uid := r.Resolve(authed, "thread_a"); uid != "9" {
		t.Fatalf("Resolve = %q, want 9 from request evidence", uid)
	}
	if mappings.m["thread_a"] != "9" {
		t.Errorf("durable mapping not written: %v", mappings.m)
	}
}

func TestResolveMappingAuthoritativeOverLaterSessions(t *testing.T) {
	r, _, mappings, sessions := newTestResolver()
	ctx := context.Background()

	mappings.m["thread_a"] = "7"
	// Registry churn after the mapping exists must not matter.
	sessions.TouchSession(ctx, "1")
	sessions.TouchSession(ctx, "2")
	sessions.TouchSession(ctx, "3")

	if uid := r.Resolve(ctx, "thread_a"); uid != "7" {
		t.Errorf("Resolve = %q, want 7", uid)
	}
}

func TestRememberSkipsEmptyThreadID(t *testing.T) {
	r, _, mappings, _ := newTestResolver()

	r.Remember(context.Background(), "", "7")
	if len(mappings.m) != 0 {
		t.Errorf("mapping written for empty thread id: %v", mappings.m)
	}
}

func TestMemoryRegistryExpiry(t *testing.T) {
	reg := NewMemoryRegistry(10 * time.Millisecond)
	ctx := context.Background()

	reg.TouchSession(ctx, "7")
	users, err := reg.ActiveSessionUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveSessionUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %v, want one entry", users)
	}

	time.Sleep(20 * time.Millisecond)
	users, err = reg.ActiveSessionUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveSessionUsers: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("users = %v, want expired", users)
	}
}
