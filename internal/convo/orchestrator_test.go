package convo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spendo/spendo/internal/accounts"
	"github.com/spendo/spendo/internal/advisor"
	"github.com/spendo/spendo/internal/chat"
	"github.com/spendo/spendo/internal/identity"
	"github.com/spendo/spendo/internal/storage"
	"github.com/spendo/spendo/internal/stream"
)

// fakeGenerator replays a scripted reply, or fails.
type fakeGenerator struct {
	reply    string
	err      error
	messages []advisor.Message
}

func (g *fakeGenerator) Generate(_ context.Context, threadID string, messages []advisor.Message) <-chan stream.Event {
	g.messages = messages
	chunks := strings.SplitAfter(g.reply, " ")
	ch := make(chan stream.Event, len(chunks)+2)
	defer close(ch)
	if g.err != nil {
		ch <- stream.Fail(g.err)
		return ch
	}
	for _, chunk := range chunks {
		ch <- stream.Delta(chunk)
	}
	item := chat.ThreadItem{
		ID:        chat.NewItemID(),
		ThreadID:  threadID,
		Role:      chat.RoleAssistant,
		Content:   []chat.ContentPart{chat.TextPart(g.reply)},
		CreatedAt: time.Now().UTC(),
	}
	ch <- stream.Done(&item)
	return ch
}

type fakeBalances struct {
	balances accounts.Balances
	err      error
	calls    int
}

func (f *fakeBalances) BalancesForUser(context.Context, string) (accounts.Balances, error) {
	f.calls++
	return f.balances, f.err
}

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

func newTestOrchestrator(gen Generator, balances BalanceFetcher) (*Orchestrator, *chat.MemoryStore, *memMappings, *identity.MemoryRegistry) {
	store := chat.NewMemoryStore()
	mappings := &memMappings{m: make(map[string]string)}
	sessions := identity.NewMemoryRegistry(0)
	resolver := identity.NewResolver(mappings, sessions, store)
	o := New(store, resolver, gen, balances, InlineTitler{Store: store})
	return o, store, mappings, sessions
}

func TestProcessMessageCreatesThread(t *testing.T) {
	gen := &fakeGenerator{reply: "Track your spending weekly."}
	o, store, mappings, sessions := newTestOrchestrator(gen, nil)
	ctx := context.Background()
	sessions.TouchSession(ctx, "42")

	turn, err := o.ProcessMessage(ctx, "", "How do I budget?")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !turn.ThreadCreated {
		t.Error("ThreadCreated = false, want true")
	}
	if turn.Thread.ID == "" {
		t.Fatal("thread id not allocated")
	}

	thread, err := store.LoadThread(ctx, turn.Thread.ID)
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if thread.Metadata[identity.MetadataUserKey] != "42" {
		t.Errorf("metadata = %v, want resolved user cached", thread.Metadata)
	}
	if mappings.m[turn.Thread.ID] != "42" {
		t.Errorf("durable mapping = %v, want thread bound to user", mappings.m)
	}
	if thread.Title != "How do I budget?" {
		t.Errorf("title = %q", thread.Title)
	}

	page, err := store.ListItems(ctx, turn.Thread.ID, chat.ListOptions{Order: chat.OrderAsc})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want user and assistant", len(page.Items))
	}
	if page.Items[0].Role != chat.RoleUser || page.Items[0].Text() != "How do I budget?" {
		t.Errorf("first item = %+v", page.Items[0])
	}
	if page.Items[1].Role != chat.RoleAssistant || page.Items[1].Text() != "Track your spending weekly." {
		t.Errorf("second item = %+v", page.Items[1])
	}
	if turn.AssistantItem.Text() != "Track your spending weekly." {
		t.Errorf("AssistantItem text = %q", turn.AssistantItem.Text())
	}
}

func TestProcessMessageKeepsSuppliedUnknownID(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	o, store, _, _ := newTestOrchestrator(gen, nil)

	turn, err := o.ProcessMessage(context.Background(), "thread_ffff", "hi")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !turn.ThreadCreated {
		t.Error("unknown id should auto-create")
	}
	if turn.Thread.ID != "thread_ffff" {
		t.Errorf("thread id = %q, want the supplied id kept", turn.Thread.ID)
	}
	if _, err := store.LoadThread(context.Background(), "thread_ffff"); err != nil {
		t.Errorf("LoadThread: %v", err)
	}
}

func TestProcessMessageExistingThread(t *testing.T) {
	gen := &fakeGenerator{reply: "Diversify."}
	o, store, _, _ := newTestOrchestrator(gen, nil)
	ctx := context.Background()

	first, err := o.ProcessMessage(ctx, "", "Should I invest?")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := o.ProcessMessage(ctx, first.Thread.ID, "In what?")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.ThreadCreated {
		t.Error("second turn should not create a thread")
	}

	// The generator sees the full history behind the system prompt.
	if len(gen.messages) != 4 {
		t.Fatalf("generator messages = %d, want system plus three items", len(gen.messages))
	}
	if gen.messages[0].Role != "system" {
		t.Errorf("first message role = %q", gen.messages[0].Role)
	}
	if gen.messages[3].Content != "In what?" {
		t.Errorf("last message = %+v", gen.messages[3])
	}

	page, _ := store.ListItems(ctx, first.Thread.ID, chat.ListOptions{})
	if len(page.Items) != 4 {
		t.Errorf("items = %d, want 4 after two turns", len(page.Items))
	}
}

func TestProcessMessageGeneratorFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream down")}
	o, store, _, _ := newTestOrchestrator(gen, nil)

	turn, err := o.ProcessMessage(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("generator failure must not fail the turn: %v", err)
	}
	if turn.AssistantItem.Text() != errorReply {
		t.Errorf("assistant text = %q, want the apologetic reply", turn.AssistantItem.Text())
	}

	page, _ := store.ListItems(context.Background(), turn.Thread.ID, chat.ListOptions{})
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want the fallback persisted", len(page.Items))
	}
	if page.Items[1].Text() != errorReply {
		t.Errorf("persisted assistant text = %q", page.Items[1].Text())
	}
}

func TestProcessMessageEmptyGeneration(t *testing.T) {
	gen := &fakeGenerator{reply: ""}
	o, _, _, _ := newTestOrchestrator(gen, nil)

	turn, err := o.ProcessMessage(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if turn.AssistantItem.Text() != emptyReply {
		t.Errorf("assistant text = %q", turn.AssistantItem.Text())
	}
}

func TestProcessMessageBalanceEnrichment(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	balances := &fakeBalances{balances: accounts.Balances{Cash: 100}}
	o, _, _, sessions := newTestOrchestrator(gen, balances)
	ctx := context.Background()
	sessions.TouchSession(ctx, "42")

	if _, err := o.ProcessMessage(ctx, "", "money?"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if balances.calls != 1 {
		t.Errorf("balance calls = %d, want 1", balances.calls)
	}
	if !strings.Contains(gen.messages[0].Content, "Cash balance: 100.00") {
		t.Errorf("system prompt not enriched:\n%s", gen.messages[0].Content)
	}
}

func TestProcessMessageBalanceFailureIsNonFatal(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	balances := &fakeBalances{err: errors.New("accounts down")}
	o, _, _, sessions := newTestOrchestrator(gen, balances)
	ctx := context.Background()
	sessions.TouchSession(ctx, "42")

	if _, err := o.ProcessMessage(ctx, "", "money?"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if strings.Contains(gen.messages[0].Content, "financial data") {
		t.Error("failed lookup should leave the prompt unenriched")
	}
}

func TestProcessMessageUnknownUserSkipsBalances(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	balances := &fakeBalances{}
	o, _, _, _ := newTestOrchestrator(gen, balances)

	if _, err := o.ProcessMessage(context.Background(), "", "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if balances.calls != 0 {
		t.Errorf("balance calls = %d, want none for an unknown user", balances.calls)
	}
}

// failingStore fails assistant persistence: the second AddItem errors.
type failingStore struct {
	chat.Store
	adds int
}

func (s *failingStore) AddItem(ctx context.Context, threadID string, item chat.ThreadItem) error {
	s.adds++
	if s.adds > 1 {
		return errors.New("disk full")
	}
	return s.Store.AddItem(ctx, threadID, item)
}

func TestProcessMessagePersistenceFailure(t *testing.T) {
	store := &failingStore{Store: chat.NewMemoryStore()}
	mappings := &memMappings{m: make(map[string]string)}
	resolver := identity.NewResolver(mappings, identity.NewMemoryRegistry(0), store)
	o := New(store, resolver, &fakeGenerator{reply: "ok"}, nil, nil)

	if _, err := o.ProcessMessage(context.Background(), "", "hi"); err == nil {
		t.Fatal("assistant persistence failure must fail the turn")
	}
}

func TestTitleFor(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"How do I budget?", "How do I budget?"},
		{"  padded  ", "padded"},
		{"first line\nsecond line", "first line"},
		{strings.Repeat("a", 60), strings.Repeat("a", 48) + "…"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := TitleFor(tt.in); got != tt.want {
			t.Errorf("TitleFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQueueTitlerAndWorker(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	thread := store.CreateThread()
	if err := store.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	titler := QueueTitler{Queue: store}
	if err := titler.Assign(ctx, thread.ID, "What about my savings?"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// The title is not set until the worker runs.
	loaded, _ := store.LoadThread(ctx, thread.ID)
	if loaded.Title != "" {
		t.Fatalf("title = %q before worker ran", loaded.Title)
	}

	w := NewTitleWorker(store, store, time.Millisecond)
	done, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce should have claimed the job")
	}

	loaded, _ = store.LoadThread(ctx, thread.ID)
	if loaded.Title != "What about my savings?" {
		t.Errorf("title = %q", loaded.Title)
	}

	// Queue drained.
	done, err = w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("queue should be empty")
	}
}

func TestTitleWorkerKeepsExistingTitle(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	thread := store.CreateThread()
	thread.Title = "kept"
	if err := store.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	if err := (QueueTitler{Queue: store}).Assign(ctx, thread.ID, "new text"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := NewTitleWorker(store, store, 0).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	loaded, _ := store.LoadThread(ctx, thread.ID)
	if loaded.Title != "kept" {
		t.Errorf("title = %q, want existing title preserved", loaded.Title)
	}
}
