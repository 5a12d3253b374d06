// Package convo drives a conversation turn end to end: identity
// resolution, history loading, response generation, and persistence.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spendo/spendo/internal/accounts"
	"github.com/spendo/spendo/internal/advisor"
	"github.com/spendo/spendo/internal/chat"
	"github.com/spendo/spendo/internal/identity"
	"github.com/spendo/spendo/internal/stream"
)

// Fallback replies persisted when generation fails or yields nothing.
// The turn still completes: an apologetic assistant item is a valid
// outcome, a failed turn is not.
const (
	errorReply = "I'm sorry, I ran into a problem answering that. Please try again."
	emptyReply = "I'm sorry, I couldn't generate a response."
)

// Generator produces an assistant reply as an event stream.
// Implemented by advisor.Client.
type Generator interface {
	Generate(ctx context.Context, threadID string, messages []advisor.Message) <-chan stream.Event
}

// BalanceFetcher looks up a user's balances. Implemented by
// accounts.Client.
type BalanceFetcher interface {
	BalancesForUser(ctx context.Context, userID string) (accounts.Balances, error)
}

// Titler assigns a title to a freshly created thread. Implementations
// may do the work inline or queue it; either way assignment is
// best-effort and never blocks the turn.
type Titler interface {
	Assign(ctx context.Context, threadID, firstMessage string) error
}

// Turn is the outcome of one processed user message.
type Turn struct {
	Thread        chat.Thread
	ThreadCreated bool
	UserItem      chat.ThreadItem
	AssistantItem chat.ThreadItem
}

// Orchestrator wires the stores and services behind a conversation turn.
type Orchestrator struct {
	store    chat.Store
	resolver *identity.Resolver
	gen      Generator
	balances BalanceFetcher
	titles   Titler
	logger   *slog.Logger
}

// New creates an Orchestrator. balances and titles may be nil, which
// disables balance enrichment and title assignment respectively.
func New(store chat.Store, resolver *identity.Resolver, gen Generator, balances BalanceFetcher, titles Titler) *Orchestrator {
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		gen:      gen,
		balances: balances,
		titles:   titles,
		logger:   slog.Default(),
	}
}

// ProcessMessage runs one turn: resolve the user, ensure the thread
// exists (creating it when the id is empty or unknown), persist the
// user's message, generate a reply, and persist it. Generation is
// detached from the request context so an abandoned connection does not
// lose the turn. Only a persistence failure fails the turn.
func (o *Orchestrator) ProcessMessage(ctx context.Context, threadID, text string) (Turn, error) {
	userID := o.resolver.Resolve(ctx, threadID)

	thread, created, err := o.ensureThread(ctx, threadID, userID)
	if err != nil {
		return Turn{}, err
	}

	userItem := chat.ThreadItem{
		ID:        chat.NewItemID(),
		ThreadID:  thread.ID,
		Role:      chat.RoleUser,
		Content:   []chat.ContentPart{chat.TextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.AddItem(ctx, thread.ID, userItem); err != nil {
		return Turn{}, fmt.Errorf("persisting user message: %w", err)
	}

	if created && o.titles != nil {
		if err := o.titles.Assign(ctx, thread.ID, text); err != nil {
			o.logger.Warn("title assignment failed", "thread_id", thread.ID, "error", err)
		}
	}

	history, err := o.store.ListItems(ctx, thread.ID, chat.ListOptions{Order: chat.OrderAsc})
	if err != nil {
		o.logger.Warn("history load failed, generating from the current message only", "thread_id", thread.ID, "error", err)
		history.Items = []chat.ThreadItem{userItem}
	}

	messages := advisor.Conversation(o.fetchBalances(ctx, userID), history.Items)

	// The generator must outlive the request: a dropped connection
	// abandons the client, not the turn.
	genCtx := context.WithoutCancel(ctx)
	seq := stream.Collect(o.gen.Generate(genCtx, thread.ID, messages))

	assistantItem := o.assistantItem(thread.ID, seq)
	if err := o.store.AddItem(genCtx, thread.ID, assistantItem); err != nil {
		return Turn{}, fmt.Errorf("persisting assistant message: %w", err)
	}

	return Turn{
		Thread:        thread,
		ThreadCreated: created,
		UserItem:      userItem,
		AssistantItem: assistantItem,
	}, nil
}

// ensureThread loads the thread, creating it when the id is empty or
// unknown. A supplied but unknown id is kept so the caller's reference
// stays valid. New threads are seeded with the resolved user id.
func (o *Orchestrator) ensureThread(ctx context.Context, threadID, userID string) (chat.Thread, bool, error) {
	if threadID != "" {
		thread, err := o.store.LoadThread(ctx, threadID)
		if err == nil {
			return thread, false, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return chat.Thread{}, false, fmt.Errorf("loading thread %s: %w", threadID, err)
		}
	}

	thread := o.store.CreateThread()
	if threadID != "" {
		thread.ID = threadID
	}
	if userID != identity.Unknown {
		thread.Metadata[identity.MetadataUserKey] = userID
	}
	if err := o.store.SaveThread(ctx, thread); err != nil {
		return chat.Thread{}, false, fmt.Errorf("creating thread: %w", err)
	}
	o.resolver.Remember(ctx, thread.ID, userID)
	return thread, true, nil
}

// fetchBalances returns the user's balances for prompt enrichment, or
// nil when the user is unknown or the lookup fails. Failure only costs
// the enrichment.
func (o *Orchestrator) fetchBalances(ctx context.Context, userID string) *accounts.Balances {
	if o.balances == nil || userID == identity.Unknown {
		return nil
	}
	b, err := o.balances.BalancesForUser(ctx, userID)
	if err != nil {
		o.logger.Warn("balance lookup failed", "user_id", userID, "error", err)
		return nil
	}
	return &b
}

// assistantItem turns the collected sequence into the item to persist,
// substituting an apologetic reply when generation failed or produced
// no text.
func (o *Orchestrator) assistantItem(threadID string, seq *stream.Sequence) chat.ThreadItem {
	if err := seq.Err(); err != nil {
		o.logger.Error("generation failed", "thread_id", threadID, "error", err)
		return chat.ThreadItem{
			ID:        chat.NewItemID(),
			ThreadID:  threadID,
			Role:      chat.RoleAssistant,
			Content:   []chat.ContentPart{chat.TextPart(errorReply)},
			CreatedAt: time.Now().UTC(),
		}
	}
	if item := seq.Item(); item != nil && item.Text() != "" {
		return *item
	}
	o.logger.Warn("generation produced no text", "thread_id", threadID)
	return chat.ThreadItem{
		ID:        chat.NewItemID(),
		ThreadID:  threadID,
		Role:      chat.RoleAssistant,
		Content:   []chat.ContentPart{chat.TextPart(emptyReply)},
		CreatedAt: time.Now().UTC(),
	}
}
