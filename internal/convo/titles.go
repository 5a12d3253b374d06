package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spendo/spendo/internal/chat"
	"github.com/spendo/spendo/internal/storage"
)

const maxTitleRunes = 48

// TitleJobType is the queue type for deferred title assignment.
const TitleJobType = "assign_title"

// TitleFor derives a thread title from the first user message: the
// first line, trimmed to a display length.
func TitleFor(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
	}
	return title
}

// ThreadTitleStore is the slice of the chat store title assignment needs.
type ThreadTitleStore interface {
	LoadThread(ctx context.Context, id string) (chat.Thread, error)
	SaveThread(ctx context.Context, t chat.Thread) error
}

// InlineTitler assigns titles synchronously. Used with the in-memory
// store, where there is no job queue.
type InlineTitler struct {
	Store ThreadTitleStore
}

func (t InlineTitler) Assign(ctx context.Context, threadID, firstMessage string) error {
	return assignTitle(ctx, t.Store, threadID, firstMessage)
}

func assignTitle(ctx context.Context, store ThreadTitleStore, threadID, firstMessage string) error {
	title := TitleFor(firstMessage)
	if title == "" {
		return nil
	}
	thread, err := store.LoadThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	if thread.Title != "" {
		return nil
	}
	thread.Title = title
	if err := store.SaveThread(ctx, thread); err != nil {
		return fmt.Errorf("saving title: %w", err)
	}
	return nil
}

// JobQueue abstracts the persistent job queue. Implemented by
// storage.Store.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

type titlePayload struct {
	ThreadID     string `json:"thread_id"`
	FirstMessage string `json:"first_message"`
}

// QueueTitler defers title assignment to the job queue, keeping it off
// the turn's critical path.
type QueueTitler struct {
	Queue JobQueue
}

func (t QueueTitler) Assign(_ context.Context, threadID, firstMessage string) error {
	payload, err := json.Marshal(titlePayload{ThreadID: threadID, FirstMessage: firstMessage})
	if err != nil {
		return err
	}
	return t.Queue.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        TitleJobType,
		PayloadJSON: string(payload),
	})
}

// TitleWorker processes assign_title jobs from the queue.
type TitleWorker struct {
	queue  JobQueue
	store  ThreadTitleStore
	poll   time.Duration
	logger *slog.Logger
}

// NewTitleWorker creates a TitleWorker.
// If pollInterval is <= 0, it defaults to 500ms.
func NewTitleWorker(queue JobQueue, store ThreadTitleStore, pollInterval time.Duration) *TitleWorker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &TitleWorker{
		queue:  queue,
		store:  store,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *TitleWorker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("title worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single title job.
// Returns true if a job was processed (regardless of success/failure).
func (w *TitleWorker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob([]string{TitleJobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("title job failed", "job_id", job.ID, "error", err)
		if failErr := w.queue.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *TitleWorker) processJob(ctx context.Context, job *storage.Job) error {
	var payload titlePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	return assignTitle(ctx, w.store, payload.ThreadID, payload.FirstMessage)
}
