package api

import (
	"time"

	"github.com/spendo/spendo/internal/chat"
)

// threadView is the wire shape of a thread. Metadata is internal
// bookkeeping and is deliberately absent.
type threadView struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at"`
}

func newThreadView(t chat.Thread) threadView {
	return threadView{
		ID:        t.ID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type contentView struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type itemView struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	Role      string        `json:"role"`
	Content   []contentView `json:"content"`
	CreatedAt string        `json:"created_at"`
}

func newItemView(item chat.ThreadItem) itemView {
	content := make([]contentView, len(item.Content))
	for i, p := range item.Content {
		content[i] = contentView{Type: p.Type, Text: p.Text}
	}
	return itemView{
		ID:        item.ID,
		ThreadID:  item.ThreadID,
		Role:      string(item.Role),
		Content:   content,
		CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type pageView[T any] struct {
	Items     []T    `json:"items"`
	HasMore   bool   `json:"has_more"`
	NextAfter string `json:"next_after,omitempty"`
}
