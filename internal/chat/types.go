package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested thread or item does not exist.
var ErrNotFound = errors.New("not found")

// Role identifies the author of a thread item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Order selects the direction of a paginated listing, by creation time
// with the id as a stable tie-breaker.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ContentPart is one tagged element of an item's content sequence. Only
// text parts are processed by the core flow; structured payloads pass
// through opaquely in Data.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// TextPart returns a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// Thread is one conversation. Metadata holds small internal scalars
// (cached user id, upstream continuation tokens) and is never exposed to
// the calling UI.
type Thread struct {
	ID        string
	Title     string
	Metadata  map[string]string
	CreatedAt time.Time
}

// ThreadItem is one message within a thread. Items are stored in arrival
// order; that order is the only ordering guarantee across a thread.
type ThreadItem struct {
	ID        string
	ThreadID  string
	Role      Role
	Content   []ContentPart
	CreatedAt time.Time
}

// Text joins the item's plain text parts with single spaces.
func (i ThreadItem) Text() string {
	var parts []string
	for _, p := range i.Content {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Page is the result of a paginated listing. NextAfter is set only when
// HasMore is true and equals the id of the last returned element.
type Page[T any] struct {
	Items     []T
	HasMore   bool
	NextAfter string
}

// ListOptions control a paginated listing. A Limit of zero (or negative)
// means "return everything"; After is an opaque cursor equal to a
// previously returned element's id.
type ListOptions struct {
	Limit int
	After string
	Order Order
}

func newID(prefix string) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%x", prefix, u[:4])
}

// NewThreadID allocates a fresh opaque thread id.
func NewThreadID() string { return newID("thread") }

// NewItemID allocates a fresh opaque item id.
func NewItemID() string { return newID("msg") }

// NewThread allocates a Thread with a fresh id and creation timestamp.
// It has no side effects; the caller persists it with SaveThread.
func NewThread() Thread {
	return Thread{
		ID:        NewThreadID(),
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
}
