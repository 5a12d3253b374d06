package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func addItems(t *testing.T, s Store, threadID string, n int) []string {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		item := ThreadItem{
			ID:        fmt.Sprintf("msg_%03d", i),
			Role:      RoleUser,
			Content:   []ContentPart{TextPart(fmt.Sprintf("message %d", i))},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddItem(context.Background(), threadID, item); err != nil {
			t.Fatalf("AddItem %d: %v", i, err)
		}
		ids[i] = item.ID
	}
	return ids
}

func TestMemoryStoreThreadRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	th := s.CreateThread()
	if th.ID == "" {
		t.Fatal("CreateThread returned empty id")
	}
	th.Title = "Savings advice"
	th.Metadata["user_id"] = "42"

	if err := s.SaveThread(ctx, th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, err := s.LoadThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if got.Title != "Savings advice" {
		t.Errorf("Title = %q, want %q", got.Title, "Savings advice")
	}
	if got.Metadata["user_id"] != "42" {
		t.Errorf("Metadata[user_id] = %q, want %q", got.Metadata["user_id"], "42")
	}
}

func TestMemoryStoreLoadThreadNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LoadThread(context.Background(), "thread_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSaveThreadOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	th := s.CreateThread()
	th.Title = "first"
	th.Metadata["k"] = "v"
	if err := s.SaveThread(ctx, th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	// Full overwrite, not a patch: the metadata key must disappear.
	th2 := Thread{ID: th.ID, Title: "second", Metadata: map[string]string{}, CreatedAt: th.CreatedAt}
	if err := s.SaveThread(ctx, th2); err != nil {
		t.Fatalf("SaveThread overwrite: %v", err)
	}

	got, err := s.LoadThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if got.Title != "second" {
		t.Errorf("Title = %q, want %q", got.Title, "second")
	}
	if _, ok := got.Metadata["k"]; ok {
		t.Error("metadata key survived a full overwrite")
	}
}

func TestMemoryStoreItemsArrivalOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ids := addItems(t, s, "thread_a", 5)

	asc, err := s.ListItems(ctx, "thread_a", ListOptions{Order: OrderAsc})
	if err != nil {
		t.Fatalf("ListItems asc: %v", err)
	}
	if len(asc.Items) != 5 || asc.HasMore {
		t.Fatalf("asc page = %d items, has_more=%v", len(asc.Items), asc.HasMore)
	}
	for i, item := range asc.Items {
		if item.ID != ids[i] {
			t.Errorf("asc[%d] = %q, want %q", i, item.ID, ids[i])
		}
	}

	desc, err := s.ListItems(ctx, "thread_a", ListOptions{Order: OrderDesc})
	if err != nil {
		t.Fatalf("ListItems desc: %v", err)
	}
	for i, item := range desc.Items {
		want := ids[len(ids)-1-i]
		if item.ID != want {
			t.Errorf("desc[%d] = %q, want %q", i, item.ID, want)
		}
	}
}

func TestMemoryStorePagingExhaustsWithoutGaps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ids := addItems(t, s, "thread_a", 7)

	var walked []string
	after := ""
	for {
		page, err := s.ListItems(ctx, "thread_a", ListOptions{Limit: 3, After: after, Order: OrderAsc})
		if err != nil {
			t.Fatalf("ListItems: %v", err)
		}
		for _, item := range page.Items {
			walked = append(walked, item.ID)
		}
		if !page.HasMore {
			if page.NextAfter != "" {
				t.Errorf("NextAfter = %q on final page, want empty", page.NextAfter)
			}
			break
		}
		if page.NextAfter != page.Items[len(page.Items)-1].ID {
			t.Errorf("NextAfter = %q, want last item id %q", page.NextAfter, page.Items[len(page.Items)-1].ID)
		}
		after = page.NextAfter
	}

	if len(walked) != len(ids) {
		t.Fatalf("walked %d items, want %d", len(walked), len(ids))
	}
	for i := range ids {
		if walked[i] != ids[i] {
			t.Errorf("walked[%d] = %q, want %q", i, walked[i], ids[i])
		}
	}
}

func TestMemoryStoreUnknownCursorYieldsEmptyPage(t *testing.T) {
	s := NewMemoryStore()
	addItems(t, s, "thread_a", 3)

	page, err := s.ListItems(context.Background(), "thread_a", ListOptions{Limit: 2, After: "msg_nope", Order: OrderAsc})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 0 || page.HasMore || page.NextAfter != "" {
		t.Errorf("page = %+v, want empty page with has_more=false", page)
	}
}

func TestMemoryStoreZeroLimitReturnsEverything(t *testing.T) {
	s := NewMemoryStore()
	addItems(t, s, "thread_a", 4)

	page, err := s.ListItems(context.Background(), "thread_a", ListOptions{Order: OrderAsc})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 4 {
		t.Errorf("got %d items, want 4", len(page.Items))
	}
	if page.HasMore {
		t.Error("HasMore = true with zero limit")
	}
}

func TestMemoryStoreListThreadsOrderAndCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 4; i++ {
		th := Thread{
			ID:        fmt.Sprintf("thread_%03d", i),
			Metadata:  map[string]string{},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveThread(ctx, th); err != nil {
			t.Fatalf("SaveThread: %v", err)
		}
		ids = append(ids, th.ID)
	}

	page, err := s.ListThreads(ctx, ListOptions{Limit: 2, Order: OrderDesc})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("page = %d items, has_more=%v", len(page.Items), page.HasMore)
	}
	if page.Items[0].ID != ids[3] || page.Items[1].ID != ids[2] {
		t.Errorf("desc page = [%s %s], want [%s %s]", page.Items[0].ID, page.Items[1].ID, ids[3], ids[2])
	}

	next, err := s.ListThreads(ctx, ListOptions{Limit: 2, After: page.NextAfter, Order: OrderDesc})
	if err != nil {
		t.Fatalf("ListThreads page 2: %v", err)
	}
	if len(next.Items) != 2 || next.HasMore {
		t.Fatalf("page 2 = %d items, has_more=%v", len(next.Items), next.HasMore)
	}
	if next.Items[0].ID != ids[1] || next.Items[1].ID != ids[0] {
		t.Errorf("desc page 2 = [%s %s], want [%s %s]", next.Items[0].ID, next.Items[1].ID, ids[1], ids[0])
	}
}

func TestMemoryStoreDeleteThreadRemovesItems(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	th := s.CreateThread()
	if err := s.SaveThread(ctx, th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	addItems(t, s, th.ID, 2)

	if err := s.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.LoadThread(ctx, th.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadThread after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.ListItems(ctx, th.ID, ListOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListItems after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListItemsMissingThread(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.ListItems(context.Background(), "thread_missing", ListOptions{Limit: 5, Order: OrderAsc})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListItemsUnsavedThreadWithItems(t *testing.T) {
	s := NewMemoryStore()
	addItems(t, s, "thread_a", 2)

	// The relaxed AddItem path makes the thread known without a save.
	page, err := s.ListItems(context.Background(), "thread_a", ListOptions{Order: OrderAsc})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("got %d items, want 2", len(page.Items))
	}
}

func TestMemoryStoreDeleteItem(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ids := addItems(t, s, "thread_a", 3)

	if err := s.DeleteItem(ctx, "thread_a", ids[1]); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if err := s.DeleteItem(ctx, "thread_a", ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	page, err := s.ListItems(ctx, "thread_a", ListOptions{Order: OrderAsc})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(page.Items))
	}
	if page.Items[0].ID != ids[0] || page.Items[1].ID != ids[2] {
		t.Errorf("remaining = [%s %s], want [%s %s]", page.Items[0].ID, page.Items[1].ID, ids[0], ids[2])
	}
}

func TestThreadItemText(t *testing.T) {
	item := ThreadItem{Content: []ContentPart{
		TextPart("Hello"),
		{Type: "chart", Data: []byte(`{"series":[]}`)},
		TextPart("world"),
	}}
	if got := item.Text(); got != "Hello world" {
		t.Errorf("Text() = %q, want %q", got, "Hello world")
	}
}
