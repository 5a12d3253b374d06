// Package api exposes the chat service over HTTP: a single /chat
// endpoint speaking an operation envelope, and a small /auth surface
// for session tokens.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spendo/spendo/internal/chat"
	"github.com/spendo/spendo/internal/convo"
	"github.com/spendo/spendo/internal/identity"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHandler returns the HTTP handler for the chat and auth surfaces.
func NewHandler(orch *convo.Orchestrator, store chat.Store, sessions *SessionManager) http.Handler {
	r := chi.NewRouter()
	r.Use(sessions.WithSession)

	r.Get("/chat", handleHealth)
	r.Post("/chat", handleEnvelope(orch, store))
	r.Post("/auth/login", handleLogin(sessions))
	r.Post("/auth/logout", handleLogout(sessions))
	r.Get("/auth/me", handleMe)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// envelope is the single POST /chat request body. Op selects the
// operation; the remaining fields apply per op.
type envelope struct {
	Op       string `json:"op"`
	ThreadID string `json:"thread_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	After    string `json:"after,omitempty"`
	Order    string `json:"order,omitempty"`
}

func handleEnvelope(orch *convo.Orchestrator, store chat.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		switch env.Op {
		case "threads.list":
			handleListThreads(w, r, store, env)
		case "items.list":
			handleListItems(w, r, store, env)
		case "threads.delete":
			handleDeleteThread(w, r, store, env)
		case "message":
			handleMessage(w, r, orch, env)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown op %q", env.Op)
		}
	}
}

func handleListThreads(w http.ResponseWriter, r *http.Request, store chat.Store, env envelope) {
	page, err := store.ListThreads(r.Context(), listOptions(env, chat.OrderDesc))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "listing threads: %v", err)
		return
	}

	views := make([]threadView, len(page.Items))
	for i, t := range page.Items {
		views[i] = newThreadView(t)
	}
	writeJSON(w, pageView[threadView]{Items: views, HasMore: page.HasMore, NextAfter: page.NextAfter})
}

func handleListItems(w http.ResponseWriter, r *http.Request, store chat.Store, env envelope) {
	if env.ThreadID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "thread_id is required")
		return
	}

	page, err := store.ListItems(r.Context(), env.ThreadID, listOptions(env, chat.OrderAsc))
	if errors.Is(err, chat.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "thread %s not found", env.ThreadID)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "listing items: %v", err)
		return
	}

	views := make([]itemView, len(page.Items))
	for i, item := range page.Items {
		views[i] = newItemView(item)
	}
	writeJSON(w, pageView[itemView]{Items: views, HasMore: page.HasMore, NextAfter: page.NextAfter})
}

func handleDeleteThread(w http.ResponseWriter, r *http.Request, store chat.Store, env envelope) {
	if env.ThreadID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "thread_id is required")
		return
	}

	err := store.DeleteThread(r.Context(), env.ThreadID)
	if errors.Is(err, chat.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "thread %s not found", env.ThreadID)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "deleting thread: %v", err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func handleMessage(w http.ResponseWriter, r *http.Request, orch *convo.Orchestrator, env envelope) {
	if env.Text == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
		return
	}

	// The turn runs to completion before any event is written, so a
	// persistence failure can still become a proper error status.
	turn, err := orch.ProcessMessage(r.Context(), env.ThreadID, env.Text)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "processing message: %v", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if turn.ThreadCreated {
		writeEvent(w, flusher, streamEvent{Type: "thread.created", Thread: ptr(newThreadView(turn.Thread))})
	}
	writeEvent(w, flusher, streamEvent{Type: "thread.item.done", Item: ptr(newItemView(turn.AssistantItem))})
}

type streamEvent struct {
	Type   string      `json:"type"`
	Thread *threadView `json:"thread,omitempty"`
	Item   *itemView   `json:"item,omitempty"`
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev streamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func handleLogin(sessions *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		token, err := sessions.Login(r.Context(), req.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"token": token, "user_id": req.UserID})
	}
}

func handleLogout(sessions *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
			return
		}
		if err := sessions.Logout(r.Context(), token); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ending session: %v", err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserFromContext(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
		return
	}
	writeJSON(w, map[string]string{"user_id": userID})
}

func listOptions(env envelope, defaultOrder chat.Order) chat.ListOptions {
	order := chat.Order(env.Order)
	if order != chat.OrderAsc && order != chat.OrderDesc {
		order = defaultOrder
	}
	return chat.ListOptions{Limit: env.Limit, After: env.After, Order: order}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func ptr[T any](v T) *T { return &v }
