package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spendo/spendo/internal/chat"
)

// NewMCPServer creates an MCP server exposing the conversation history
// to desktop agents: listing threads, reading a thread's items, and a
// recent-conversations resource.
func NewMCPServer(store chat.Store) *server.MCPServer {
	s := server.NewMCPServer(
		"spendo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Spendo conversation history: browse financial-advice chat threads and their messages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List conversation threads, most recent first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of threads (default 20)")),
			mcp.WithString("after", mcp.Description("Cursor: list threads after this thread id")),
		),
		mcpListThreads(store),
	)

	s.AddTool(
		mcp.NewTool("read_thread",
			mcp.WithDescription("Read a thread's messages in conversation order."),
			mcp.WithString("thread_id", mcp.Description("Thread id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default all)")),
		),
		mcpReadThread(store),
	)

	s.AddResource(
		mcp.NewResource(
			"spendo://recent",
			"Recent Conversations",
			mcp.WithResourceDescription("The 10 most recent threads as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(store),
	)

	return s
}

func mcpListThreads(store chat.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		after := req.GetString("after", "")

		page, err := store.ListThreads(ctx, chat.ListOptions{Limit: limit, After: after, Order: chat.OrderDesc})
		if err != nil {
			return mcpError(fmt.Sprintf("listing threads failed: %v", err)), nil
		}

		views := make([]threadView, len(page.Items))
		for i, t := range page.Items {
			views[i] = newThreadView(t)
		}
		b, err := json.Marshal(pageView[threadView]{Items: views, HasMore: page.HasMore, NextAfter: page.NextAfter})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal threads: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReadThread(store chat.Store) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		limit := req.GetInt("limit", 0)

		page, err := store.ListItems(ctx, threadID, chat.ListOptions{Limit: limit, Order: chat.OrderAsc})
		if err != nil {
			return mcpError(fmt.Sprintf("reading thread failed: %v", err)), nil
		}

		views := make([]itemView, len(page.Items))
		for i, item := range page.Items {
			views[i] = newItemView(item)
		}
		b, err := json.Marshal(pageView[itemView]{Items: views, HasMore: page.HasMore, NextAfter: page.NextAfter})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(store chat.Store) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		page, err := store.ListThreads(ctx, chat.ListOptions{Limit: 10, Order: chat.OrderDesc})
		if err != nil {
			return nil, fmt.Errorf("failed to list threads: %w", err)
		}

		views := make([]threadView, len(page.Items))
		for i, t := range page.Items {
			views[i] = newThreadView(t)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal threads: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
