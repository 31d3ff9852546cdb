package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/peakform/coach/internal/chat"
	"github.com/peakform/coach/internal/store"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store          *store.Store
	Backend        chat.Backend
	TenantID       string
	DefaultPersona string
}

// NewMCPServer creates an MCP server exposing the coaching conversation
// engine as tools, so agent hosts can chat and manage threads on the
// tenant's behalf.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"coach",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("coach — business coaching conversations with persisted, tenant-scoped threads."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("coach_chat",
			mcp.WithDescription("Send a message to the business coach and return the complete reply. Continues an existing thread when thread_id is given, otherwise starts a new one."),
			mcp.WithString("message", mcp.Description("The message to send"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Existing thread to continue")),
			mcp.WithString("persona", mcp.Description("Coaching persona: coach, strategist, or accountant")),
			mcp.WithString("goal_id", mcp.Description("Business goal to link a new thread to")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List the tenant's conversation threads, most recently updated first."),
		),
		mcpListThreads(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_thread",
			mcp.WithDescription("Delete a conversation thread and all its messages."),
			mcp.WithString("thread_id", mcp.Description("Thread to delete"), mcp.Required()),
		),
		mcpDeleteThread(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"coach://threads/recent",
			"Recent Threads",
			mcp.WithResourceDescription("The 10 most recently updated threads as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentThreads(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		persona := req.GetString("persona", deps.DefaultPersona)
		goalID := req.GetString("goal_id", "")

		var conv *chat.Conversation
		if threadID := req.GetString("thread_id", ""); threadID != "" {
			c, err := deps.Store.Get(threadID, deps.TenantID)
			if errors.Is(err, store.ErrNotFound) {
				return mcpError(fmt.Sprintf("thread %s not found", threadID)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("loading thread: %v", err)), nil
			}
			conv = &c
		}

		sess := chat.NewSession(chat.SessionOptions{
			Backend:      deps.Backend,
			Store:        deps.Store,
			Conversation: conv,
			TenantID:     deps.TenantID,
			Persona:      persona,
			GoalID:       goalID,
		})
		if err := sess.Send(ctx, message); err != nil {
			return mcpError(fmt.Sprintf("sending message: %v", err)), nil
		}

		final := sess.Conversation()
		reply := ""
		if n := len(final.Messages); n > 0 && final.Messages[n-1].Role == chat.RoleAssistant {
			reply = final.Messages[n-1].Content
		}

		b, err := json.Marshal(map[string]any{
			"thread_id": final.ID,
			"title":     final.Title,
			"state":     sess.State(),
			"reply":     reply,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListThreads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threads, err := deps.Store.List(deps.TenantID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing threads: %v", err)), nil
		}

		b, err := json.Marshal(threads)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal threads: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}

		err = deps.Store.Delete(threadID, deps.TenantID)
		if errors.Is(err, store.ErrNotFound) {
			return mcpError(fmt.Sprintf("thread %s not found", threadID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("deleting thread: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted thread %s", threadID)), nil
	}
}

func mcpResourceRecentThreads(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		threads, err := deps.Store.List(deps.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list threads: %w", err)
		}
		if len(threads) > 10 {
			threads = threads[:10]
		}

		type threadSummary struct {
			ID           string `json:"id"`
			Title        string `json:"title"`
			Persona      string `json:"persona"`
			MessageCount int    `json:"message_count"`
			UpdatedAt    string `json:"updated_at"`
		}
		summaries := make([]threadSummary, len(threads))
		for i, th := range threads {
			summaries[i] = threadSummary{
				ID:           th.ID,
				Title:        th.Title,
				Persona:      th.Persona,
				MessageCount: th.MessageCount,
				UpdatedAt:    th.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
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
