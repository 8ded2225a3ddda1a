package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kohlhas/recollect/internal/query"
	"github.com/kohlhas/recollect/internal/storage"
)

// NewMCPServer creates an MCP server exposing the transcript store to agent
// clients. Every tool goes through the same validation gates as the HTTP
// API.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"recollect",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("recollect — local transcript store for searching and querying past conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_transcripts",
			mcp.WithDescription("Find transcript segments by structured filters or a plain-language question."),
			mcp.WithString("question", mcp.Description("Plain-language question, e.g. 'what was said about deadlines'")),
			mcp.WithString("speaker", mcp.Description("Restrict to one speaker")),
			mcp.WithString("session_id", mcp.Description("Restrict to one capture session")),
			mcp.WithString("contains", mcp.Description("Substring the segment text must contain")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of segments (default 20)")),
		),
		mcpQueryTranscripts(deps),
	)

	s.AddTool(
		mcp.NewTool("run_sql",
			mcp.WithDescription("Run a read-only SELECT over the conversations and segments tables. Statements are validated and row-capped; writes and unknown columns are rejected."),
			mcp.WithString("sql", mcp.Description("A single SELECT statement"), mcp.Required()),
			mcp.WithArray("params", mcp.Description("Positional bind parameters")),
		),
		mcpRunSQL(deps),
	)

	s.AddTool(
		mcp.NewTool("search_transcripts",
			mcp.WithDescription("Semantically search stored transcript segments and return the closest matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchTranscripts(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Fetch one stored conversation with all of its segments."),
			mcp.WithString("id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List stored conversations, newest first."),
			mcp.WithString("speaker", mcp.Description("Restrict to one speaker")),
			mcp.WithString("session_id", mcp.Description("Restrict to one capture session")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of conversations (default 20)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_conversation",
			mcp.WithDescription("Permanently delete one conversation and all of its segments. The deletion is recorded in the audit log."),
			mcp.WithString("id", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Why the conversation is being removed")),
		),
		mcpDeleteConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("store_stats",
			mcp.WithDescription("Report store size: conversations, segments, embedding coverage, schema version."),
		),
		mcpStoreStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"recollect://stats",
			"Store Statistics",
			mcp.WithResourceDescription("Current store statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpQueryTranscripts(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := query.Filter{
			Speaker:   req.GetString("speaker", ""),
			SessionID: req.GetString("session_id", ""),
			Contains:  req.GetString("contains", ""),
			Limit:     req.GetInt("limit", 0),
		}
		if question := req.GetString("question", ""); question != "" {
			parsed, err := query.ParseQuestion(question)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f = parsed
		}
		if f.IsZero() {
			return mcpError("question or at least one filter is required"), nil
		}

		matches, err := deps.Executor.RunFilter(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunSQL(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sqlText, err := req.RequireString("sql")
		if err != nil {
			return mcpError("sql is required"), nil
		}

		// Params is an array; the typed getters only cover scalars.
		var params []any
		if args, ok := req.Params.Arguments.(map[string]any); ok {
			if raw, ok := args["params"].([]any); ok {
				params = raw
			}
		}

		rs, err := deps.Executor.RunSQL(ctx, sqlText, params...)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := json.Marshal(rs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchTranscripts(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		if deps.Embedder == nil {
			return mcpError("semantic search unavailable: no embedding provider configured"), nil
		}

		vec, err := deps.Embedder.Embed(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query: %v", err)), nil
		}

		matches, err := deps.Search.Search(ctx, vec, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(matches)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetConversation(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		conv, segments, err := deps.Store.ReadConversation(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := json.Marshal(buildConversationView(conv, segments))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListConversations(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		convs, err := deps.Store.ListConversations(ctx, storage.ListFilter{
			Speaker:   req.GetString("speaker", ""),
			SessionID: req.GetString("session_id", ""),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		if len(convs) == 0 {
			return mcpText("[]"), nil
		}

		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			summaries[i] = summarize(c)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDeleteConversation(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		reason := req.GetString("reason", "mcp")

		removed, err := deps.Store.DeleteConversation(ctx, id, reason)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		b, err := json.Marshal(map[string]any{
			"status":   "deleted",
			"id":       id,
			"segments": removed,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStoreStats(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Store.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
