package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opsloop/opsloop/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runner TurnRunner
	Store  IncidentReader
}

// NewMCPServer creates an MCP server exposing the incident workflow to MCP
// clients: report_incident runs a full turn, list_incidents reads the
// incident memory, and incidents://recent mirrors the latest records.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"opsloop",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("opsloop — incident response copilot: report incidents, follow up on them, and browse incident memory."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("report_incident",
			mcp.WithDescription("Report an incident or follow up on an existing one. Runs the full triage workflow and returns the summary."),
			mcp.WithString("text", mcp.Description("The incident report or follow-up message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; omit to start a new one")),
		),
		mcpReportIncident(deps),
	)

	s.AddTool(
		mcp.NewTool("list_incidents",
			mcp.WithDescription("List recorded incidents, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListIncidents(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"incidents://recent",
			"Recent Incidents",
			mcp.WithResourceDescription("Last 10 recorded incidents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpReportIncident(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		in := workflow.TurnInput{
			ConversationID: req.GetString("conversation_id", ""),
			Text:           text,
		}

		// The MCP surface is synchronous: drain the stream and return the
		// final notification, which is the user-visible summary.
		var last workflow.Notification
		for n := range deps.Runner.Run(ctx, in) {
			last = n
		}
		if last.Text == "" {
			return mcpError("the workflow produced no output"), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: last.Text},
			},
		}, nil
	}
}

func mcpListIncidents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}

		records, err := deps.Store.ListIncidents(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list incidents: %v", err)), nil
		}

		views := make([]IncidentView, 0, len(records))
		for _, rec := range records {
			views = append(views, incidentView(rec))
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal incidents: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: string(b)},
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Store.ListIncidents(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list incidents: %w", err)
		}

		views := make([]IncidentView, 0, len(records))
		for _, rec := range records {
			views = append(views, incidentView(rec))
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal incidents: %w", err)
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

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
