package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opsloop/opsloop/internal/storage"
	"github.com/opsloop/opsloop/internal/workflow"
)

func newTestMCPDeps(t *testing.T, runner *fakeRunner) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Runner: runner, Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPTool_ReportIncident(t *testing.T) {
	runner := &fakeRunner{notifications: []workflow.Notification{
		{Author: "opsloop", State: "INGESTION", Text: "Reading your message and preparing context."},
		{Author: "summary", State: "FINAL_SUMMARY", Text: "Incident recorded: checkout down"},
	}}
	deps, _ := newTestMCPDeps(t, runner)

	result, err := mcpReportIncident(deps)(context.Background(),
		makeCallToolRequest("report_incident", map[string]interface{}{"text": "checkout is down"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if text != "Incident recorded: checkout down" {
		t.Errorf("text = %q, want only the final summary", text)
	}
	if runner.lastIn.Text != "checkout is down" {
		t.Errorf("runner input = %+v", runner.lastIn)
	}
}

func TestMCPTool_ReportIncident_ContinuesConversation(t *testing.T) {
	runner := &fakeRunner{notifications: []workflow.Notification{
		{Author: "summary", Text: "Follow-up on ticket OPS-1."},
	}}
	deps, _ := newTestMCPDeps(t, runner)

	_, err := mcpReportIncident(deps)(context.Background(),
		makeCallToolRequest("report_incident", map[string]interface{}{
			"text":            "any update?",
			"conversation_id": "c7",
		}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if runner.lastIn.ConversationID != "c7" {
		t.Errorf("conversation id = %q, want c7", runner.lastIn.ConversationID)
	}
}

func TestMCPTool_ReportIncident_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})

	result, err := mcpReportIncident(deps)(context.Background(),
		makeCallToolRequest("report_incident", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool error for missing text")
	}
	if !strings.Contains(toolText(t, result), "text is required") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_ListIncidents(t *testing.T) {
	deps, store := newTestMCPDeps(t, &fakeRunner{})
	err := store.AppendIncident(storage.IncidentRecord{
		ID:             "i1",
		ConversationID: "c1",
		IncidentJSON:   `{"title":"redis evictions","severity":"P2"}`,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendIncident: %v", err)
	}

	result, err := mcpListIncidents(deps)(context.Background(),
		makeCallToolRequest("list_incidents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(toolText(t, result), "redis evictions") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_ListIncidents_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})

	result, err := mcpListIncidents(deps)(context.Background(),
		makeCallToolRequest("list_incidents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("text = %q, want []", toolText(t, result))
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t, &fakeRunner{})
	err := store.AppendIncident(storage.IncidentRecord{
		ID:             "i1",
		ConversationID: "c1",
		IncidentJSON:   `{"title":"api latency","severity":"P2"}`,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendIncident: %v", err)
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("incidents://recent"))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(text.Text, "api latency") {
		t.Errorf("resource = %q", text.Text)
	}
}
