package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/workflow"
)

// Classify turns a free-form incident report into structured incident
// fields. When the model is unreachable or returns garbage it degrades to a
// minimal incident built from the raw text, with the severity left unknown,
// so the rest of the pipeline still has something to work with.
type Classify struct {
	Chat  Chatter
	Model string
}

func (s *Classify) Name() string { return "classify" }

const classifyPrompt = `You are an incident triage assistant. Extract structured fields from the incident report below.

Severity is one of P0 (total outage), P1 (major degradation), P2 (partial impact), P3 (minor). Use "?" when the report gives no basis to judge.

Report:
%s`

func (s *Classify) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	schema := &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"title":                  stringSchema("Short incident title, under ten words"),
			"service":                stringSchema("The primary affected service or system"),
			"severity":               stringSchema("P0, P1, P2, P3 or ? when unknown"),
			"components":             stringListSchema("Affected components, hosts or subsystems"),
			"normalized_description": stringSchema("The report rewritten as one clear paragraph"),
		},
		Required: []string{"title", "severity"},
	}

	cctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := s.Chat.Chat(cctx, s.Model, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(classifyPrompt, tc.NormalizedDescription)},
	}, schema)
	if err != nil {
		slog.Warn("incident classification degraded to raw text", "error", err)
		tc.Incident = fallbackIncident(tc.NormalizedDescription)
		emit("Could not reach the classifier. Filed with severity unknown.")
		return nil
	}

	var inc workflow.Incident
	if err := json.Unmarshal([]byte(resp), &inc); err != nil {
		slog.Warn("incident classification returned malformed JSON", "error", err)
		tc.Incident = fallbackIncident(tc.NormalizedDescription)
		emit("Classifier response was unreadable. Filed with severity unknown.")
		return nil
	}

	if inc.Title == "" {
		inc.Title = firstLine(tc.NormalizedDescription)
	}
	if inc.Severity == "" {
		inc.Severity = "?"
	}
	if inc.NormalizedDescription == "" {
		inc.NormalizedDescription = tc.NormalizedDescription
	}
	tc.Incident = &inc

	emit(fmt.Sprintf("Classified as %s affecting %s: %s",
		inc.Severity, firstNonEmpty(inc.Service, "an unknown service"), inc.Title))
	return nil
}

func fallbackIncident(description string) *workflow.Incident {
	return &workflow.Incident{
		Title:                 firstLine(description),
		Severity:              "?",
		NormalizedDescription: description,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
