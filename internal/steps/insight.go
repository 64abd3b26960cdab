package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/workflow"
)

// CodeInsight asks a model to read the code-search results in the light of
// the incident and explain what the matched code does. It is a no-op when
// code search surfaced nothing.
type CodeInsight struct {
	Chat  Chatter
	Model string
}

func (s *CodeInsight) Name() string { return "code_insight" }

const insightPrompt = `An incident is being triaged. Below are code locations that mention the affected service or components. In at most three sentences, explain what this code does and how it could relate to the incident. Plain prose, no markdown.

Incident: %s

Code:
%s`

func (s *CodeInsight) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	if len(tc.CodeSearch) == 0 {
		return nil
	}

	var b strings.Builder
	for _, m := range tc.CodeSearch {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Snippet)
	}

	incident := tc.NormalizedDescription
	if tc.Incident != nil {
		incident = tc.Incident.Title + ". " + tc.Incident.NormalizedDescription
	}

	cctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := s.Chat.Chat(cctx, s.Model, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(insightPrompt, incident, b.String())},
	}, nil)
	if err != nil {
		return fmt.Errorf("code insight: %w", err)
	}

	tc.CodeInsight = strings.TrimSpace(resp)
	if tc.CodeInsight != "" {
		emit("Code insight: " + tc.CodeInsight)
	}
	return nil
}
