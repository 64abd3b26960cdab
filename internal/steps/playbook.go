package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/workflow"
)

// Playbook generates suspected causes and recommended actions from
// everything the earlier steps gathered.
type Playbook struct {
	Chat  Chatter
	Model string
}

func (s *Playbook) Name() string { return "playbook" }

const playbookPrompt = `You are an experienced on-call engineer. Based on the incident context below, list the most likely root causes and the concrete next actions the responder should take, ordered by priority.

%s`

func (s *Playbook) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	schema := &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"suspected_causes":    stringListSchema("Likely root causes, most likely first"),
			"recommended_actions": stringListSchema("Concrete actions for the responder, highest priority first"),
		},
		Required: []string{"suspected_causes", "recommended_actions"},
	}

	cctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := s.Chat.Chat(cctx, s.Model, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(playbookPrompt, playbookContext(tc))},
	}, schema)
	if err != nil {
		return fmt.Errorf("playbook generation: %w", err)
	}

	var pb workflow.Playbook
	if err := json.Unmarshal([]byte(resp), &pb); err != nil {
		return fmt.Errorf("parsing playbook response: %w", err)
	}
	if len(pb.SuspectedCauses) == 0 && len(pb.RecommendedActions) == 0 {
		return nil
	}
	tc.Playbook = &pb

	emit(fmt.Sprintf("Playbook ready: %d suspected cause(s), %d recommended action(s).",
		len(pb.SuspectedCauses), len(pb.RecommendedActions)))
	return nil
}

// playbookContext flattens the turn context into the prompt: incident
// fields, similar incidents, and code insight, whichever are present.
func playbookContext(tc *workflow.TurnContext) string {
	var b strings.Builder
	if tc.Incident != nil {
		fmt.Fprintf(&b, "Incident: %s\nService: %s\nSeverity: %s\n", tc.Incident.Title, tc.Incident.Service, tc.Incident.Severity)
		if len(tc.Incident.Components) > 0 {
			fmt.Fprintf(&b, "Components: %s\n", strings.Join(tc.Incident.Components, ", "))
		}
		fmt.Fprintf(&b, "Description: %s\n", tc.Incident.NormalizedDescription)
	} else {
		fmt.Fprintf(&b, "Report: %s\n", tc.NormalizedDescription)
	}

	if len(tc.SimilarIncidents) > 0 {
		b.WriteString("\nSimilar past incidents:\n")
		for _, si := range tc.SimilarIncidents {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", si.Severity, si.Title, si.Service)
		}
	}
	if tc.CodeInsight != "" {
		fmt.Fprintf(&b, "\nCode insight: %s\n", tc.CodeInsight)
	}
	return b.String()
}
