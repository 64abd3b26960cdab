package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsloop/opsloop/internal/workflow"
)

// Summary composes the user-visible reply for the turn. It is deterministic:
// everything it says was produced by an earlier step, so there is no model
// call that could contradict the recorded state.
type Summary struct{}

func (s *Summary) Name() string { return "summary" }

func (s *Summary) Run(_ context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	var b strings.Builder

	switch {
	case tc.IsFollowup && tc.IssueKey != "":
		fmt.Fprintf(&b, "Follow-up on ticket %s.\n", tc.IssueKey)
	case tc.IsFollowup:
		b.WriteString("Follow-up on the incident in this conversation.\n")
	case tc.Incident != nil:
		fmt.Fprintf(&b, "Incident recorded: %s\n", tc.Incident.Title)
		fmt.Fprintf(&b, "Severity %s, service %s.\n", tc.Incident.Severity, firstNonEmpty(tc.Incident.Service, "unknown"))
	default:
		b.WriteString("No incident was identified in this message.\n")
	}

	if len(tc.SimilarIncidents) > 0 {
		b.WriteString("\nSimilar past incidents:\n")
		for _, si := range tc.SimilarIncidents {
			line := fmt.Sprintf("- [%s] %s (%s)", si.Severity, si.Title, si.Service)
			if si.TicketKey != "" {
				line += " ticket " + si.TicketKey
			}
			b.WriteString(line + "\n")
		}
	}

	if tc.CodeInsight != "" {
		b.WriteString("\nCode insight: " + tc.CodeInsight + "\n")
	}

	if tc.Playbook != nil {
		if len(tc.Playbook.SuspectedCauses) > 0 {
			b.WriteString("\nLikely causes:\n")
			for _, c := range tc.Playbook.SuspectedCauses {
				b.WriteString("- " + c + "\n")
			}
		}
		if len(tc.Playbook.RecommendedActions) > 0 {
			b.WriteString("\nRecommended actions:\n")
			for _, a := range tc.Playbook.RecommendedActions {
				b.WriteString("- " + a + "\n")
			}
		}
	}

	switch {
	case tc.Ticket != nil:
		fmt.Fprintf(&b, "\nTicket: %s (%s)\n", tc.Ticket.Key, tc.Ticket.URL)
	case tc.TicketError != "":
		b.WriteString("\nTicket creation failed; the incident is recorded and a ticket can be filed manually.\n")
	}

	emit(strings.TrimRight(b.String(), "\n"))
	return nil
}
