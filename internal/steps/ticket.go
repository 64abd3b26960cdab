package steps

import (
	"context"
	"fmt"

	"github.com/opsloop/opsloop/internal/jira"
	"github.com/opsloop/opsloop/internal/workflow"
)

// TicketCreator is the slice of the Jira client the ticket step uses.
type TicketCreator interface {
	CreateIncidentIssue(ctx context.Context, in jira.IssueInput) (*jira.Ticket, error)
}

// Ticket files a Jira issue for a newly classified incident. Follow-up turns
// and turns with no extracted incident are skipped. Errors propagate to the
// orchestrator's containment boundary.
type Ticket struct {
	Client TicketCreator
}

func (s *Ticket) Name() string { return "ticket" }

func (s *Ticket) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	if tc.IsFollowup {
		if tc.IssueKey != "" {
			emit(fmt.Sprintf("Ticket %s already exists for this conversation.", tc.IssueKey))
		}
		return nil
	}
	if tc.Incident == nil {
		emit("No incident extracted this turn; nothing to file.")
		return nil
	}

	in := jira.IssueInput{
		Title:                 tc.Incident.Title,
		Severity:              tc.Incident.Severity,
		Service:               tc.Incident.Service,
		Components:            tc.Incident.Components,
		NormalizedDescription: tc.Incident.NormalizedDescription,
	}
	if tc.Playbook != nil {
		in.SuspectedCauses = tc.Playbook.SuspectedCauses
		in.RecommendedActions = tc.Playbook.RecommendedActions
	}

	ticket, err := s.Client.CreateIncidentIssue(ctx, in)
	if err != nil {
		return err
	}

	tc.Ticket = ticket
	tc.IssueKey = ticket.Key
	emit(fmt.Sprintf("Created ticket %s: %s", ticket.Key, ticket.URL))
	return nil
}
