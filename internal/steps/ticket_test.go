package steps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opsloop/opsloop/internal/jira"
	"github.com/opsloop/opsloop/internal/workflow"
)

type fakeCreator struct {
	ticket *jira.Ticket
	err    error
	lastIn jira.IssueInput
	calls  int
}

func (f *fakeCreator) CreateIncidentIssue(_ context.Context, in jira.IssueInput) (*jira.Ticket, error) {
	f.calls++
	f.lastIn = in
	return f.ticket, f.err
}

func TestTicketCreatesIssueFromContext(t *testing.T) {
	creator := &fakeCreator{ticket: &jira.Ticket{Key: "KAN-7", URL: "https://acme.atlassian.net/browse/KAN-7"}}
	s := &Ticket{Client: creator}
	tc := &workflow.TurnContext{
		Incident: &workflow.Incident{
			Title:                 "checkout down",
			Severity:              "P0",
			Service:               "checkout",
			Components:            []string{"payments-api"},
			NormalizedDescription: "checkout hard down since 12:00",
		},
		Playbook: &workflow.Playbook{
			SuspectedCauses:    []string{"bad deploy"},
			RecommendedActions: []string{"roll back"},
		},
	}
	emit, texts := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tc.Ticket == nil || tc.Ticket.Key != "KAN-7" {
		t.Fatalf("ticket = %+v", tc.Ticket)
	}
	if tc.IssueKey != "KAN-7" {
		t.Errorf("issue key = %q, want KAN-7", tc.IssueKey)
	}
	if creator.lastIn.Severity != "P0" || creator.lastIn.Service != "checkout" {
		t.Errorf("issue input = %+v", creator.lastIn)
	}
	if len(creator.lastIn.SuspectedCauses) != 1 || len(creator.lastIn.RecommendedActions) != 1 {
		t.Errorf("playbook fields not forwarded: %+v", creator.lastIn)
	}
	if len(*texts) != 1 || !strings.Contains((*texts)[0], "KAN-7") {
		t.Errorf("emits = %v", *texts)
	}
}

func TestTicketSkipsFollowUp(t *testing.T) {
	creator := &fakeCreator{}
	s := &Ticket{Client: creator}
	tc := &workflow.TurnContext{
		IsFollowup: true,
		IssueKey:   "KAN-3",
		Incident:   &workflow.Incident{Title: "still broken", Severity: "P1"},
	}
	emit, texts := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if creator.calls != 0 {
		t.Errorf("client called %d times on a follow-up, want 0", creator.calls)
	}
	if len(*texts) != 1 || !strings.Contains((*texts)[0], "KAN-3") {
		t.Errorf("emits = %v, want a mention of the existing ticket", *texts)
	}
}

func TestTicketSkipsWithoutIncident(t *testing.T) {
	creator := &fakeCreator{}
	s := &Ticket{Client: creator}
	tc := &workflow.TurnContext{NormalizedDescription: "just chatting"}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if creator.calls != 0 {
		t.Errorf("client called %d times without an incident, want 0", creator.calls)
	}
}

func TestTicketErrorPropagates(t *testing.T) {
	creator := &fakeCreator{err: &jira.Error{Detail: "401 unauthorized"}}
	s := &Ticket{Client: creator}
	tc := &workflow.TurnContext{Incident: &workflow.Incident{Title: "down", Severity: "P1"}}
	emit, _ := collectEmits()

	err := s.Run(context.Background(), tc, emit)
	var jiraErr *jira.Error
	if !errors.As(err, &jiraErr) {
		t.Fatalf("err = %v, want *jira.Error", err)
	}
	if tc.Ticket != nil {
		t.Error("ticket set despite failure")
	}
}
