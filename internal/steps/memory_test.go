package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/opsloop/opsloop/internal/storage"
	"github.com/opsloop/opsloop/internal/workflow"
)

type fakeLister struct {
	records []storage.IncidentRecord
	err     error
}

func (f *fakeLister) ListIncidents(int) ([]storage.IncidentRecord, error) {
	return f.records, f.err
}

func record(id, convID, incidentJSON, ticketJSON string) storage.IncidentRecord {
	return storage.IncidentRecord{ID: id, ConversationID: convID, IncidentJSON: incidentJSON, TicketJSON: ticketJSON}
}

func TestMemoryRanksByOverlapAndService(t *testing.T) {
	lister := &fakeLister{records: []storage.IncidentRecord{
		record("a", "other-1",
			`{"title":"checkout latency spike","service":"checkout","severity":"P2","normalized_description":"checkout latency elevated after deploy"}`,
			`{"key":"OPS-1"}`),
		record("b", "other-2",
			`{"title":"dns resolution failures","service":"infra","severity":"P1","normalized_description":"dns lookups failing intermittently"}`,
			""),
		record("c", "other-3",
			`{"title":"billing report delayed","service":"billing","severity":"P3","normalized_description":"nightly report late"}`,
			""),
	}}
	s := &Memory{Incidents: lister}
	tc := &workflow.TurnContext{
		ConversationID: "current",
		Incident: &workflow.Incident{
			Title:                 "checkout errors",
			Service:               "checkout",
			NormalizedDescription: "checkout latency and errors after deploy",
		},
	}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tc.SimilarIncidents) == 0 {
		t.Fatal("no similar incidents found")
	}
	top := tc.SimilarIncidents[0]
	if top.ID != "a" {
		t.Errorf("top match = %s, want a (same service, overlapping terms)", top.ID)
	}
	if top.TicketKey != "OPS-1" {
		t.Errorf("ticket key = %q, want OPS-1", top.TicketKey)
	}
}

func TestMemoryExcludesCurrentConversation(t *testing.T) {
	lister := &fakeLister{records: []storage.IncidentRecord{
		record("a", "current",
			`{"title":"checkout down","service":"checkout","normalized_description":"checkout down"}`, ""),
	}}
	s := &Memory{Incidents: lister}
	tc := &workflow.TurnContext{
		ConversationID: "current",
		Incident:       &workflow.Incident{Title: "checkout down", Service: "checkout", NormalizedDescription: "checkout down"},
	}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tc.SimilarIncidents) != 0 {
		t.Errorf("matched the current conversation's own record: %+v", tc.SimilarIncidents)
	}
}

func TestMemorySkipsMalformedRecords(t *testing.T) {
	lister := &fakeLister{records: []storage.IncidentRecord{
		record("bad", "other", `{not json`, ""),
		record("good", "other",
			`{"title":"payments outage","service":"payments","normalized_description":"payments outage total"}`, ""),
	}}
	s := &Memory{Incidents: lister}
	tc := &workflow.TurnContext{
		ConversationID: "current",
		Incident:       &workflow.Incident{Title: "payments outage", Service: "payments", NormalizedDescription: "payments outage"},
	}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tc.SimilarIncidents) != 1 || tc.SimilarIncidents[0].ID != "good" {
		t.Errorf("similar = %+v, want only the well-formed record", tc.SimilarIncidents)
	}
}

func TestMemoryStoreErrorPropagates(t *testing.T) {
	s := &Memory{Incidents: &fakeLister{err: errors.New("disk gone")}}
	tc := &workflow.TurnContext{NormalizedDescription: "anything at all"}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err == nil {
		t.Fatal("expected an error")
	}
}

func TestMemoryCapsResults(t *testing.T) {
	var records []storage.IncidentRecord
	for i := 0; i < 10; i++ {
		records = append(records, record(
			string(rune('a'+i)), "other",
			`{"title":"payments outage","service":"payments","normalized_description":"payments outage"}`, ""))
	}
	s := &Memory{Incidents: &fakeLister{records: records}}
	tc := &workflow.TurnContext{
		ConversationID: "current",
		Incident:       &workflow.Incident{Title: "payments outage", Service: "payments", NormalizedDescription: "payments outage"},
	}
	emit, _ := collectEmits()

	if err := s.Run(context.Background(), tc, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tc.SimilarIncidents) != memoryMaxResults {
		t.Errorf("results = %d, want %d", len(tc.SimilarIncidents), memoryMaxResults)
	}
}
