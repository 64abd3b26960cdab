package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsloop/opsloop/internal/attach"
	"github.com/opsloop/opsloop/internal/storage"
)

type memStore struct {
	conversations map[string]string
	incidents     []storage.IncidentRecord
	appendErr     error
}

func newMemStore() *memStore {
	return &memStore{conversations: map[string]string{}}
}

func (m *memStore) SaveConversation(id, stateJSON string) error {
	m.conversations[id] = stateJSON
	return nil
}

func (m *memStore) GetConversation(id string) (storage.Conversation, error) {
	state, ok := m.conversations[id]
	if !ok {
		return storage.Conversation{}, storage.ErrNotFound
	}
	return storage.Conversation{ID: id, StateJSON: state}, nil
}

func (m *memStore) AppendIncident(rec storage.IncidentRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.incidents = append(m.incidents, rec)
	return nil
}

// countingStep records how many times it ran and optionally mutates the
// context or fails.
type countingStep struct {
	name  string
	runs  int
	onRun func(tc *TurnContext) error
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Run(_ context.Context, tc *TurnContext, _ EmitFunc) error {
	s.runs++
	if s.onRun != nil {
		return s.onRun(tc)
	}
	return nil
}

func drain(ch <-chan Notification) []Notification {
	var out []Notification
	for n := range ch {
		out = append(out, n)
	}
	return out
}

func testOrchestrator(t *testing.T, store *memStore, steps Steps) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(store, store, steps, t.TempDir())
	seq := 0
	o.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	o.now = func() time.Time { return time.Unix(1756500000, 0).UTC() }
	return o
}

func TestRunEachStepExactlyOnce(t *testing.T) {
	classify := &countingStep{name: "classify", onRun: func(tc *TurnContext) error {
		tc.Incident = &Incident{Title: "db down", Service: "payments", Severity: "P1"}
		return nil
	}}
	memory := &countingStep{name: "memory"}
	search := &countingStep{name: "code_search"}
	insight := &countingStep{name: "code_insight"}
	playbook := &countingStep{name: "playbook"}
	ticket := &countingStep{name: "ticket"}
	summary := &countingStep{name: "summary"}

	store := newMemStore()
	o := testOrchestrator(t, store, Steps{
		Classify: classify, Memory: memory, CodeSearch: search,
		CodeInsight: insight, Playbook: playbook, Ticket: ticket, Summary: summary,
	})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "payments db down"}))

	for _, s := range []*countingStep{classify, memory, search, insight, playbook, ticket, summary} {
		if s.runs != 1 {
			t.Errorf("step %s ran %d times, want 1", s.name, s.runs)
		}
	}
}

func TestRunTimelineOrderNewIncident(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "checkout errors"}))

	var tc TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &tc); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	want := []string{
		StateIngestion, StateClassification, StateMemory, StateCodeSearch,
		StateCodeInsight, StatePlaybook, StateTicket, StatePersist, StateSummary,
	}
	if len(tc.Timeline) != len(want) {
		t.Fatalf("timeline = %v, want %v", tc.Timeline, want)
	}
	for i := range want {
		if tc.Timeline[i] != want[i] {
			t.Errorf("timeline[%d] = %q, want %q", i, tc.Timeline[i], want[i])
		}
	}
}

func TestRunVisionOnlyWithImage(t *testing.T) {
	vision := &countingStep{name: "vision"}
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Vision: vision})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "no image here"}))
	if vision.runs != 0 {
		t.Fatalf("vision ran %d times without an image, want 0", vision.runs)
	}

	drain(o.Run(context.Background(), TurnInput{
		ConversationID: "c1",
		Text:           "see screenshot",
		Image:          &ImagePayload{Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"},
	}))
	if vision.runs != 1 {
		t.Fatalf("vision ran %d times with an image, want 1", vision.runs)
	}
}

func TestRunFollowUpSkipsClassification(t *testing.T) {
	classify := &countingStep{name: "classify"}
	store := newMemStore()
	store.conversations["c1"] = `{"jira_issue_key":"OPS-42"}`
	o := testOrchestrator(t, store, Steps{Classify: classify})

	notes := drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "any update?"}))

	if classify.runs != 0 {
		t.Errorf("classify ran %d times on a follow-up, want 0", classify.runs)
	}

	var routed bool
	for _, n := range notes {
		if n.State == StateFollowUp && strings.Contains(n.Text, "OPS-42") {
			routed = true
		}
		if n.State == StateClassification {
			t.Errorf("unexpected classification notification on follow-up: %q", n.Text)
		}
	}
	if !routed {
		t.Error("missing follow-up routing notification naming the issue key")
	}
}

func TestRunFollowUpSurvivesTicketlessTurns(t *testing.T) {
	classify := &countingStep{name: "classify", onRun: func(tc *TurnContext) error {
		tc.Incident = &Incident{Title: "db down", Service: "payments", Severity: "P1"}
		return nil
	}}
	ticket := &countingStep{name: "ticket", onRun: func(tc *TurnContext) error {
		return errors.New("jira unreachable: 503")
	}}
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Classify: classify, Ticket: ticket})

	var last []Notification
	for turn := 1; turn <= 3; turn++ {
		last = drain(o.Run(context.Background(), TurnInput{
			ConversationID: "c1",
			Text:           fmt.Sprintf("update %d", turn),
		}))
	}

	// Without a ticket key the only durable follow-up signal is the incident
	// itself, which must survive the follow-up turns' snapshot overwrites.
	if classify.runs != 1 {
		t.Errorf("classification ran %d times across three turns, want 1", classify.runs)
	}
	if len(store.incidents) != 1 {
		t.Fatalf("incident records = %d, want 1", len(store.incidents))
	}

	var routed bool
	for _, n := range last {
		if n.State == StateFollowUp {
			routed = true
		}
	}
	if !routed {
		t.Error("third turn was not routed as a follow-up")
	}

	var snap TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Incident == nil || snap.Incident.Title != "db down" {
		t.Errorf("snapshot after third turn lost the incident: %+v", snap.Incident)
	}
	if !snap.IncidentPersisted {
		t.Error("snapshot after third turn lost the persisted flag")
	}
}

func TestRunFollowUpCarriesTicketForward(t *testing.T) {
	store := newMemStore()
	store.conversations["c1"] = `{"jira_issue_key":"OPS-7","incident":{"title":"db down"},"ticket":{"key":"OPS-7","url":"https://x.example/browse/OPS-7"},"incident_persisted":true}`
	o := testOrchestrator(t, store, Steps{})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "still broken"}))

	if len(store.incidents) != 0 {
		t.Fatalf("incident records = %d, want 0 for a persisted follow-up", len(store.incidents))
	}
	var snap TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Ticket == nil || snap.Ticket.Key != "OPS-7" {
		t.Errorf("snapshot lost the ticket: %+v", snap.Ticket)
	}
	if snap.Incident == nil || snap.Incident.Title != "db down" {
		t.Errorf("snapshot lost the incident: %+v", snap.Incident)
	}
}

func TestRunPersistsIncidentOnce(t *testing.T) {
	classify := &countingStep{name: "classify", onRun: func(tc *TurnContext) error {
		tc.Incident = &Incident{Title: "db down", Service: "payments", Severity: "P1"}
		return nil
	}}
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Classify: classify})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "payments db down"}))

	if len(store.incidents) != 1 {
		t.Fatalf("incident records = %d, want 1", len(store.incidents))
	}
	rec := store.incidents[0]
	if rec.ConversationID != "c1" {
		t.Errorf("conversation id = %q, want c1", rec.ConversationID)
	}
	var inc Incident
	if err := json.Unmarshal([]byte(rec.IncidentJSON), &inc); err != nil {
		t.Fatalf("parsing incident json: %v", err)
	}
	if inc.Service != "payments" {
		t.Errorf("service = %q, want payments", inc.Service)
	}

	// Calling persistTurn again on the same context must not append twice.
	var tc TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &tc); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	if !tc.IncidentPersisted {
		t.Fatal("snapshot does not mark incident as persisted")
	}
	o.persistTurn(&tc)
	if len(store.incidents) != 1 {
		t.Fatalf("incident records after replay = %d, want 1", len(store.incidents))
	}
}

func TestRunNoIncidentNoRecord(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "hello"}))

	if len(store.incidents) != 0 {
		t.Fatalf("incident records = %d, want 0 when no incident was extracted", len(store.incidents))
	}
	if _, ok := store.conversations["c1"]; !ok {
		t.Error("conversation snapshot missing")
	}
}

func TestRunTicketFailureIsContained(t *testing.T) {
	classify := &countingStep{name: "classify", onRun: func(tc *TurnContext) error {
		tc.Incident = &Incident{Title: "db down", Service: "payments", Severity: "P0"}
		return nil
	}}
	ticket := &countingStep{name: "ticket", onRun: func(tc *TurnContext) error {
		return errors.New("jira: 503 service unavailable")
	}}
	summary := &countingStep{name: "summary"}

	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Classify: classify, Ticket: ticket, Summary: summary})

	notes := drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "payments db down"}))

	if summary.runs != 1 {
		t.Errorf("summary ran %d times after ticket failure, want 1", summary.runs)
	}
	if len(store.incidents) != 1 {
		t.Errorf("incident records = %d, want 1 despite ticket failure", len(store.incidents))
	}
	if store.incidents[0].TicketJSON != "" {
		t.Errorf("ticket json = %q, want empty", store.incidents[0].TicketJSON)
	}

	var failures int
	for _, n := range notes {
		if strings.Contains(n.Text, "Continuing without ticket") {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("ticket failure notifications = %d, want exactly 1", failures)
	}

	var tc TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &tc); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	if tc.Ticket != nil {
		t.Error("ticket set in snapshot despite failure")
	}
	if !strings.Contains(tc.TicketError, "503") {
		t.Errorf("ticket_error = %q, want the step error", tc.TicketError)
	}
}

func TestRunStepFailureDoesNotStopPipeline(t *testing.T) {
	memory := &countingStep{name: "memory", onRun: func(*TurnContext) error {
		return errors.New("store unavailable")
	}}
	playbook := &countingStep{name: "playbook"}
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Memory: memory, Playbook: playbook})

	drain(o.Run(context.Background(), TurnInput{ConversationID: "c1", Text: "api timeouts"}))

	if playbook.runs != 1 {
		t.Errorf("playbook ran %d times after a memory failure, want 1", playbook.runs)
	}
}

func TestRunSavesImageWithConversationPrefix(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	o := NewOrchestrator(store, store, Steps{}, dir)
	o.now = func() time.Time { return time.Unix(1756500000, 0).UTC() }

	drain(o.Run(context.Background(), TurnInput{
		ConversationID: "conv-9",
		Text:           "screenshot attached",
		Image:          &ImagePayload{Data: []byte{0xff, 0xd8, 0xff}, MIME: "image/jpeg"},
	}))

	wantPath := filepath.Join(dir, "conv-9_1756500000.jpg")
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("expected image at %s: %v", wantPath, err)
	}

	var tc TurnContext
	if err := json.Unmarshal([]byte(store.conversations["conv-9"]), &tc); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	if tc.ImagePath != wantPath {
		t.Errorf("image path = %q, want %q", tc.ImagePath, wantPath)
	}
}

func TestRunAttachmentsFoldedIntoDescription(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{})

	drain(o.Run(context.Background(), TurnInput{
		ConversationID: "c1",
		Text:           "see attached log",
		Attachments: []attach.Attachment{
			{Name: "error.log", MIME: "text/plain", Data: []byte("connection refused at 12:01")},
		},
	}))

	var tc TurnContext
	if err := json.Unmarshal([]byte(store.conversations["c1"]), &tc); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	if !strings.Contains(tc.NormalizedDescription, "see attached log") {
		t.Errorf("description lost the user text: %q", tc.NormalizedDescription)
	}
	if !strings.Contains(tc.NormalizedDescription, "error.log") ||
		!strings.Contains(tc.NormalizedDescription, "connection refused") {
		t.Errorf("description missing attachment text: %q", tc.NormalizedDescription)
	}
}

func TestRunGeneratesConversationID(t *testing.T) {
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{})

	drain(o.Run(context.Background(), TurnInput{Text: "new conversation"}))

	if len(store.conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(store.conversations))
	}
	for id := range store.conversations {
		if id == "" {
			t.Error("generated conversation id is empty")
		}
	}
}

func TestRunAbandonedStreamStopsPipeline(t *testing.T) {
	memory := &countingStep{name: "memory"}
	store := newMemStore()
	o := testOrchestrator(t, store, Steps{Memory: memory})

	ctx, cancel := context.WithCancel(context.Background())
	ch := o.Run(ctx, TurnInput{ConversationID: "c1", Text: "db down"})
	<-ch // take the ingestion status, then walk away
	cancel()

	// The channel must close without the caller draining it.
	for range ch {
	}
	if memory.runs > 1 {
		t.Errorf("memory ran %d times after abandonment, want at most 1", memory.runs)
	}
}
