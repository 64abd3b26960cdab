package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/attach"
	"github.com/opsloop/opsloop/internal/storage"
)

// Pipeline state names as recorded in the turn timeline.
const (
	StateIngestion      = "INGESTION"
	StateVision         = "VISION_ANALYSIS"
	StateClassification = "INCIDENT_CLASSIFICATION"
	StateFollowUp       = "FOLLOW_UP_ROUTING"
	StateMemory         = "MEMORY_RETRIEVAL"
	StateCodeSearch     = "CODE_SEARCH"
	StateCodeInsight    = "CODE_INSIGHT"
	StatePlaybook       = "PLAYBOOK"
	StateTicket         = "TICKET_CREATE"
	StatePersist        = "PERSIST"
	StateSummary        = "FINAL_SUMMARY"
)

// orchestratorAuthor tags notifications emitted by the orchestrator itself,
// as opposed to those emitted by steps.
const orchestratorAuthor = "opsloop"

// ConversationStore persists per-conversation state snapshots.
type ConversationStore interface {
	SaveConversation(id string, stateJSON string) error
	GetConversation(id string) (storage.Conversation, error)
}

// IncidentAppender appends finalized incident records to the incident memory.
type IncidentAppender interface {
	AppendIncident(rec storage.IncidentRecord) error
}

// Steps holds the pipeline's step implementations, one per content-generating
// state. Any step may be nil, in which case its state still appears in the
// timeline but performs no work (used heavily by tests).
type Steps struct {
	Vision      Step
	Classify    Step
	Memory      Step
	CodeSearch  Step
	CodeInsight Step
	Playbook    Step
	Ticket      Step
	Summary     Step
}

// Orchestrator sequences the incident-response pipeline for one turn at a
// time: it builds the turn context, applies the follow-up decision, invokes
// steps in fixed order, contains ticket-creation failures, and persists the
// turn idempotently. A single Orchestrator may serve concurrent turns for
// different conversations; within one turn everything is sequential.
type Orchestrator struct {
	conversations ConversationStore
	incidents     IncidentAppender
	steps         Steps
	imagesDir     string
	logger        *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator. imagesDir is where inbound
// screenshots are persisted.
func NewOrchestrator(conversations ConversationStore, incidents IncidentAppender, steps Steps, imagesDir string) *Orchestrator {
	return &Orchestrator{
		conversations: conversations,
		incidents:     incidents,
		steps:         steps,
		imagesDir:     imagesDir,
		logger:        slog.Default(),
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// Run processes one turn and returns the ordered notification stream. The
// channel is closed when the turn completes. The final notification is the
// user-visible reply. If the caller abandons the stream, ctx cancellation
// stops the turn; persistence must not be assumed committed in that case.
func (o *Orchestrator) Run(ctx context.Context, in TurnInput) <-chan Notification {
	out := make(chan Notification)
	go func() {
		defer close(out)
		o.runTurn(ctx, in, out)
	}()
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, in TurnInput, out chan<- Notification) {
	send := func(n Notification) bool {
		select {
		case out <- n:
			return true
		case <-ctx.Done():
			return false
		}
	}

	conversationID := in.ConversationID
	if conversationID == "" {
		conversationID = o.newID()
	}

	// The follow-up decision is computed once, before any step runs, from
	// the prior snapshot. It is never overwritten afterwards.
	prior := o.loadPriorState(conversationID)
	isFollowup, issueKey := ClassifyFollowUp(prior)

	tc := &TurnContext{
		ConversationID:        conversationID,
		NormalizedDescription: strings.TrimSpace(in.Text),
		IsFollowup:            isFollowup,
		IssueKey:              issueKey,
	}
	if isFollowup {
		o.carryForward(tc, prior)
	}

	// INGESTION: capture image and attachment text into the context.
	tc.RecordState(StateIngestion)
	if !send(o.status(StateIngestion, "Reading your message and preparing context.")) {
		return
	}
	o.ingest(tc, in)

	// First snapshot save, immediately after context creation.
	o.saveSnapshot(tc)

	// VISION_ANALYSIS runs iff an image was captured this turn.
	if tc.ImagePath != "" {
		if !o.runStep(ctx, tc, StateVision, "Analyzing screenshot for error codes and signals.", o.steps.Vision, send) {
			return
		}
	}

	// Exclusive branch: extraction for new incidents, routing for follow-ups.
	if tc.IsFollowup {
		tc.RecordState(StateFollowUp)
		key := tc.IssueKey
		if key == "" {
			key = "(unknown)"
		}
		if !send(o.status(StateFollowUp, fmt.Sprintf("Follow-up detected for ticket %s, skipping incident classification.", key))) {
			return
		}
	} else {
		if !o.runStep(ctx, tc, StateClassification, "Extracting structured incident fields (service, severity, components).", o.steps.Classify, send) {
			return
		}
	}

	// Everything after the branch runs unconditionally.
	if !o.runStep(ctx, tc, StateMemory, "Searching past incidents for similarities.", o.steps.Memory, send) {
		return
	}
	if !o.runStep(ctx, tc, StateCodeSearch, "Searching code for related components.", o.steps.CodeSearch, send) {
		return
	}
	if !o.runStep(ctx, tc, StateCodeInsight, "Summarizing relevant code paths.", o.steps.CodeInsight, send) {
		return
	}
	if !o.runStep(ctx, tc, StatePlaybook, "Generating likely causes and recommended actions.", o.steps.Playbook, send) {
		return
	}

	if !o.runTicket(ctx, tc, send) {
		return
	}

	tc.RecordState(StatePersist)
	if !send(o.status(StatePersist, "Saving this turn and the incident record.")) {
		return
	}
	o.persistTurn(tc)

	if !o.runStep(ctx, tc, StateSummary, "Preparing the final summary.", o.steps.Summary, send) {
		return
	}
}

// runStep records the state, emits the orchestrator's status notification,
// and invokes the step, forwarding its notifications in order. Step errors
// are logged and the pipeline continues. Returns false when the stream was
// abandoned.
func (o *Orchestrator) runStep(ctx context.Context, tc *TurnContext, state, statusText string, step Step, send func(Notification) bool) bool {
	tc.RecordState(state)
	if !send(o.status(state, statusText)) {
		return false
	}
	if step == nil {
		return true
	}

	emit := func(text string) {
		send(Notification{Author: step.Name(), State: state, Text: text})
	}
	if err := step.Run(ctx, tc, emit); err != nil {
		o.logger.Warn("step failed, continuing",
			"state", state,
			"step", step.Name(),
			"conversation_id", tc.ConversationID,
			"error", err,
		)
	}
	return ctx.Err() == nil
}

// runTicket is the fault-containment boundary around ticket creation: any
// error from the ticket step leaves ticket unset, records ticket_error, and
// emits exactly one failure notification. The pipeline always proceeds to
// persistence and the final summary.
func (o *Orchestrator) runTicket(ctx context.Context, tc *TurnContext, send func(Notification) bool) bool {
	tc.RecordState(StateTicket)
	if !send(o.status(StateTicket, "Creating an incident ticket.")) {
		return false
	}
	if o.steps.Ticket == nil {
		return true
	}

	emit := func(text string) {
		send(Notification{Author: o.steps.Ticket.Name(), State: StateTicket, Text: text})
	}
	if err := o.steps.Ticket.Run(ctx, tc, emit); err != nil {
		tc.Ticket = nil
		tc.TicketError = err.Error()
		o.logger.Warn("ticket creation failed, continuing without ticket",
			"conversation_id", tc.ConversationID,
			"error", err,
		)
		if !send(Notification{
			Author: o.steps.Ticket.Name(),
			State:  StateTicket,
			Text:   fmt.Sprintf("Ticket creation failed. Continuing without ticket. Error: %s", err),
		}) {
			return false
		}
	}
	return ctx.Err() == nil
}

// ingest resolves the inbound image and attachments into context fields.
// Absent input is not an error: the turn proceeds with whatever is present.
func (o *Orchestrator) ingest(tc *TurnContext, in TurnInput) {
	if in.Image != nil && len(in.Image.Data) > 0 {
		path, err := saveImage(o.imagesDir, tc.ConversationID, *in.Image, o.now())
		if err != nil {
			o.logger.Warn("saving inbound image failed", "conversation_id", tc.ConversationID, "error", err)
		} else {
			tc.ImagePath = path
		}
	}

	for _, a := range in.Attachments {
		text, err := attach.ExtractText(a)
		if err != nil {
			o.logger.Warn("skipping attachment", "name", a.Name, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if tc.NormalizedDescription != "" {
			tc.NormalizedDescription += "\n\n"
		}
		tc.NormalizedDescription += fmt.Sprintf("[Attachment: %s]\n%s", a.Name, text)
	}
}

// persistTurn saves the full context snapshot and appends the incident
// record at most once per turn. Store failures are logged, never fatal to
// the turn: incident capture must not depend on durable persistence.
func (o *Orchestrator) persistTurn(tc *TurnContext) {
	o.saveSnapshot(tc)

	if tc.Incident == nil || tc.IncidentPersisted {
		return
	}

	incidentJSON, err := json.Marshal(tc.Incident)
	if err != nil {
		o.logger.Error("marshalling incident", "conversation_id", tc.ConversationID, "error", err)
		return
	}
	ticketJSON := ""
	if tc.Ticket != nil {
		b, err := json.Marshal(tc.Ticket)
		if err != nil {
			o.logger.Error("marshalling ticket", "conversation_id", tc.ConversationID, "error", err)
		} else {
			ticketJSON = string(b)
		}
	}

	rec := storage.IncidentRecord{
		ID:             o.newID(),
		ConversationID: tc.ConversationID,
		IncidentJSON:   string(incidentJSON),
		TicketJSON:     ticketJSON,
		CreatedAt:      o.now().UTC(),
	}
	if err := o.incidents.AppendIncident(rec); err != nil {
		o.logger.Error("appending incident record", "conversation_id", tc.ConversationID, "error", err)
		return
	}
	tc.IncidentPersisted = true

	// Refresh the snapshot so the persisted flag survives into the next turn.
	o.saveSnapshot(tc)
}

// carryForward rehydrates a follow-up turn with the conversation's durable
// fields. Snapshot saves are overwrites, so a turn that skips classification
// must copy the prior incident, ticket and persisted flag into its own
// context or the next turn would misread the conversation as new.
func (o *Orchestrator) carryForward(tc *TurnContext, prior map[string]any) {
	b, err := json.Marshal(prior)
	if err != nil {
		return
	}
	var prev TurnContext
	if err := json.Unmarshal(b, &prev); err != nil {
		o.logger.Warn("rehydrating prior turn state", "conversation_id", tc.ConversationID, "error", err)
		return
	}
	tc.Incident = prev.Incident
	tc.Ticket = prev.Ticket
	tc.IncidentPersisted = prev.IncidentPersisted
}

func (o *Orchestrator) saveSnapshot(tc *TurnContext) {
	state, err := json.Marshal(tc)
	if err != nil {
		o.logger.Error("marshalling turn snapshot", "conversation_id", tc.ConversationID, "error", err)
		return
	}
	if err := o.conversations.SaveConversation(tc.ConversationID, string(state)); err != nil {
		o.logger.Error("saving conversation snapshot", "conversation_id", tc.ConversationID, "error", err)
	}
}

// loadPriorState returns the previous turn's snapshot as a raw JSON map, or
// nil when the conversation is new or unreadable.
func (o *Orchestrator) loadPriorState(conversationID string) map[string]any {
	conv, err := o.conversations.GetConversation(conversationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("loading prior conversation state", "conversation_id", conversationID, "error", err)
		}
		return nil
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(conv.StateJSON), &state); err != nil {
		o.logger.Warn("parsing prior conversation state", "conversation_id", conversationID, "error", err)
		return nil
	}
	return state
}

func (o *Orchestrator) status(state, text string) Notification {
	return Notification{Author: orchestratorAuthor, State: state, Text: text}
}

// saveImage writes an inbound image to
// <dir>/<conversationID>_<unixTimestamp>.<ext>, with the extension derived
// from the MIME type: jpg for JPEG variants, png otherwise.
func saveImage(dir, conversationID string, img ImagePayload, now time.Time) (string, error) {
	ext := "png"
	if strings.Contains(img.MIME, "jpeg") || strings.Contains(img.MIME, "jpg") {
		ext = "jpg"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating images directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%d.%s", conversationID, now.Unix(), ext))
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	return path, nil
}
