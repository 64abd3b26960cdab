package workflow

import (
	"context"

	"github.com/opsloop/opsloop/internal/attach"
	"github.com/opsloop/opsloop/internal/jira"
)

// Incident holds the structured fields extracted from an incident report.
type Incident struct {
	Title                 string   `json:"title"`
	Service               string   `json:"service"`
	Severity              string   `json:"severity"`
	Components            []string `json:"components"`
	NormalizedDescription string   `json:"normalized_description"`
}

// Playbook holds the generated remediation guidance for an incident.
type Playbook struct {
	SuspectedCauses    []string `json:"suspected_causes"`
	RecommendedActions []string `json:"recommended_actions"`
}

// SimilarIncident is a past incident surfaced by memory retrieval.
type SimilarIncident struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Service   string  `json:"service"`
	Severity  string  `json:"severity"`
	TicketKey string  `json:"ticket_key,omitempty"`
	Score     float64 `json:"score"`
}

// CodeMatch is one code location surfaced by code search.
type CodeMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

// TurnContext is the shared scratchpad for one conversation turn. Every step
// reads and writes it; it is created at turn start and discarded after the
// turn, with its durable projection living in the conversation store.
//
// Field ownership: the orchestrator owns ConversationID, ImagePath,
// IsFollowup, IssueKey, TicketError, IncidentPersisted and Timeline; the
// ingestion stage owns NormalizedDescription; each remaining field is owned
// by the step named after it.
type TurnContext struct {
	ConversationID        string            `json:"conversation_id"`
	NormalizedDescription string            `json:"normalized_description,omitempty"`
	ImagePath             string            `json:"image_path,omitempty"`
	VisionHints           map[string]string `json:"vision_hints,omitempty"`
	Incident              *Incident         `json:"incident,omitempty"`
	SimilarIncidents      []SimilarIncident `json:"similar_incidents,omitempty"`
	CodeSearch            []CodeMatch       `json:"code_search,omitempty"`
	CodeInsight           string            `json:"code_insight,omitempty"`
	Playbook              *Playbook         `json:"playbook,omitempty"`
	Ticket                *jira.Ticket      `json:"ticket,omitempty"`
	TicketError           string            `json:"ticket_error,omitempty"`
	IsFollowup            bool              `json:"is_followup"`
	IssueKey              string            `json:"jira_issue_key,omitempty"`
	IncidentPersisted     bool              `json:"incident_persisted"`
	Timeline              []string          `json:"timeline"`
}

// RecordState appends a state name to the timeline unless it is already
// present. First occurrence wins; insertion order is significant.
func (tc *TurnContext) RecordState(name string) {
	for _, s := range tc.Timeline {
		if s == name {
			return
		}
	}
	tc.Timeline = append(tc.Timeline, name)
}

// Notification is one unit of the progress stream emitted during a turn.
// Author identifies the emitter (the orchestrator or a step); State names
// the pipeline state the notification belongs to.
type Notification struct {
	Author string `json:"author"`
	State  string `json:"state,omitempty"`
	Text   string `json:"text"`
}

// EmitFunc lets a step publish progress notifications interleaved with the
// orchestrator's own.
type EmitFunc func(text string)

// Step is one opaque pipeline stage. Implementations must treat expected
// domain failures as data: record an error field in the context and return
// nil. A returned error is logged by the orchestrator and the pipeline
// continues; only the ticket boundary receives dedicated containment.
type Step interface {
	Name() string
	Run(ctx context.Context, tc *TurnContext, emit EmitFunc) error
}

// ImagePayload is an inbound inline image.
type ImagePayload struct {
	Data []byte
	MIME string
}

// TurnInput is the raw input for one turn.
type TurnInput struct {
	ConversationID string
	Text           string
	Image          *ImagePayload
	Attachments    []attach.Attachment
}
