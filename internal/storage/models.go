package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is the durable snapshot of one conversation's turn state.
// StateJSON holds the full turn-context snapshot and is overwritten on
// every save (last write wins per conversation).
type Conversation struct {
	ID        string
	StateJSON string
	UpdatedAt time.Time
}

// IncidentRecord is one finalized incident as appended to the incident
// memory store. Records are append-only and never mutated.
type IncidentRecord struct {
	ID             string
	ConversationID string
	IncidentJSON   string
	TicketJSON     string // empty when no ticket was created
	CreatedAt      time.Time
}
