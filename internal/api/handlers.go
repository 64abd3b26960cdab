package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opsloop/opsloop/internal/attach"
	"github.com/opsloop/opsloop/internal/storage"
	"github.com/opsloop/opsloop/internal/workflow"
)

const maxTurnBodySize = 20 << 20 // screenshots ride inline as base64

// TurnRunner abstracts the workflow orchestrator for the API layer.
type TurnRunner interface {
	Run(ctx context.Context, in workflow.TurnInput) <-chan workflow.Notification
}

// IncidentReader is the slice of the store the read-only endpoints use.
type IncidentReader interface {
	GetIncident(id string) (storage.IncidentRecord, error)
	ListIncidents(limit int) ([]storage.IncidentRecord, error)
	GetConversation(id string) (storage.Conversation, error)
}

type AppDeps struct {
	Runner TurnRunner
	Store  IncidentReader
	Token  string
}

// TurnRequest is the body of POST /turns.
type TurnRequest struct {
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text"`
	Image          *TurnImage       `json:"image,omitempty"`
	Attachments    []TurnAttachment `json:"attachments,omitempty"`
}

type TurnImage struct {
	Data string `json:"data"` // base64
	MIME string `json:"mime"`
}

type TurnAttachment struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"` // base64
}

// IncidentView is the JSON shape of one incident record with its payloads
// decoded.
type IncidentView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Incident       json.RawMessage `json:"incident"`
	Ticket         json.RawMessage `json:"ticket,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/turns", handleTurn(deps))
		r.Get("/incidents", handleListIncidents(deps))
		r.Get("/incidents/{id}", handleGetIncident(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
	})

	return r
}

// handleTurn runs one conversation turn and streams the notifications back
// as server-sent events, one JSON object per event. The conversation id is
// resolved up front and returned in the X-Conversation-ID header so clients
// can continue the conversation.
func handleTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxTurnBodySize)
		defer r.Body.Close()

		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" && req.Image == nil && len(req.Attachments) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of text, image or attachments is required")
			return
		}

		in, err := turnInput(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if in.ConversationID == "" {
			in.ConversationID = uuid.New().String()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Conversation-ID", in.ConversationID)

		for n := range deps.Runner.Run(r.Context(), in) {
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func turnInput(req TurnRequest) (workflow.TurnInput, error) {
	in := workflow.TurnInput{
		ConversationID: req.ConversationID,
		Text:           req.Text,
	}

	if req.Image != nil {
		data, err := base64.StdEncoding.DecodeString(req.Image.Data)
		if err != nil {
			return workflow.TurnInput{}, fmt.Errorf("invalid base64 image data")
		}
		in.Image = &workflow.ImagePayload{Data: data, MIME: req.Image.MIME}
	}

	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return workflow.TurnInput{}, fmt.Errorf("invalid base64 data for attachment %q", a.Name)
		}
		in.Attachments = append(in.Attachments, attach.Attachment{Name: a.Name, MIME: a.MIME, Data: data})
	}
	return in, nil
}

func handleListIncidents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		records, err := deps.Store.ListIncidents(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list incidents: %v", err)
			return
		}

		views := make([]IncidentView, 0, len(records))
		for _, rec := range records {
			views = append(views, incidentView(rec))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetIncident(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetIncident(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "incident not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get incident: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(incidentView(rec))
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, err := deps.Store.GetConversation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         conv.ID,
			"state":      json.RawMessage(conv.StateJSON),
			"updated_at": conv.UpdatedAt,
		})
	}
}

func incidentView(rec storage.IncidentRecord) IncidentView {
	v := IncidentView{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Incident:       json.RawMessage(rec.IncidentJSON),
		CreatedAt:      rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if rec.TicketJSON != "" {
		v.Ticket = json.RawMessage(rec.TicketJSON)
	}
	return v
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
