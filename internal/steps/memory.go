package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opsloop/opsloop/internal/storage"
	"github.com/opsloop/opsloop/internal/workflow"
)

// IncidentLister is the slice of the incident store memory retrieval uses.
type IncidentLister interface {
	ListIncidents(limit int) ([]storage.IncidentRecord, error)
}

// Memory surfaces past incidents that look like the current one. Matching
// is lexical: token overlap between the current incident's fields and the
// stored records, with service equality weighted heavily.
type Memory struct {
	Incidents IncidentLister
}

func (s *Memory) Name() string { return "memory" }

const (
	memoryScanLimit  = 200
	memoryMaxResults = 3
	serviceBonus     = 0.5
)

func (s *Memory) Run(_ context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	records, err := s.Incidents.ListIncidents(memoryScanLimit)
	if err != nil {
		return fmt.Errorf("listing incident memory: %w", err)
	}

	query := tc.NormalizedDescription
	service := ""
	if tc.Incident != nil {
		query = strings.Join([]string{tc.Incident.Title, tc.Incident.Service, tc.Incident.NormalizedDescription}, " ")
		service = strings.ToLower(tc.Incident.Service)
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var matches []workflow.SimilarIncident
	for _, rec := range records {
		if rec.ConversationID == tc.ConversationID {
			continue
		}
		var inc workflow.Incident
		if err := json.Unmarshal([]byte(rec.IncidentJSON), &inc); err != nil {
			continue
		}

		score := overlap(queryTokens, tokenize(inc.Title+" "+inc.Service+" "+inc.NormalizedDescription))
		if service != "" && service == strings.ToLower(inc.Service) {
			score += serviceBonus
		}
		if score == 0 {
			continue
		}

		match := workflow.SimilarIncident{
			ID:       rec.ID,
			Title:    inc.Title,
			Service:  inc.Service,
			Severity: inc.Severity,
			Score:    score,
		}
		if rec.TicketJSON != "" {
			var t struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal([]byte(rec.TicketJSON), &t); err == nil {
				match.TicketKey = t.Key
			}
		}
		matches = append(matches, match)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > memoryMaxResults {
		matches = matches[:memoryMaxResults]
	}
	tc.SimilarIncidents = matches

	if len(matches) > 0 {
		emit(fmt.Sprintf("Found %d similar past incident(s); the closest is %q.", len(matches), matches[0].Title))
	}
	return nil
}

// tokenize lowercases and splits on non-alphanumerics, dropping tokens too
// short to be discriminating.
func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(tok) < 3 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// overlap is the Jaccard-style share of query tokens present in the doc.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	var hits int
	for tok := range query {
		if _, ok := doc[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
