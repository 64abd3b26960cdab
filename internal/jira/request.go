package jira

import (
	"strings"
	"unicode/utf8"
)

const (
	maxSummaryLen     = 250
	maxDescriptionLen = 5000
	maxCauses         = 5
	maxActions        = 7
	maxLabels         = 10
	systemLabel       = "opsloop"
)

// IssueInput carries the incident and playbook fields the issue is built
// from. Empty fields are tolerated: summary and severity fall back to
// synthesized defaults so a sparse incident still produces a usable ticket.
type IssueInput struct {
	Title                 string
	Severity              string
	Service               string
	Components            []string
	NormalizedDescription string
	SuspectedCauses       []string
	RecommendedActions    []string
}

// buildPayload assembles the Jira v3 issue creation body, bounding every
// free-form field to its documented limit.
func buildPayload(in IssueInput, projectKey, issueType string) map[string]any {
	fields := map[string]any{
		"project":     map[string]string{"key": projectKey},
		"summary":     buildSummary(in),
		"issuetype":   map[string]string{"name": issueType},
		"description": adfDocument(buildDescription(in)),
		"labels":      buildLabels(in.Severity),
	}
	if p := priorityFor(in.Severity); p != "" {
		fields["priority"] = map[string]string{"name": p}
	}
	return map[string]any{"fields": fields}
}

// buildSummary returns the issue summary: the incident title, or a
// synthesized "Incident: <service>" fallback, truncated to maxSummaryLen.
func buildSummary(in IssueInput) string {
	summary := strings.TrimSpace(in.Title)
	if summary == "" {
		service := strings.TrimSpace(in.Service)
		if service == "" {
			service = "unknown"
		}
		summary = "Incident: " + service
	}
	return truncate(summary, maxSummaryLen)
}

// buildDescription renders the incident and playbook into the plain-text
// description body, bounding causes and actions to their limits.
func buildDescription(in IssueInput) string {
	severity := strings.TrimSpace(in.Severity)
	if severity == "" {
		severity = "P?"
	}
	service := strings.TrimSpace(in.Service)
	if service == "" {
		service = "unknown"
	}

	lines := []string{
		"Severity: " + severity,
		"Service: " + service,
	}
	if len(in.Components) > 0 {
		lines = append(lines, "Components: "+strings.Join(in.Components, ", "))
	}
	if nd := strings.TrimSpace(in.NormalizedDescription); nd != "" {
		lines = append(lines, "", "Summary:", nd)
	}
	if len(in.SuspectedCauses) > 0 {
		lines = append(lines, "", "Likely causes:")
		for _, c := range bounded(in.SuspectedCauses, maxCauses) {
			lines = append(lines, "- "+c)
		}
	}
	if len(in.RecommendedActions) > 0 {
		lines = append(lines, "", "Recommended actions:")
		for _, a := range bounded(in.RecommendedActions, maxActions) {
			lines = append(lines, "- "+a)
		}
	}

	return truncate(strings.TrimSpace(strings.Join(lines, "\n")), maxDescriptionLen)
}

// priorityFor maps severity to a Jira priority name. Only P0 and P1 map;
// every other severity leaves priority unset.
func priorityFor(severity string) string {
	sev := strings.ToUpper(severity)
	switch {
	case strings.Contains(sev, "P0"):
		return "Highest"
	case strings.Contains(sev, "P1"):
		return "High"
	default:
		return ""
	}
}

// buildLabels returns the fixed system label plus a severity-derived label.
// Jira rejects "?" in labels, so unknown severities sanitize it to the
// literal "unknown" token.
func buildLabels(severity string) []string {
	sev := strings.ToLower(strings.TrimSpace(severity))
	if sev == "" {
		sev = "p?"
	}
	sevLabel := "sev-" + strings.ReplaceAll(sev, "?", "unknown")
	labels := []string{systemLabel, sevLabel}
	return bounded(labels, maxLabels)
}

// adfDocument wraps plain text into a minimal Atlassian Document Format body.
func adfDocument(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			},
		},
	}
}

// truncate cuts s to at most max bytes, backing off to the nearest rune
// boundary so the cut never yields a mangled trailing character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func bounded[T any](s []T, max int) []T {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
