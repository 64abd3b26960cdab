package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProjectKey = "KAN"
	defaultIssueType  = "Task"
	requestTimeout    = 30 * time.Second
)

// Error is the typed failure for the ticketing boundary. Every failure mode
// of ticket creation (missing configuration, transport error, non-2xx
// response) surfaces as *Error so callers can contain it uniformly.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Config holds the Jira Cloud connection settings. BaseURL, Email and
// APIToken are checked at call time, not at construction: a client with
// missing settings fails the create call with a typed error instead.
type Config struct {
	BaseURL    string
	Email      string
	APIToken   string
	ProjectKey string // default "KAN"
	IssueType  string // default "Task"
}

// Ticket is the successful result of issue creation.
type Ticket struct {
	Key string `json:"key"`
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client creates issues in Jira Cloud via the v3 REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a Jira client. Missing optional settings get defaults;
// missing required settings are reported by CreateIncidentIssue.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ProjectKey == "" {
		cfg.ProjectKey = defaultProjectKey
	}
	if cfg.IssueType == "" {
		cfg.IssueType = defaultIssueType
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// createResponse is the JSON returned by POST /rest/api/3/issue.
type createResponse struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// CreateIncidentIssue files a Jira issue for the given incident and returns
// the created ticket. All failures are returned as *Error.
func (c *Client) CreateIncidentIssue(ctx context.Context, in IssueInput) (*Ticket, error) {
	if c.cfg.BaseURL == "" || c.cfg.Email == "" || c.cfg.APIToken == "" {
		return nil, &Error{Detail: "missing Jira configuration: need jira.base_url, jira.email, jira.api_token"}
	}

	payload := buildPayload(in, c.cfg.ProjectKey, c.cfg.IssueType)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("marshalling issue payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rest/api/3/issue", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Detail: fmt.Sprintf("Jira request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &Error{Detail: fmt.Sprintf("Jira create issue failed (%d): %s", resp.StatusCode, responseDetail(resp.Body))}
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, &Error{Detail: fmt.Sprintf("decoding Jira response: %v", err)}
	}

	browseURL := c.cfg.BaseURL
	if created.Key != "" {
		browseURL = c.cfg.BaseURL + "/browse/" + created.Key
	}

	return &Ticket{Key: created.Key, ID: created.ID, URL: browseURL}, nil
}

// responseDetail extracts a human-readable error detail from a Jira error
// body: the parsed JSON when the body is JSON, the raw text otherwise.
func responseDetail(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "(no response body)"
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		compact, err := json.Marshal(parsed)
		if err == nil {
			return string(compact)
		}
	}
	return strings.TrimSpace(string(body))
}
