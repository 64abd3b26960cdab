package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/opsloop/opsloop/internal/llm"
	"github.com/opsloop/opsloop/internal/workflow"
)

// Vision extracts machine-readable signals from an inbound screenshot using
// a multimodal model. Its findings land in VisionHints and are folded into
// the normalized description so downstream text-only steps see them.
type Vision struct {
	Chat  Chatter
	Model string
}

func (s *Vision) Name() string { return "vision" }

type visionResult struct {
	ErrorCodes []string `json:"error_codes"`
	Services   []string `json:"services"`
	Summary    string   `json:"summary"`
}

func (s *Vision) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	raw, err := os.ReadFile(tc.ImagePath)
	if err != nil {
		return fmt.Errorf("reading image %s: %w", tc.ImagePath, err)
	}

	schema := &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"error_codes": stringListSchema("Error codes, HTTP statuses or exception names visible in the image"),
			"services":    stringListSchema("Service, host or component names visible in the image"),
			"summary":     stringSchema("One-sentence description of what the screenshot shows"),
		},
		Required: []string{"summary"},
	}

	ctx, cancel := context.WithTimeout(ctx, visionTimeout)
	defer cancel()

	resp, err := s.Chat.Chat(ctx, s.Model, []llm.Message{
		{
			Role:    "user",
			Content: "This screenshot was attached to an incident report. Extract any error codes, service names and a one-sentence summary of what it shows.",
			Images:  []string{base64.StdEncoding.EncodeToString(raw)},
		},
	}, schema)
	if err != nil {
		return fmt.Errorf("vision analysis: %w", err)
	}

	var result visionResult
	if err := json.Unmarshal([]byte(resp), &result); err != nil {
		return fmt.Errorf("parsing vision response: %w", err)
	}

	tc.VisionHints = map[string]string{}
	if len(result.ErrorCodes) > 0 {
		tc.VisionHints["error_codes"] = strings.Join(result.ErrorCodes, ", ")
	}
	if len(result.Services) > 0 {
		tc.VisionHints["services"] = strings.Join(result.Services, ", ")
	}
	if result.Summary != "" {
		tc.VisionHints["summary"] = result.Summary
		if tc.NormalizedDescription != "" {
			tc.NormalizedDescription += "\n\n"
		}
		tc.NormalizedDescription += "[Screenshot] " + result.Summary
		if codes := tc.VisionHints["error_codes"]; codes != "" {
			tc.NormalizedDescription += " Error codes: " + codes + "."
		}
	}

	emit(fmt.Sprintf("Screenshot analyzed: %s", firstNonEmpty(result.Summary, "no readable signals found.")))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
