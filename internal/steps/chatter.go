// Package steps implements the pipeline stages invoked by the workflow
// orchestrator. Each step is a small struct around the dependencies it
// needs, declared as consumer-side interfaces so tests can substitute them.
package steps

import (
	"context"
	"time"

	"github.com/opsloop/opsloop/internal/llm"
)

// Chatter is the slice of the model client the LLM-backed steps use.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Per-call bounds. Vision gets more headroom because multimodal prompts are
// slower to evaluate.
const (
	chatTimeout   = 60 * time.Second
	visionTimeout = 120 * time.Second
)

func stringSchema(desc string) llm.SchemaProperty {
	return llm.SchemaProperty{Type: "string", Description: desc}
}

func stringListSchema(desc string) llm.SchemaProperty {
	return llm.SchemaProperty{
		Type:        "array",
		Description: desc,
		Items:       &llm.SchemaProperty{Type: "string"},
	}
}
