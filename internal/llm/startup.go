package llm

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the configured models are
// present locally. Missing models are reported, not pulled: incident triage
// must start fast, and every step degrades gracefully when its model is
// unavailable. Returns a non-nil error only if Ollama is unreachable.
func EnsureReady(ctx context.Context, c *Client, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	for _, model := range models {
		if model == "" {
			continue
		}
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
		} else {
			fmt.Fprintf(w, "model %s: missing (steps using it will degrade)\n", model)
		}
	}

	// Warm up the first model with a trivial request so the opening turn
	// doesn't pay the cold-load penalty.
	if len(models) > 0 && models[0] != "" {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := c.Chat(warmCtx, models[0], []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", models[0], err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", models[0])
		}
	}

	return nil
}
