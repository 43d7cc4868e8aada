package modelrunner

import (
	"context"
	"strings"
	"time"

	"github.com/basket/goclawd/internal/coerr"
)

// Mock is a deterministic runner for tests: it splits the last
// message's content into whitespace-separated tokens and streams them
// one at a time.
type Mock struct {
	TokenDelay time.Duration
}

// EnsureLoaded is a no-op for Mock.
func (m *Mock) EnsureLoaded(context.Context, string) error { return nil }

// Unload is a no-op for Mock.
func (m *Mock) Unload(context.Context) error { return nil }

// RunChat streams the prompt's words back as tokens.
func (m *Mock) RunChat(ctx context.Context, modelID string, messages []Message, _ Parameters, onToken OnToken, cancel CancelSignal) (Result, float64, error) {
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	tokens := strings.Fields(prompt)
	if len(tokens) == 0 {
		tokens = []string{"ok"}
	}

	start := time.Now()
	var out strings.Builder
	for i, tok := range tokens {
		if cancel != nil && cancel.IsSet() {
			return Result{}, 0, &coerr.CanceledError{Row: modelID}
		}
		select {
		case <-ctx.Done():
			return Result{}, 0, ctx.Err()
		default:
		}
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(tok)
		if onToken != nil {
			onToken(tok)
		}
		if m.TokenDelay > 0 {
			time.Sleep(m.TokenDelay)
		}
	}
	elapsed := time.Since(start).Seconds()
	tps := float64(len(tokens))
	if elapsed > 0 {
		tps = float64(len(tokens)) / elapsed
	}

	return Result{
		Text:         out.String(),
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(tokens),
			TotalTokens:      len(strings.Fields(prompt)) + len(tokens),
		},
	}, tps, nil
}
