package modelrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/goclawd/internal/coerr"
)

// Ollama drives a local Ollama daemon over its OpenAI-compatible
// streaming chat endpoint. baseURL should end in /v1, matching the
// convention the rest of this ecosystem uses for OpenAI-compatible
// providers.
type Ollama struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

// NewOllama builds an Ollama runner against baseURL.
func NewOllama(baseURL string, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 0}, // streaming: no overall deadline, ctx governs cancellation
		Logger:  logger,
	}
}

// EnsureLoaded probes /api/show so a cold model is paged in before the
// first chat request; Ollama itself lazily loads on first use, so a
// failed probe is logged but not fatal.
func (o *Ollama) EnsureLoaded(ctx context.Context, modelID string) error {
	nativeURL := strings.TrimSuffix(strings.TrimSuffix(o.BaseURL, "/"), "/v1")
	model := strings.TrimPrefix(modelID, "ollama/")

	body := fmt.Sprintf(`{"model":%q}`, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nativeURL+"/api/show", strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ensure_loaded request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		o.Logger.Debug("ollama ensure_loaded probe failed", "model", model, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		o.Logger.Debug("ollama ensure_loaded probe non-200", "model", model, "status", resp.StatusCode)
	}
	return nil
}

// Unload is a no-op: Ollama manages its own model residency and
// eviction policy.
func (o *Ollama) Unload(context.Context) error { return nil }

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// RunChat streams a chat completion, calling onToken once per content
// delta, and returns the assembled result plus measured tokens/sec.
func (o *Ollama) RunChat(ctx context.Context, modelID string, messages []Message, params Parameters, onToken OnToken, cancel CancelSignal) (Result, float64, error) {
	options := map[string]any(params)
	reqBody := ollamaChatRequest{Model: strings.TrimPrefix(modelID, "ollama/"), Messages: messages, Stream: true, Options: options}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, 0, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(o.BaseURL, "/")+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return Result{}, 0, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return Result{}, 0, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, 0, fmt.Errorf("ollama chat returned status %d", resp.StatusCode)
	}

	start := time.Now()
	var text strings.Builder
	var finishReason string
	var usage Usage
	tokenCount := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if cancel != nil && cancel.IsSet() {
			return Result{}, 0, &coerr.CanceledError{Row: modelID}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				tokenCount++
				if onToken != nil {
					onToken(choice.Delta.Content)
				}
			}
			if choice.FinishReason != nil {
				finishReason = *choice.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, 0, fmt.Errorf("read chat stream: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	tps := float64(tokenCount)
	if elapsed > 0 {
		tps = float64(tokenCount) / elapsed
	}
	if usage.TotalTokens == 0 {
		usage.CompletionTokens = tokenCount
		usage.TotalTokens = usage.PromptTokens + tokenCount
	}

	return Result{Text: text.String(), FinishReason: finishReason, Usage: usage}, tps, nil
}
