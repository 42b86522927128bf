package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpulse/internal/config"
)

const reminderSystemPrompt = `You write a deadline reminder announcement for a personal task manager.
Return ONLY JSON: {"text": "..."}.
Requirements:
- Make it actionable: include a next step that can be done in ~15 minutes.
- Ask at most ONE clarification question, only if needed.
- Be concise but specific.`

const followupSystemPrompt = `You write a short follow-up summary (morning/noon/evening) for a personal task manager.
Return ONLY JSON: {"text": "..."}.
Be concise, prioritize urgent items, avoid repetition.`

// OpenAIProvider renders through an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	endpoint   string
	model      string
	apiKey     string
	maxRetries int
	httpClient *http.Client
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a client from configuration.
func NewOpenAIProvider(cfg *config.Config) *OpenAIProvider {
	return &OpenAIProvider{
		endpoint:   cfg.Render.OpenAI.Endpoint,
		model:      cfg.Render.OpenAI.Model,
		apiKey:     cfg.Render.OpenAI.APIKey,
		maxRetries: cfg.Render.MaxRetries,
		httpClient: &http.Client{
			Timeout: cfg.RenderTimeout(),
		},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Render posts the payload as a user message and extracts the JSON text
// field from the completion. Transient failures are retried with exponential
// backoff inside this single call; the bound never spans pipeline invocations.
func (p *OpenAIProvider) Render(ctx context.Context, kind Kind, payload []byte) (string, error) {
	if p.apiKey == "" || p.endpoint == "" || p.model == "" {
		return "", &PermanentError{Err: fmt.Errorf("openai provider misconfigured")}
	}
	system := reminderSystemPrompt
	if kind == KindFollowup {
		system = followupSystemPrompt
	}

	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &TransientError{Err: ctx.Err()}
			}
			delay *= 2
		}
		text, err := p.call(ctx, system, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (p *OpenAIProvider) call(ctx context.Context, system string, payload []byte) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": string(payload)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("call completions: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &TransientError{Err: fmt.Errorf("completions %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &PermanentError{Err: fmt.Errorf("completions %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("decode completion: %w", err)}
	}
	if len(completion.Choices) == 0 {
		return "", &PermanentError{Err: fmt.Errorf("completion has no choices")}
	}

	var result struct {
		Text string `json:"text"`
	}
	content := completion.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("completion content is not the expected JSON: %w", err)}
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", &PermanentError{Err: fmt.Errorf("completion produced empty text")}
	}
	return text, nil
}
