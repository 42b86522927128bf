package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"taskpulse/internal/config"
	"taskpulse/internal/llm"
)

func TestTemplateReminder(t *testing.T) {
	p := llm.NewTemplateProvider()
	payload := []byte(`{"stage":"T-30M","task":{"title":"submit report","priority":"urgent","due_date":"2026-06-10","due_time":"18:00"}}`)
	text, err := p.Render(context.Background(), llm.KindReminder, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "T-30M") || !strings.Contains(text, "submit report") {
		t.Fatalf("unexpected text: %q", text)
	}
	if !strings.Contains(text, "2026-06-10 18:00") {
		t.Fatalf("due timestamp missing: %q", text)
	}
}

func TestTemplateReminderRejectsGarbage(t *testing.T) {
	p := llm.NewTemplateProvider()
	_, err := p.Render(context.Background(), llm.KindReminder, []byte(`not json`))
	if err == nil || llm.IsTransient(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestTemplateFollowupZeroTasks(t *testing.T) {
	p := llm.NewTemplateProvider()
	payload := []byte(`{"slot":"evening","stats":{"active":0}}`)
	text, err := p.Render(context.Background(), llm.KindFollowup, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "No pending tasks") {
		t.Fatalf("zero-task digest missing: %q", text)
	}
}

func openAITestConfig(endpoint string) *config.Config {
	cfg := config.Default()
	cfg.Render.Backend = "openai"
	cfg.Render.OpenAI.Endpoint = endpoint
	cfg.Render.OpenAI.Model = "test-model"
	cfg.Render.OpenAI.APIKey = "test-key"
	cfg.Render.MaxRetries = 3
	return cfg
}

func completion(text string) map[string]any {
	content, _ := json.Marshal(map[string]string{"text": text})
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(content)}},
		},
	}
}

func TestOpenAIRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completion("here is your reminder"))
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider(openAITestConfig(srv.URL))
	text, err := p.Render(context.Background(), llm.KindReminder, []byte(`{}`))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if text != "here is your reminder" {
		t.Fatalf("text = %q", text)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestOpenAIDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider(openAITestConfig(srv.URL))
	_, err := p.Render(context.Background(), llm.KindReminder, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if llm.IsTransient(err) {
		t.Fatalf("400 must be permanent, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want exactly 1", got)
	}
}

func TestOpenAIGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider(openAITestConfig(srv.URL))
	_, err := p.Render(context.Background(), llm.KindReminder, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !llm.IsTransient(err) {
		t.Fatalf("503 must stay transient, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestOpenAIRejectsMalformedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "just plain prose"}},
			},
		})
	}))
	defer srv.Close()

	p := llm.NewOpenAIProvider(openAITestConfig(srv.URL))
	_, err := p.Render(context.Background(), llm.KindReminder, []byte(`{}`))
	if err == nil || llm.IsTransient(err) {
		t.Fatalf("non-JSON content must be permanent, got %v", err)
	}
}
