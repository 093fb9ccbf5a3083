package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

func TestOllamaGenerateSendsRawPromptAndOptions(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "  Hi there  ", Done: true})
	}))
	defer srv.Close()

	cfg := config.Default().LLM
	gen := NewOllamaGenerator(srv.URL + "/")
	text, err := gen.Generate(context.Background(), RequestFromConfig(cfg, "<start_of_turn>user\nhello"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("expected trimmed response, got %q", text)
	}
	if !got.Raw || got.Stream {
		t.Fatalf("expected raw non-streaming request, got %+v", got)
	}
	if got.Model != "gemma:2b" || got.Options.TopK != 40 || got.Options.TopP != 0.9 || got.Options.Temperature != 0.7 {
		t.Fatalf("sampling options not forwarded: %+v", got)
	}
}

func TestOllamaGenerateStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaGenerator(srv.URL).Generate(context.Background(), Request{Prompt: "x"})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
}

func TestWithTimeoutCancelsSlowBackend(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	gen := WithTimeout(NewOllamaGenerator(srv.URL), 50*time.Millisecond)
	_, err := gen.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewFromConfigMockHasNoGenerator(t *testing.T) {
	cfg := config.Default().LLM
	cfg.Mode = "mock"
	gen, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if gen != nil {
		t.Fatalf("expected nil generator in mock mode, got %T", gen)
	}
}
