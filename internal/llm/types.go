package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

// Request describes a fully rendered prompt plus sampling options.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
	TopK        int
	TopP        float64
	MaxTokens   int
}

// Generator defines a pluggable LLM backend. Generate is a single
// synchronous call without retries.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendError reports a failed or timed out model call.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// RequestFromConfig fills the sampling options for prompt.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}
}

// NewFromConfig builds the generator for cfg.Mode. Mock mode has no
// generator and returns nil.
func NewFromConfig(cfg config.LLMConfig) (Generator, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Mode {
	case "mock":
		return nil, nil
	case "ollama":
		gen = NewOllamaGenerator(cfg.Endpoint)
	case "exec":
		gen, err = NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
	if cfg.TimeoutMS > 0 {
		gen = WithTimeout(gen, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	return gen, nil
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

// WithTimeout bounds every Generate call made through next.
func WithTimeout(next Generator, timeout time.Duration) Generator {
	return &timeoutGenerator{next: next, timeout: timeout}
}

func (g *timeoutGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.Generate(ctx, req)
}
