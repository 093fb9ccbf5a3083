package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

// Generate runs the command once per request. Calls are serialized; the
// external process is not assumed to be reentrant.
func (g *execGenerator) Generate(ctx context.Context, req Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopK:        req.TopK,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", &BackendError{Op: "encode request", Err: err}
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", &BackendError{Op: "exec", Err: err}
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", &BackendError{Op: "decode response", Err: err}
	}
	if resp.Error != "" {
		return "", &BackendError{Op: "exec", Err: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Content, nil
}
