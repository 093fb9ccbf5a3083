package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ollamaGenerator struct {
	endpoint string
	client   *http.Client
}

func NewOllamaGenerator(endpoint string) Generator {
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   http.DefaultClient,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Raw     bool          `json:"raw"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate issues one non-streaming request. The prompt is already templated,
// so raw mode keeps ollama from wrapping it again.
func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (string, error) {
	payload := ollamaRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Raw:    true,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			TopK:        req.TopK,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &BackendError{Op: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &BackendError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", &BackendError{Op: "generate", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &BackendError{Op: "generate", Err: fmt.Errorf("ollama returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &BackendError{Op: "decode response", Err: err}
	}
	if out.Error != "" {
		return "", &BackendError{Op: "generate", Err: fmt.Errorf("ollama: %s", out.Error)}
	}
	return strings.TrimSpace(out.Response), nil
}
