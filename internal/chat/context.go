// Package chat keeps the bounded conversation history and renders it into a
// prompt for the language model.
package chat

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Turn struct {
	Role Role
	Text string
}

// Context is safe for concurrent use.
type Context struct {
	window        int
	systemMessage string
	userTmpl      *template.Template
	modelTmpl     *template.Template
	modelOpen     string

	mu    sync.Mutex
	turns []Turn
}

func New(cfg config.ChatConfig) (*Context, error) {
	userTmpl, err := template.New("user").Parse(cfg.UserTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	modelTmpl, err := template.New("model").Parse(cfg.ModelTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse model template: %w", err)
	}
	return &Context{
		window:        cfg.ContextWindow,
		systemMessage: strings.TrimSpace(cfg.SystemMessage),
		userTmpl:      userTmpl,
		modelTmpl:     modelTmpl,
		modelOpen:     cfg.ModelOpen,
	}, nil
}

func (c *Context) AddUserTurn(text string) { c.add(RoleUser, text) }

func (c *Context) AddModelTurn(text string) { c.add(RoleModel, text) }

func (c *Context) add(role Role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, Turn{Role: role, Text: text})
}

// DiscardLastUserTurn removes the newest turn if it is an unanswered user
// turn.
func (c *Context) DiscardLastUserTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.turns); n > 0 && c.turns[n-1].Role == RoleUser {
		c.turns = c.turns[:n-1]
	}
}

// Reset drops every stored turn.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// Turns returns a copy of the stored history.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// BuildPrompt trims the history to the configured window, then renders the
// system message, every remaining turn and the model-open marker.
func (c *Context) BuildPrompt() (string, error) {
	c.mu.Lock()
	c.turns = trim(c.turns, c.window)
	turns := append([]Turn(nil), c.turns...)
	c.mu.Unlock()

	var b strings.Builder
	if c.systemMessage != "" {
		if err := c.userTmpl.Execute(&b, Turn{Role: RoleUser, Text: c.systemMessage}); err != nil {
			return "", fmt.Errorf("render system message: %w", err)
		}
	}
	for _, turn := range turns {
		tmpl := c.userTmpl
		if turn.Role == RoleModel {
			tmpl = c.modelTmpl
		}
		if err := tmpl.Execute(&b, turn); err != nil {
			return "", fmt.Errorf("render %s turn: %w", turn.Role, err)
		}
	}
	b.WriteString(c.modelOpen)
	return b.String(), nil
}

// trim keeps the suffix of turns that starts at the window-th most recent
// user turn. A zero window keeps only the latest user turn onwards; a
// negative window keeps everything.
func trim(turns []Turn, window int) []Turn {
	if window < 0 || len(turns) == 0 {
		return turns
	}
	keep := window
	if keep == 0 {
		keep = 1
	}
	seen := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != RoleUser {
			continue
		}
		seen++
		if seen == keep {
			if i == 0 {
				return turns
			}
			return append([]Turn(nil), turns[i:]...)
		}
	}
	return turns
}
