// Package llm implements the generate(prompt, role) capability: provider
// clients, an ordered fallback chain per role and the router that selects
// the chain for a role.
package llm

import (
	"context"
	"strings"
)

// Role selects the model configuration used for a generation call.
type Role string

const (
	RoleSynthesizer Role = "synthesizer"
	RoleReflector   Role = "reflector"
	RolePlanner     Role = "planner"
)

// Prompt is a single-turn request: an optional system instruction plus the
// user message.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Generator is the capability consumed by the synthesizer, reflector and
// planner.
type Generator interface {
	Generate(ctx context.Context, role Role, p Prompt) (string, error)
}

// Client is one provider backend. model may be empty to use the provider
// default.
type Client interface {
	Complete(ctx context.Context, model string, p Prompt) (string, error)
	Name() string
}

// Message is an OpenAI-style chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p Prompt) messages() []Message {
	var msgs []Message
	if strings.TrimSpace(p.System) != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.System})
	}
	return append(msgs, Message{Role: "user", Content: p.User})
}
