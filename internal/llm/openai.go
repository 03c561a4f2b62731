package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/transport"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	name        string
	baseURL     string
	apiKey      string
	temperature float64
	maxTokens   int
	http        *transport.Client
}

// NewOpenAIClient creates a client for the named provider. Retries are left
// to the Chain, so the transport performs a single attempt per call.
func NewOpenAIClient(name string, cfg config.LLMProvider, opts ...transport.Option) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm provider %s: OpenAI API key not configured", name)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	opts = append([]transport.Option{transport.WithRateLimit(cfg.RateLimit)}, opts...)
	policy := transport.NoRetry()
	policy.CallTimeout = 0
	return &OpenAIClient{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		http:        transport.NewClient(cfg.Timeout, policy, opts...),
	}, nil
}

func (c *OpenAIClient) Name() string { return c.name }

// Complete sends a chat completion and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	if model == "" {
		model = "gpt-4o-mini"
	}
	temperature := c.temperature
	if p.Temperature > 0 {
		temperature = p.Temperature
	}
	maxTokens := c.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	req := chatReq{Model: model, Messages: p.messages(), Temperature: temperature, MaxTokens: maxTokens}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/chat/completions", headers, req, &out); err != nil {
		return "", fmt.Errorf("%s chat: %w", c.name, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s chat: no choices", c.name)
	}
	return out.Choices[0].Message.Content, nil
}
