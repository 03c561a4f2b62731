package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/askace/config"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// GeminiClient generates text through the Gemini API.
type GeminiClient struct {
	name        string
	client      *genai.Client
	limiter     *rate.Limiter
	temperature float64
	maxTokens   int
}

// NewGeminiClient creates a client for the named provider.
func NewGeminiClient(ctx context.Context, name string, cfg config.LLMProvider) (*GeminiClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm provider %s: Gemini API key not configured", name)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider %s: %w", name, err)
	}
	g := &GeminiClient{name: name, client: client, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return g, nil
}

func (g *GeminiClient) Name() string { return g.name }

func (g *GeminiClient) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	gc := &genai.GenerateContentConfig{}
	if p.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	temperature := g.temperature
	if p.Temperature > 0 {
		temperature = p.Temperature
	}
	if temperature > 0 {
		gc.Temperature = genai.Ptr(float32(temperature))
	}
	maxTokens := g.maxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = int32(maxTokens)
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(p.User), gc)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", g.name, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%s generate: empty response", g.name)
	}
	return text, nil
}
