package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Router implements Generator by dispatching each role to its chain.
type Router struct {
	chains map[Role]*Chain
}

// NewRouter wires chains by role directly, mainly for tests.
func NewRouter(chains map[Role]*Chain) *Router {
	return &Router{chains: chains}
}

// Generate runs the chain configured for role.
func (r *Router) Generate(ctx context.Context, role Role, p Prompt) (out string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "llm.Generate", attribute.String("role", string(role)))
	defer func() { telemetry.EndSpan(span, err) }()

	chain, ok := r.chains[role]
	if !ok {
		return "", failure.Newf(failure.ReasonGeneration, "generate", "no generator configured for role %s", role)
	}
	return chain.Complete(ctx, role, p)
}

// Roles lists configured roles in a stable order.
func (r *Router) Roles() []Role {
	out := make([]Role, 0, len(r.chains))
	for role := range r.chains {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build constructs a Router from configuration. Provider clients are shared
// across roles that reference the same provider.
func Build(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := transport.PolicyFromConfig(cfg.Retry)
	clients := map[string]Client{}
	client := func(name string) (Client, error) {
		if c, ok := clients[name]; ok {
			return c, nil
		}
		p, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
		var (
			c   Client
			err error
		)
		switch p.Type {
		case "openai":
			c, err = NewOpenAIClient(name, p, transport.WithLogger(logger.Named(name)))
		case "gemini":
			c, err = NewGeminiClient(ctx, name, p)
		case "echo":
			c = NewEchoClient(name, 0)
		default:
			err = fmt.Errorf("unsupported llm provider type: %s", p.Type)
		}
		if err != nil {
			return nil, err
		}
		clients[name] = c
		return c, nil
	}

	chains := make(map[Role]*Chain, len(cfg.Roles))
	for role, refs := range cfg.Roles {
		var links []Link
		for _, ref := range refs {
			name, model, _ := strings.Cut(ref, "/")
			c, err := client(name)
			if err != nil {
				return nil, fmt.Errorf("llm role %s: %w", role, err)
			}
			links = append(links, Link{Client: c, Model: model})
		}
		chains[Role(role)] = NewChain(policy, logger.Named("llm"), links...)
	}
	return &Router{chains: chains}, nil
}
