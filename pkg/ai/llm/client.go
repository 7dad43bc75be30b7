/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package llm is the model-agnostic role dispatcher. A logical role
// (strategist, briefer, consolidator, venue_generator, holiday) resolves to a
// configured model id; the model id prefix selects the provider family; the
// family adapter applies provider-specific conventions. Provider failures are
// soft: the Response envelope carries Ok=false rather than an error, so
// callers decide degradation semantics. Errors are reserved for
// configuration problems, which fail fast.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/melodydashora/vecto-pilot/internal/config"
)

// Role is a logical producer name resolved to a model at config time.
type Role string

const (
	RoleStrategist     Role = config.RoleStrategist
	RoleBriefer        Role = config.RoleBriefer
	RoleConsolidator   Role = config.RoleConsolidator
	RoleVenueGenerator Role = config.RoleVenueGenerator
	RoleHoliday        Role = config.RoleHoliday
)

// Prompt is the role-agnostic input shape. WantJSON asks the dispatcher to
// run JSON cleanup on providers that wrap structured output in prose or
// fenced code blocks.
type Prompt struct {
	System   string
	User     string
	WantJSON bool
}

// Response is the normalized result envelope. Ok=false with Transient=true
// marks a retryable failure class; the retry wrapper has already exhausted
// its budget by the time callers see it.
type Response struct {
	Ok        bool
	Output    string
	Citations []string
	Err       string
	Transient bool
}

// Client dispatches role calls to the configured providers.
type Client interface {
	Dispatch(ctx context.Context, role Role, prompt Prompt) (*Response, error)
}

type family string

const (
	familyOpenAI     family = "openai"
	familyAnthropic  family = "anthropic"
	familyGemini     family = "gemini"
	familyPerplexity family = "perplexity"
)

// familyForModel selects the provider family from the model id prefix.
func familyForModel(model string) (family, error) {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt"):
		return familyOpenAI, nil
	case strings.HasPrefix(model, "claude"):
		return familyAnthropic, nil
	case strings.HasPrefix(model, "gemini"):
		return familyGemini, nil
	case strings.HasPrefix(model, "sonar"), strings.HasPrefix(model, "pplx"):
		return familyPerplexity, nil
	default:
		return "", fmt.Errorf("unsupported model %q: no provider family for prefix", model)
	}
}

// request is the resolved per-call shape handed to a provider adapter.
type request struct {
	Role            Role
	Model           string
	System          string
	User            string
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	TopK            *int
	ReasoningEffort string
	Search          bool
}

// provider is one model family. Adapters classify their own failures: a
// returned Response always has Ok/Err/Transient populated.
type provider interface {
	call(ctx context.Context, req *request) *Response
}

type client struct {
	cfg    config.LLMConfig
	logger *logrus.Logger

	mu        sync.Mutex
	providers map[family]provider
	breakers  map[family]*gobreaker.CircuitBreaker
}

// NewClient builds a dispatcher over the configured roles. Provider adapters
// are constructed lazily on first use so that credentials are only required
// for families the configuration actually routes to.
func NewClient(cfg config.LLMConfig, logger *logrus.Logger) (Client, error) {
	if len(cfg.Roles) == 0 {
		return nil, fmt.Errorf("no roles configured")
	}
	for role, rc := range cfg.Roles {
		if rc.Model == "" {
			return nil, fmt.Errorf("no model configured for role %s", role)
		}
		if _, err := familyForModel(rc.Model); err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
	}

	c := &client{
		cfg:       cfg,
		logger:    logger,
		providers: make(map[family]provider),
		breakers:  make(map[family]*gobreaker.CircuitBreaker),
	}
	for _, fam := range []family{familyOpenAI, familyAnthropic, familyGemini, familyPerplexity} {
		fam := fam
		c.breakers[fam] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     string(fam),
			Interval: 10 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"provider": name,
					"from":     from.String(),
					"to":       to.String(),
				}).Warn("Provider circuit breaker state change")
			},
		})
	}
	return c, nil
}

func (c *client) Dispatch(ctx context.Context, role Role, prompt Prompt) (*Response, error) {
	rc, ok := c.cfg.Roles[string(role)]
	if !ok || rc.Model == "" {
		return nil, fmt.Errorf("no model configured for role %s", role)
	}

	fam, err := familyForModel(rc.Model)
	if err != nil {
		return nil, err
	}

	prov, err := c.provider(ctx, fam)
	if err != nil {
		return nil, err
	}

	req := &request{
		Role:            role,
		Model:           rc.Model,
		System:          prompt.System,
		User:            prompt.User,
		MaxTokens:       rc.MaxTokens,
		Temperature:     rc.Temperature,
		TopP:            rc.TopP,
		TopK:            rc.TopK,
		ReasoningEffort: rc.ReasoningEffort,
		Search:          rc.SearchEnabled,
	}

	start := time.Now()
	resp := c.callWithRetry(ctx, fam, prov, req)

	entry := c.logger.WithFields(logrus.Fields{
		"role":        string(role),
		"provider":    string(fam),
		"model":       rc.Model,
		"duration_ms": time.Since(start).Milliseconds(),
		"ok":          resp.Ok,
	})
	if resp.Ok {
		entry.Debug("Role dispatch complete")
	} else {
		entry.WithField("error", resp.Err).Warn("Role dispatch failed")
	}

	if resp.Ok && prompt.WantJSON && fam == familyGemini {
		resp.Output = ExtractJSON(resp.Output)
	}
	if resp.Ok && strings.TrimSpace(resp.Output) == "" {
		resp.Ok = false
		resp.Err = "empty response"
	}
	return resp, nil
}

// provider returns the cached adapter for the family, constructing it on
// first use. Missing credentials surface here as configuration errors.
func (c *client) provider(ctx context.Context, fam family) (provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[fam]; ok {
		return p, nil
	}

	var (
		p   provider
		err error
	)
	switch fam {
	case familyOpenAI:
		if c.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("missing credentials for provider openai")
		}
		p, err = newOpenAIProvider(c.cfg.OpenAIAPIKey)
	case familyAnthropic:
		if c.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("missing credentials for provider anthropic")
		}
		p = newAnthropicProvider(c.cfg.AnthropicAPIKey)
	case familyGemini:
		if c.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("missing credentials for provider gemini")
		}
		p, err = newGeminiProvider(ctx, c.cfg.GeminiAPIKey)
	case familyPerplexity:
		if c.cfg.PerplexityAPIKey == "" {
			return nil, fmt.Errorf("missing credentials for provider perplexity")
		}
		p, err = newPerplexityProvider(c.cfg.PerplexityAPIKey)
	default:
		return nil, fmt.Errorf("unsupported provider family %q", fam)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s provider: %w", fam, err)
	}

	c.providers[fam] = p
	return p, nil
}
