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

package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

const perplexityBaseURL = "https://api.perplexity.ai"

// openaiProvider covers the OpenAI family. Reasoning models (o-series,
// gpt-5 family) reject temperature/top_p, so those parameters are omitted
// for them rather than sniffed at the dispatcher layer.
type openaiProvider struct {
	key string
}

func newOpenAIProvider(key string) (*openaiProvider, error) {
	return &openaiProvider{key: key}, nil
}

// isReasoningModel reports whether the model ignores sampling parameters.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "gpt-5")
}

func (p *openaiProvider) call(ctx context.Context, req *request) *Response {
	model, err := openai.New(
		openai.WithToken(p.key),
		openai.WithModel(req.Model),
	)
	if err != nil {
		return failure(err)
	}

	opts := []llms.CallOption{llms.WithMaxTokens(req.MaxTokens)}
	if !isReasoningModel(req.Model) {
		if req.Temperature != nil {
			opts = append(opts, llms.WithTemperature(*req.Temperature))
		}
		if req.TopP != nil {
			opts = append(opts, llms.WithTopP(*req.TopP))
		}
	}

	return generate(ctx, model, req, opts)
}

// perplexityProvider speaks the OpenAI-compatible Perplexity API. Search is
// inherent to the sonar models, so the Search flag needs no extra wiring.
type perplexityProvider struct {
	key string
}

func newPerplexityProvider(key string) (*perplexityProvider, error) {
	return &perplexityProvider{key: key}, nil
}

func (p *perplexityProvider) call(ctx context.Context, req *request) *Response {
	model, err := openai.New(
		openai.WithToken(p.key),
		openai.WithModel(req.Model),
		openai.WithBaseURL(perplexityBaseURL),
	)
	if err != nil {
		return failure(err)
	}

	opts := []llms.CallOption{llms.WithMaxTokens(req.MaxTokens)}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}
	if req.TopP != nil {
		opts = append(opts, llms.WithTopP(*req.TopP))
	}

	return generate(ctx, model, req, opts)
}

// geminiProvider covers the Gemini family. Safety filters are relaxed to the
// permissive level so factual traffic and event content is not blocked.
type geminiProvider struct {
	model *googleai.GoogleAI
}

func newGeminiProvider(ctx context.Context, key string) (*geminiProvider, error) {
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(key),
		googleai.WithHarmThreshold(googleai.HarmBlockNone),
	)
	if err != nil {
		return nil, err
	}
	return &geminiProvider{model: model}, nil
}

func (p *geminiProvider) call(ctx context.Context, req *request) *Response {
	opts := []llms.CallOption{
		llms.WithModel(req.Model),
		llms.WithMaxTokens(req.MaxTokens),
	}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}
	if req.TopP != nil {
		opts = append(opts, llms.WithTopP(*req.TopP))
	}
	if req.TopK != nil {
		opts = append(opts, llms.WithTopK(*req.TopK))
	}

	return generate(ctx, p.model, req, opts)
}

// generate runs a system+user exchange through a langchaingo model and
// normalizes the result.
func generate(ctx context.Context, model llms.Model, req *request, opts []llms.CallOption) *Response {
	messages := []llms.MessageContent{}
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.User))

	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return failure(err)
	}
	if len(resp.Choices) == 0 {
		return &Response{Ok: false, Err: "empty response"}
	}
	return &Response{Ok: true, Output: resp.Choices[0].Content}
}

// anthropicProvider covers the Claude family through the official SDK.
// Search-enabled roles attach the web search tool.
type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(key string) *anthropicProvider {
	return &anthropicProvider{client: anthropic.NewClient(option.WithAPIKey(key))}
}

func (p *anthropicProvider) call(ctx context.Context, req *request) *Response {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}
	if req.Search {
		params.Tools = []anthropic.ToolUnionParam{{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(3),
			},
		}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return failure(err)
	}

	var (
		text      strings.Builder
		citations []string
	)
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		text.WriteString(block.Text)
		for _, cite := range block.Citations {
			if cite.URL != "" {
				citations = append(citations, cite.URL)
			}
		}
	}
	if text.Len() == 0 {
		return &Response{Ok: false, Err: "empty response"}
	}
	return &Response{Ok: true, Output: text.String(), Citations: citations}
}

// failure builds a classified failure envelope.
func failure(err error) *Response {
	return &Response{Ok: false, Err: err.Error(), Transient: isTransient(err)}
}
