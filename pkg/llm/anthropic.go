// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
)

// AnthropicInvoker calls the Anthropic Messages API.
type AnthropicInvoker struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey overrides the ANTHROPIC_API_KEY environment variable.
	APIKey string

	// Model is the default model when a request names none.
	Model string
}

// NewAnthropicInvoker creates an Anthropic adapter.
func NewAnthropicInvoker(cfg AnthropicConfig) *AnthropicInvoker {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	return &AnthropicInvoker{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Invoke sends the request and collects the text blocks of the reply.
func (a *AnthropicInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = a.model
	}
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid anthropic request: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		// Returned unwrapped: the retry engine classifies 429s and
		// transient failures from the SDK error text.
		return nil, err
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := &Response{
		Text:       text.String(),
		StopReason: string(message.StopReason),
		Provider:   "anthropic",
		Model:      req.Model,
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
	Tokens().FillUsage(req, resp)
	return resp, nil
}
