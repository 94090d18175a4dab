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

// Package llm defines the model invocation contract the scheduler depends
// on, with adapters for the Anthropic API and AWS Bedrock. Adapters return
// provider errors unwrapped so the retry engine can classify throttles and
// transient failures from the message text.
package llm

import (
	"context"
	"fmt"
)

// Request is one model invocation.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Usage      Usage  `json:"usage"`
}

// Invoker executes model requests. Implementations must observe ctx and
// return promptly on cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func validateRequest(req Request) error {
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}
