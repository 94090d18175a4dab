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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	defaultBedrockModel  = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	defaultBedrockRegion = "us-east-1"
)

// BedrockInvoker calls models through the AWS Bedrock Converse API.
type BedrockInvoker struct {
	client *bedrockruntime.Client
	model  string
}

// BedrockConfig configures the Bedrock adapter.
type BedrockConfig struct {
	Region string

	// Profile selects a named AWS shared-config profile; empty uses the
	// default credentials chain.
	Profile string

	// Model is the default model id when a request names none.
	Model string
}

// NewBedrockInvoker creates a Bedrock adapter using the default AWS
// credentials chain.
func NewBedrockInvoker(ctx context.Context, cfg BedrockConfig) (*BedrockInvoker, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.Model == "" {
		cfg.Model = defaultBedrockModel
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockInvoker{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  cfg.Model,
	}, nil
}

// Invoke sends the request through Converse and collects the text blocks.
func (b *BedrockInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = b.model
	}
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid bedrock request: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
		Messages: []bedrocktypes.Message{
			{
				Role: bedrocktypes.ConversationRoleUser,
				Content: []bedrocktypes.ContentBlock{
					&bedrocktypes.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
		InferenceConfig: &bedrocktypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}
	if req.System != "" {
		input.System = []bedrocktypes.SystemContentBlock{
			&bedrocktypes.SystemContentBlockMemberText{Value: req.System},
		}
	}

	output, err := b.client.Converse(ctx, input)
	if err != nil {
		// Returned unwrapped so throttling is classifiable downstream.
		return nil, err
	}

	var text strings.Builder
	if msg, ok := output.Output.(*bedrocktypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*bedrocktypes.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}

	resp := &Response{
		Text:       text.String(),
		StopReason: string(output.StopReason),
		Provider:   "bedrock",
		Model:      req.Model,
	}
	if output.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  int(aws.ToInt32(output.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	Tokens().FillUsage(req, resp)
	return resp, nil
}
