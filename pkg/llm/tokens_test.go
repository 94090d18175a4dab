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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCounter_CountsText(t *testing.T) {
	tc := Tokens()
	n := tc.Count("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
	assert.Equal(t, 0, tc.Count(""))
}

func TestFillUsage_EstimatesWhenProviderSilent(t *testing.T) {
	req := Request{System: "You are terse.", Prompt: "Summarize the report."}
	resp := &Response{Text: "SUMMARY: the report is fine."}

	Tokens().FillUsage(req, resp)
	assert.Greater(t, resp.Usage.InputTokens, 0)
	assert.Greater(t, resp.Usage.OutputTokens, 0)
	assert.Equal(t, resp.Usage.InputTokens+resp.Usage.OutputTokens, resp.Usage.TotalTokens)
}

func TestFillUsage_KeepsProviderNumbers(t *testing.T) {
	resp := &Response{Text: "hi", Usage: Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}}
	Tokens().FillUsage(Request{Prompt: "p"}, resp)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
}

func TestInvokerFunc(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: "ok", Provider: req.Provider, Model: req.Model}, nil
	})
	resp, err := inv.Invoke(context.Background(), Request{Provider: "fake", Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}
