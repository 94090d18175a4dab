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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for text. Uses tiktoken's cl100k_base
// encoding as a Claude-compatible approximation, falling back to a chars/4
// heuristic when the encoding is unavailable.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalCounter *TokenCounter
	counterOnce   sync.Once
)

// Tokens returns the process-wide token counter.
func Tokens() *TokenCounter {
	counterOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			globalCounter = &TokenCounter{}
			return
		}
		globalCounter = &TokenCounter{encoder: tkm}
	})
	return globalCounter
}

// Count returns the estimated token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc.encoder == nil {
		return len(text) / 4
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// FillUsage completes a response's usage from its text when the provider
// reported nothing.
func (tc *TokenCounter) FillUsage(req Request, resp *Response) {
	if resp == nil || resp.Usage.TotalTokens > 0 {
		return
	}
	if resp.Usage.InputTokens == 0 {
		resp.Usage.InputTokens = tc.Count(req.System) + tc.Count(req.Prompt)
	}
	if resp.Usage.OutputTokens == 0 {
		resp.Usage.OutputTokens = tc.Count(resp.Text)
	}
	resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
}
