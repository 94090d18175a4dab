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

// Package subagent admits, executes, and normalizes single delegated
// LLM-backed work units. A definition describes the agent persona and model
// binding; the scheduler runs one task through capacity admission, retries,
// and output normalization.
package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Definition describes one sub-agent: its persona and model binding.
type Definition struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Role           string  `json:"role,omitempty"`
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	SystemPrompt   string  `json:"system_prompt"`
	MaxTokens      int64   `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MinOutputChars int     `json:"min_output_chars,omitempty"`
}

// DefaultMinOutputChars is the floor below which an output counts as empty.
const DefaultMinOutputChars = 20

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "provider", "model", "system_prompt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "role": {"type": "string"},
    "provider": {"type": "string", "enum": ["anthropic", "bedrock"]},
    "model": {"type": "string", "minLength": 1},
    "system_prompt": {"type": "string", "minLength": 1},
    "max_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "min_output_chars": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ValidateDefinition checks raw JSON against the definition schema.
func ValidateDefinition(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate definition: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid definition: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// ParseDefinition validates and decodes a definition from raw JSON.
func ParseDefinition(raw []byte) (Definition, error) {
	var def Definition
	if err := ValidateDefinition(raw); err != nil {
		return def, err
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("failed to decode definition: %w", err)
	}
	if def.MinOutputChars == 0 {
		def.MinOutputChars = DefaultMinOutputChars
	}
	return def, nil
}

// LoadDefinition reads a definition file.
func LoadDefinition(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read definition %s: %w", path, err)
	}
	return ParseDefinition(raw)
}
