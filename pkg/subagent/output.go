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

package subagent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/teradata-labs/weft/pkg/types"
)

// The labeled sections every well-formed agent reply carries.
const (
	SectionSummary  = "SUMMARY"
	SectionClaim    = "CLAIM"
	SectionEvidence = "EVIDENCE"
	SectionResult   = "RESULT"
	SectionNextStep = "NEXT_STEP"
)

// DegradedConfidence is assigned when the reply lacked the labeled sections
// and had to be wrapped.
const DegradedConfidence = 0.4

// defaultConfidence is assigned to well-formed replies that report none.
const defaultConfidence = 0.8

var requiredSections = []string{
	SectionSummary, SectionClaim, SectionEvidence, SectionResult, SectionNextStep,
}

// sectionRe matches a section header at the start of a line, tolerating
// markdown prefixes like "## SUMMARY:" or "**CLAIM**:".
var sectionRe = regexp.MustCompile(`(?m)^\s*(?:#+\s*|\*\*)?(SUMMARY|CLAIM|EVIDENCE|RESULT|NEXT_STEP|CONFIDENCE)(?:\*\*)?\s*:\s*`)

// contradictionRe flags self-undercutting language inside a reply.
var contradictionRe = regexp.MustCompile(`(?i)\b(contradict\w*|inconsistent|cannot both|conflicts? with|mutually exclusive)\b`)

// Output is the normalized form of one agent reply.
type Output struct {
	Summary  string `json:"summary"`
	Claim    string `json:"claim"`
	Evidence string `json:"evidence"`
	Result   string `json:"result"`
	NextStep string `json:"next_step"`
	Raw      string `json:"raw"`

	Degraded   bool    `json:"degraded,omitempty"`
	Confidence float64 `json:"confidence"`
}

// EvidenceCount returns the number of non-empty evidence lines.
func (o Output) EvidenceCount() int {
	count := 0
	for _, line := range strings.Split(o.Evidence, "\n") {
		if strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• ")) != "" {
			count++
		}
	}
	return count
}

// Diagnostics derives the member-level quality signals from the output.
func (o Output) Diagnostics() types.MemberDiagnostics {
	var contradictions []string
	for _, text := range []string{o.Claim, o.Result} {
		for _, m := range contradictionRe.FindAllString(text, -1) {
			contradictions = append(contradictions, strings.ToLower(m))
		}
	}
	return types.MemberDiagnostics{
		Confidence:           o.Confidence,
		EvidenceCount:        o.EvidenceCount(),
		ContradictionSignals: contradictions,
		Degraded:             o.Degraded,
	}
}

// ParseOutput normalizes a raw reply. When every required section is present
// the sections are split out; otherwise the whole text is preserved under
// RESULT with a degraded marker and reduced confidence.
func ParseOutput(raw string) Output {
	sections := splitSections(raw)

	for _, name := range requiredSections {
		if _, ok := sections[name]; !ok {
			return Output{
				Result:     strings.TrimSpace(raw),
				Raw:        raw,
				Degraded:   true,
				Confidence: DegradedConfidence,
			}
		}
	}

	out := Output{
		Summary:    sections[SectionSummary],
		Claim:      sections[SectionClaim],
		Evidence:   sections[SectionEvidence],
		Result:     sections[SectionResult],
		NextStep:   sections[SectionNextStep],
		Raw:        raw,
		Confidence: defaultConfidence,
	}
	if c, ok := sections["CONFIDENCE"]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil && v >= 0 && v <= 1 {
			out.Confidence = v
		}
	}
	return out
}

// splitSections slices the text at each recognized header.
func splitSections(raw string) map[string]string {
	matches := sectionRe.FindAllStringSubmatchIndex(raw, -1)
	sections := make(map[string]string, len(matches))
	for i, m := range matches {
		name := raw[m[2]:m[3]]
		start := m[1]
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		// First occurrence wins.
		if _, seen := sections[name]; !seen {
			sections[name] = strings.TrimSpace(raw[start:end])
		}
	}
	return sections
}

// SectionPrompt is appended to system prompts to request the labeled layout.
const SectionPrompt = `Structure your reply with exactly these labeled sections, each starting on its own line:
SUMMARY: one-paragraph overview of what you did.
CLAIM: your central conclusion, stated plainly.
EVIDENCE: bullet list of concrete observations supporting the claim.
RESULT: the full deliverable.
NEXT_STEP: the single most useful follow-up action.
Optionally add CONFIDENCE: a number in [0,1].`
