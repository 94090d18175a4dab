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

package team

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/types"
)

// Uncertainty thresholds at which collapse signals are raised.
const (
	intraThreshold      = 0.55
	interThreshold      = 0.55
	sysThreshold        = 0.60
	failureThreshold    = 0.30
	noEvidenceThreshold = 0.50

	// untrustedFailureRate forces an untrusted verdict on its own.
	untrustedFailureRate = 0.50

	// contradictionPenalty is added to a member's intra-uncertainty per
	// contradiction signal, capped at contradictionPenaltyCap.
	contradictionPenalty    = 0.10
	contradictionPenaltyCap = 0.30

	// failurePenaltyWeight scales the failure rate's contribution to uSys.
	failurePenaltyWeight = 0.5
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BuildUncertainty derives the run's uncertainty proxy. claims holds, for
// each completed member, the CLAIM and NEXT_STEP text used for pairwise
// disagreement scoring; it is parallel to the completed subset of members.
func BuildUncertainty(members []types.TeamMemberResult, claims []string) types.UncertaintyProxy {
	var proxy types.UncertaintyProxy
	if len(members) == 0 {
		proxy.USys = 1
		proxy.CollapseSignals = []types.CollapseSignal{types.SignalTeammateFailures}
		return proxy
	}

	completed := 0
	noEvidence := 0
	intraSum := 0.0
	for _, m := range members {
		if m.Status != types.MemberCompleted {
			continue
		}
		completed++
		penalty := contradictionPenalty * float64(len(m.Diagnostics.ContradictionSignals))
		if penalty > contradictionPenaltyCap {
			penalty = contradictionPenaltyCap
		}
		intraSum += clamp01((1 - m.Diagnostics.Confidence) + penalty)
		if m.Diagnostics.EvidenceCount == 0 {
			noEvidence++
		}
	}

	failureRate := float64(len(members)-completed) / float64(len(members))

	if completed > 0 {
		proxy.UIntra = clamp01(intraSum / float64(completed))
	} else {
		proxy.UIntra = 1
	}
	proxy.UInter = pairwiseDivergence(claims)
	base := proxy.UIntra
	if proxy.UInter > base {
		base = proxy.UInter
	}
	proxy.USys = clamp01(base + failurePenaltyWeight*failureRate)

	if proxy.UIntra >= intraThreshold {
		proxy.CollapseSignals = append(proxy.CollapseSignals, types.SignalHighIntraUncertainty)
	}
	if proxy.UInter >= interThreshold {
		proxy.CollapseSignals = append(proxy.CollapseSignals, types.SignalHighInterDisagreement)
	}
	if proxy.USys >= sysThreshold {
		proxy.CollapseSignals = append(proxy.CollapseSignals, types.SignalHighSystemUncertainty)
	}
	if failureRate >= failureThreshold {
		proxy.CollapseSignals = append(proxy.CollapseSignals, types.SignalTeammateFailures)
	}
	if completed > 0 && float64(noEvidence)/float64(completed) >= noEvidenceThreshold {
		proxy.CollapseSignals = append(proxy.CollapseSignals, types.SignalInsufficientEvidence)
	}
	return proxy
}

// pairwiseDivergence scores disagreement across member claims as the mean
// normalized edit distance over all pairs. Zero or one claim scores 0.
func pairwiseDivergence(claims []string) float64 {
	if len(claims) < 2 {
		return 0
	}
	dmp := diffmatchpatch.New()
	sum := 0.0
	pairs := 0
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			a := normalizeClaim(claims[i])
			b := normalizeClaim(claims[j])
			longest := len(a)
			if len(b) > longest {
				longest = len(b)
			}
			if longest == 0 {
				continue
			}
			diffs := dmp.DiffMain(a, b, false)
			sum += clamp01(float64(dmp.DiffLevenshtein(diffs)) / float64(longest))
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return clamp01(sum / float64(pairs))
}

func normalizeClaim(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Judge turns the uncertainty proxy and member results into the final
// trust verdict.
func Judge(members []types.TeamMemberResult, proxy types.UncertaintyProxy) types.FinalJudgment {
	completed := 0
	for _, m := range members {
		if m.Status == types.MemberCompleted {
			completed++
		}
	}
	failureRate := 1.0
	if len(members) > 0 {
		failureRate = float64(len(members)-completed) / float64(len(members))
	}

	var verdict types.Verdict
	switch {
	case proxy.USys >= sysThreshold || failureRate >= untrustedFailureRate:
		verdict = types.VerdictUntrusted
	case len(proxy.CollapseSignals) == 0 && proxy.USys < 0.4:
		verdict = types.VerdictTrusted
	default:
		verdict = types.VerdictPartial
	}

	judgment := types.FinalJudgment{
		Verdict:     verdict,
		Confidence:  clamp01(1 - proxy.USys),
		Uncertainty: proxy,
		Reason:      judgeReason(verdict, proxy, completed, len(members)),
	}

	// The next step comes from the most confident completed member.
	best := -1.0
	for _, m := range members {
		if m.Status == types.MemberCompleted && m.Diagnostics.Confidence > best {
			best = m.Diagnostics.Confidence
			judgment.NextStep = memberNextStep(m)
		}
	}
	return judgment
}

func judgeReason(verdict types.Verdict, proxy types.UncertaintyProxy, completed, total int) string {
	if len(proxy.CollapseSignals) == 0 {
		return fmt.Sprintf("%d/%d members completed with system uncertainty %.2f",
			completed, total, proxy.USys)
	}
	names := make([]string, len(proxy.CollapseSignals))
	for i, s := range proxy.CollapseSignals {
		names[i] = string(s)
	}
	return fmt.Sprintf("%s: %d/%d members completed, signals: %s",
		verdict, completed, total, strings.Join(names, ", "))
}

func memberNextStep(m types.TeamMemberResult) string {
	return subagent.ParseOutput(m.Output).NextStep
}
