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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teradata-labs/weft/pkg/types"
)

func completedMember(id string, confidence float64, evidence int) types.TeamMemberResult {
	return types.TeamMemberResult{
		MemberID: id,
		Status:   types.MemberCompleted,
		Diagnostics: types.MemberDiagnostics{
			Confidence:    confidence,
			EvidenceCount: evidence,
		},
	}
}

func failedMember(id string) types.TeamMemberResult {
	return types.TeamMemberResult{
		MemberID: id,
		Status:   types.MemberFailed,
		Outcome:  types.OutcomeFailure(types.KindTimeout),
	}
}

func TestBuildUncertainty_ConfidentAgreement(t *testing.T) {
	members := []types.TeamMemberResult{
		completedMember("a", 0.9, 2),
		completedMember("b", 0.9, 3),
	}
	claims := []string{"the cache is healthy", "the cache is healthy"}

	proxy := BuildUncertainty(members, claims)
	assert.InDelta(t, 0.1, proxy.UIntra, 0.01)
	assert.Equal(t, 0.0, proxy.UInter)
	assert.Less(t, proxy.USys, 0.4)
	assert.Empty(t, proxy.CollapseSignals)
}

func TestBuildUncertainty_LowConfidenceRaisesIntra(t *testing.T) {
	members := []types.TeamMemberResult{
		completedMember("a", 0.3, 2),
		completedMember("b", 0.4, 2),
	}
	claims := []string{"same claim", "same claim"}

	proxy := BuildUncertainty(members, claims)
	assert.GreaterOrEqual(t, proxy.UIntra, 0.55)
	assert.True(t, proxy.HasSignal(types.SignalHighIntraUncertainty))
	assert.True(t, proxy.HasSignal(types.SignalHighSystemUncertainty))
}

func TestBuildUncertainty_ContradictionPenaltyCapped(t *testing.T) {
	m := completedMember("a", 0.9, 2)
	m.Diagnostics.ContradictionSignals = []string{"inconsistent", "contradicts", "cannot both", "conflicts with", "inconsistent"}

	proxy := BuildUncertainty([]types.TeamMemberResult{m}, []string{"claim"})
	// (1-0.9) + capped 0.3 = 0.4
	assert.InDelta(t, 0.4, proxy.UIntra, 0.01)
}

func TestBuildUncertainty_FailureRateSignal(t *testing.T) {
	members := []types.TeamMemberResult{
		completedMember("a", 0.9, 2),
		failedMember("b"),
		failedMember("c"),
	}
	proxy := BuildUncertainty(members, []string{"claim"})
	assert.True(t, proxy.HasSignal(types.SignalTeammateFailures))
	// uSys picks up the failure penalty: 0.1 + 0.5*(2/3)
	assert.InDelta(t, 0.433, proxy.USys, 0.01)
}

func TestBuildUncertainty_NoEvidenceSignal(t *testing.T) {
	members := []types.TeamMemberResult{
		completedMember("a", 0.9, 0),
		completedMember("b", 0.9, 0),
		completedMember("c", 0.9, 3),
	}
	proxy := BuildUncertainty(members, []string{"x", "x", "x"})
	assert.True(t, proxy.HasSignal(types.SignalInsufficientEvidence))
}

func TestBuildUncertainty_EmptyMembers(t *testing.T) {
	proxy := BuildUncertainty(nil, nil)
	assert.Equal(t, 1.0, proxy.USys)
	assert.True(t, proxy.HasSignal(types.SignalTeammateFailures))
}

func TestPairwiseDivergence(t *testing.T) {
	assert.Equal(t, 0.0, pairwiseDivergence(nil))
	assert.Equal(t, 0.0, pairwiseDivergence([]string{"only one"}))
	assert.Equal(t, 0.0, pairwiseDivergence([]string{"Same  Claim", "same claim"}))

	high := pairwiseDivergence([]string{
		"the failover misfired and must be rolled back before anything else",
		"client retry amplification explains everything observed in the logs",
	})
	assert.Greater(t, high, 0.55)
}

func TestJudge_Verdicts(t *testing.T) {
	completed := []types.TeamMemberResult{
		completedMember("a", 0.9, 2),
		completedMember("b", 0.9, 2),
	}

	trusted := Judge(completed, types.UncertaintyProxy{USys: 0.2})
	assert.Equal(t, types.VerdictTrusted, trusted.Verdict)
	assert.InDelta(t, 0.8, trusted.Confidence, 0.01)

	partial := Judge(completed, types.UncertaintyProxy{
		USys:            0.5,
		CollapseSignals: []types.CollapseSignal{types.SignalHighIntraUncertainty},
	})
	assert.Equal(t, types.VerdictPartial, partial.Verdict)

	untrusted := Judge(completed, types.UncertaintyProxy{USys: 0.7})
	assert.Equal(t, types.VerdictUntrusted, untrusted.Verdict)

	// Half the team failing forces untrusted regardless of uSys.
	mixed := []types.TeamMemberResult{completedMember("a", 0.9, 2), failedMember("b")}
	byFailure := Judge(mixed, types.UncertaintyProxy{USys: 0.2})
	assert.Equal(t, types.VerdictUntrusted, byFailure.Verdict)
}

func TestJudge_SignalsBlockTrusted(t *testing.T) {
	members := []types.TeamMemberResult{completedMember("a", 0.9, 2)}
	j := Judge(members, types.UncertaintyProxy{
		USys:            0.3,
		CollapseSignals: []types.CollapseSignal{types.SignalInsufficientEvidence},
	})
	assert.Equal(t, types.VerdictPartial, j.Verdict)
	assert.Contains(t, j.Reason, "insufficient_evidence")
}
