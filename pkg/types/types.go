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

// Package types contains the domain types shared across the weft runtime:
// priorities, queue classes, error kinds, task outcomes, and the team
// judgment model.
package types

import (
	"fmt"
	"strings"
)

// Priority orders pending work. Lower rank is served earlier.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the canonical lowercase name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name. Unknown names default to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// QueueClass is the admission class of a queued request. Lower rank is
// served earlier within the same priority.
type QueueClass int

const (
	ClassInteractive QueueClass = iota
	ClassStandard
	ClassBatch
)

// String returns the canonical lowercase name.
func (c QueueClass) String() string {
	switch c {
	case ClassInteractive:
		return "interactive"
	case ClassStandard:
		return "standard"
	case ClassBatch:
		return "batch"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseQueueClass parses a queue class name. Unknown names default to standard.
func ParseQueueClass(s string) (QueueClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interactive":
		return ClassInteractive, nil
	case "standard", "":
		return ClassStandard, nil
	case "batch":
		return ClassBatch, nil
	default:
		return ClassStandard, fmt.Errorf("unknown queue class: %q", s)
	}
}

// OutcomeStatus is the terminal state of a delegated task.
type OutcomeStatus string

const (
	StatusSuccess   OutcomeStatus = "success"
	StatusFailure   OutcomeStatus = "failure"
	StatusPartial   OutcomeStatus = "partial"
	StatusCancelled OutcomeStatus = "cancelled"
	StatusTimedOut  OutcomeStatus = "timed_out"
)

// TaskOutcome is the terminal state of a delegated task, with the error
// kind attached for failure and partial outcomes.
type TaskOutcome struct {
	Status OutcomeStatus `json:"status"`
	Kind   ErrorKind     `json:"kind,omitempty"`
}

// Success reports whether the outcome is a clean success.
func (o TaskOutcome) Success() bool { return o.Status == StatusSuccess }

// OutcomeSuccess returns a success outcome.
func OutcomeSuccess() TaskOutcome { return TaskOutcome{Status: StatusSuccess} }

// OutcomeFailure returns a failure outcome with the given kind.
func OutcomeFailure(kind ErrorKind) TaskOutcome {
	return TaskOutcome{Status: StatusFailure, Kind: kind}
}

// OutcomePartial returns a partial outcome with the given kind.
func OutcomePartial(kind ErrorKind) TaskOutcome {
	return TaskOutcome{Status: StatusPartial, Kind: kind}
}

// OutcomeCancelled returns a cancelled outcome.
func OutcomeCancelled() TaskOutcome {
	return TaskOutcome{Status: StatusCancelled, Kind: KindCancelled}
}

// OutcomeTimedOut returns a timed-out outcome.
func OutcomeTimedOut() TaskOutcome {
	return TaskOutcome{Status: StatusTimedOut, Kind: KindTimeout}
}

// MemberStatus is the terminal state of a single team member.
type MemberStatus string

const (
	MemberCompleted MemberStatus = "completed"
	MemberFailed    MemberStatus = "failed"
)

// MemberState tracks the observable lifecycle of a team member.
type MemberState string

const (
	MemberStateQueued    MemberState = "queued"
	MemberStateAdmitted  MemberState = "admitted"
	MemberStateRunning   MemberState = "running"
	MemberStateCompleted MemberState = "completed"
	MemberStateFailed    MemberState = "failed"
	MemberStateCancelled MemberState = "cancelled"
)

// MemberDiagnostics carries the quality signals a member reported (or that
// the output parser derived) alongside its answer.
type MemberDiagnostics struct {
	Confidence           float64  `json:"confidence"`
	EvidenceCount        int      `json:"evidence_count"`
	ContradictionSignals []string `json:"contradiction_signals,omitempty"`
	ConflictSignals      []string `json:"conflict_signals,omitempty"`
	Degraded             bool     `json:"degraded,omitempty"`
}

// TeamMemberResult is the normalized result of one member of a team run.
type TeamMemberResult struct {
	MemberID    string            `json:"member_id"`
	Role        string            `json:"role"`
	Output      string            `json:"output"`
	Status      MemberStatus      `json:"status"`
	LatencyMs   int64             `json:"latency_ms"`
	Diagnostics MemberDiagnostics `json:"diagnostics"`
	Outcome     TaskOutcome       `json:"outcome"`
}

// CollapseSignal names a diagnostic condition that lowers trust in a team
// run's aggregate output.
type CollapseSignal string

const (
	SignalHighIntraUncertainty  CollapseSignal = "high_intra_uncertainty"
	SignalHighInterDisagreement CollapseSignal = "high_inter_disagreement"
	SignalHighSystemUncertainty CollapseSignal = "high_system_uncertainty"
	SignalTeammateFailures      CollapseSignal = "teammate_failures"
	SignalInsufficientEvidence  CollapseSignal = "insufficient_evidence"
)

// UncertaintyProxy aggregates intra-member, inter-member, and system-level
// uncertainty for a team run. All values are clamped to [0,1].
type UncertaintyProxy struct {
	UIntra          float64          `json:"u_intra"`
	UInter          float64          `json:"u_inter"`
	USys            float64          `json:"u_sys"`
	CollapseSignals []CollapseSignal `json:"collapse_signals,omitempty"`
}

// HasSignal reports whether the proxy raised the given signal.
func (u UncertaintyProxy) HasSignal(s CollapseSignal) bool {
	for _, sig := range u.CollapseSignals {
		if sig == s {
			return true
		}
	}
	return false
}

// Verdict is the final trust classification of a team run.
type Verdict string

const (
	VerdictTrusted   Verdict = "trusted"
	VerdictPartial   Verdict = "partial"
	VerdictUntrusted Verdict = "untrusted"
)

// FinalJudgment is the judge's assessment of a team run.
type FinalJudgment struct {
	Verdict     Verdict          `json:"verdict"`
	Confidence  float64          `json:"confidence"`
	Reason      string           `json:"reason"`
	NextStep    string           `json:"next_step"`
	Uncertainty UncertaintyProxy `json:"uncertainty"`
}
