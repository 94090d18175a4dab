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

// Package team runs a group of sub-agents against one task in three phases:
// parallel initial answers, optional communication rounds where members cite
// and revise against peer statements, and a final judge that scores the
// run's uncertainty and issues a trust verdict.
package team

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/types"
)

// Team is a named group of member definitions.
type Team struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Members             []subagent.Definition `json:"members"`
	CommunicationRounds int                   `json:"communication_rounds,omitempty"`
	MaxRetryRounds      int                   `json:"max_retry_rounds,omitempty"`
}

// LoadTeam reads a team file and validates each member definition.
func LoadTeam(path string) (Team, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Team{}, fmt.Errorf("failed to read team %s: %w", path, err)
	}
	var tm Team
	if err := json.Unmarshal(raw, &tm); err != nil {
		return Team{}, fmt.Errorf("failed to decode team %s: %w", path, err)
	}
	if tm.ID == "" || len(tm.Members) == 0 {
		return Team{}, fmt.Errorf("team %s needs an id and at least one member", path)
	}
	for i, m := range tm.Members {
		memberRaw, merr := json.Marshal(m)
		if merr != nil {
			return Team{}, fmt.Errorf("failed to re-encode member %d: %w", i, merr)
		}
		if verr := subagent.ValidateDefinition(memberRaw); verr != nil {
			return Team{}, fmt.Errorf("member %d of team %s: %w", i, tm.ID, verr)
		}
	}
	return tm, nil
}

// Options are the per-run knobs of a team run.
type Options struct {
	WorkflowID string
	TenantKey  string
	Priority   types.Priority
	Class      types.QueueClass

	CapacityWait time.Duration
	Poll         time.Duration

	// Parallelism is the requested team-level parallelism T (how many team
	// runs the caller intends to drive at once); member admission candidates
	// are derived from T×M. Zero means 1.
	Parallelism int

	// MemberParallelism caps in-flight members M for this run. Zero uses the
	// configured per-team limit.
	MemberParallelism int

	// CommunicationRounds overrides the team's configured rounds when >= 0.
	CommunicationRounds int
	RoundsSet           bool

	// MaxRetryRounds bounds re-asks of degraded or retryable-failed members.
	MaxRetryRounds int
	RetryRoundsSet bool
}

func (o Options) rounds(tm Team) int {
	if o.RoundsSet {
		return o.CommunicationRounds
	}
	return tm.CommunicationRounds
}

func (o Options) retryRounds(tm Team) int {
	if o.RetryRoundsSet {
		return o.MaxRetryRounds
	}
	return tm.MaxRetryRounds
}

// Result is the aggregate outcome of one team run.
type Result struct {
	RunID  string `json:"run_id"`
	TeamID string `json:"team_id"`
	Task   string `json:"task"`

	AppliedTeamParallelism   int `json:"applied_team_parallelism"`
	AppliedMemberParallelism int `json:"applied_member_parallelism"`
	RoundsRun                int `json:"rounds_run"`

	Members     []types.TeamMemberResult `json:"members"`
	Uncertainty types.UncertaintyProxy   `json:"uncertainty"`
	Judgment    types.FinalJudgment      `json:"judgment"`
	Narrative   string                   `json:"narrative"`
	Outcome     types.TaskOutcome        `json:"outcome"`
	LatencyMs   int64                    `json:"latency_ms"`
	Error       string                   `json:"error,omitempty"`
}
