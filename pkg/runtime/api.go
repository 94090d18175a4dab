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

package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/team"
	"github.com/teradata-labs/weft/pkg/types"
	"github.com/teradata-labs/weft/pkg/workerpool"
)

// DelegateOptions are the per-call knobs of a delegated operation. Zero
// values fall back to the runtime configuration.
type DelegateOptions struct {
	WorkflowID string
	TenantKey  string
	Priority   types.Priority
	Class      types.QueueClass

	// CapacityWaitMs bounds the admission wait. Zero uses the configured
	// default; negative means a single attempt with no waiting.
	CapacityWaitMs int64

	// Parallelism is the requested team-level width T.
	Parallelism int

	// MemberParallelism caps in-flight members M per team.
	MemberParallelism int

	// CommunicationRounds, when non-nil, overrides the team's configured
	// rounds. MaxRetryRounds likewise bounds degraded-member re-asks.
	CommunicationRounds *int
	MaxRetryRounds      *int
}

func (r *Runtime) capacityWait(o DelegateOptions) time.Duration {
	if o.CapacityWaitMs < 0 {
		return 0
	}
	if o.CapacityWaitMs > 0 {
		return time.Duration(o.CapacityWaitMs) * time.Millisecond
	}
	return time.Duration(r.cfg.Limits.CapacityWaitMs) * time.Millisecond
}

func (r *Runtime) subagentOptions(o DelegateOptions) subagent.Options {
	return subagent.Options{
		WorkflowID:   o.WorkflowID,
		TenantKey:    o.TenantKey,
		Priority:     o.Priority,
		Class:        o.Class,
		CapacityWait: r.capacityWait(o),
		Poll:         time.Duration(r.cfg.Limits.CapacityPollMs) * time.Millisecond,
	}
}

func (r *Runtime) teamOptions(o DelegateOptions) team.Options {
	topts := team.Options{
		WorkflowID:        o.WorkflowID,
		TenantKey:         o.TenantKey,
		Priority:          o.Priority,
		Class:             o.Class,
		CapacityWait:      r.capacityWait(o),
		Poll:              time.Duration(r.cfg.Limits.CapacityPollMs) * time.Millisecond,
		Parallelism:       o.Parallelism,
		MemberParallelism: o.MemberParallelism,
	}
	if o.CommunicationRounds != nil {
		topts.CommunicationRounds = *o.CommunicationRounds
		topts.RoundsSet = true
	}
	if o.MaxRetryRounds != nil {
		topts.MaxRetryRounds = *o.MaxRetryRounds
		topts.RetryRoundsSet = true
	}
	return topts
}

// ActiveRun is an in-flight delegated operation, visible in snapshots.
type ActiveRun struct {
	Kind      string    `json:"kind"` // "subagent" or "team"
	RefID     string    `json:"ref_id"`
	StartedAt time.Time `json:"started_at"`
}

// track registers an in-flight run and returns its deregistration func.
func (r *Runtime) track(kind, refID string) func() {
	token := uuid.NewString()
	r.active.Set(token, ActiveRun{Kind: kind, RefID: refID, StartedAt: r.clock()})
	return func() { r.active.Delete(token) }
}

// RunSubagent runs one definition against one task through the full
// admission pipeline.
func (r *Runtime) RunSubagent(ctx context.Context, def subagent.Definition, task string, opts DelegateOptions) (*subagent.Result, error) {
	defer r.track("subagent", def.ID)()
	return r.scheduler.Run(ctx, def, task, r.subagentOptions(opts))
}

// SubagentCall pairs a definition with its task for a parallel batch.
type SubagentCall struct {
	Definition subagent.Definition
	Task       string
}

// RunSubagentsParallel fans calls out with bounded width and returns results
// in input order. The returned error is the first per-call error; individual
// results carry their own outcomes.
func (r *Runtime) RunSubagentsParallel(ctx context.Context, calls []SubagentCall, opts DelegateOptions) ([]*subagent.Result, error) {
	width := opts.Parallelism
	if width <= 0 || width > r.cfg.Limits.MaxParallelSubagentsPerRequest {
		width = r.cfg.Limits.MaxParallelSubagentsPerRequest
	}

	tasks := make([]workerpool.Task[*subagent.Result], len(calls))
	for i, call := range calls {
		call := call
		tasks[i] = func(ctx context.Context) (*subagent.Result, error) {
			return r.scheduler.Run(ctx, call.Definition, call.Task, r.subagentOptions(opts))
		}
	}

	pooled := workerpool.Run(ctx, tasks, width, r.logger)
	results := make([]*subagent.Result, len(pooled))
	var firstErr error
	for i, p := range pooled {
		if p.Value != nil {
			results[i] = p.Value
		} else {
			// Never started: synthesize a cancelled result so callers see a
			// uniform shape.
			results[i] = &subagent.Result{
				DefinitionID: calls[i].Definition.ID,
				Name:         calls[i].Definition.Name,
				State:        types.MemberStateCancelled,
				Outcome:      types.OutcomeCancelled(),
				Error:        p.Err.Error(),
			}
		}
		if p.Err != nil && firstErr == nil {
			firstErr = p.Err
		}
	}
	return results, firstErr
}

// RunTeam runs one team against one task.
func (r *Runtime) RunTeam(ctx context.Context, tm team.Team, task string, opts DelegateOptions) (*team.Result, error) {
	defer r.track("team", tm.ID)()
	return r.orchestrator.Run(ctx, tm, task, r.teamOptions(opts))
}

// TeamCall pairs a team with its task for a parallel batch.
type TeamCall struct {
	Team team.Team
	Task string
}

// RunTeamsParallel runs several teams concurrently, bounded by the
// per-request team limit.
func (r *Runtime) RunTeamsParallel(ctx context.Context, calls []TeamCall, opts DelegateOptions) ([]*team.Result, error) {
	width := opts.Parallelism
	if width <= 0 || width > r.cfg.Limits.MaxParallelTeamsPerRequest {
		width = r.cfg.Limits.MaxParallelTeamsPerRequest
	}

	tasks := make([]workerpool.Task[*team.Result], len(calls))
	for i, call := range calls {
		call := call
		tasks[i] = func(ctx context.Context) (*team.Result, error) {
			return r.orchestrator.Run(ctx, call.Team, call.Task, r.teamOptions(opts))
		}
	}

	pooled := workerpool.Run(ctx, tasks, width, r.logger)
	results := make([]*team.Result, len(pooled))
	var firstErr error
	for i, p := range pooled {
		if p.Value != nil {
			results[i] = p.Value
		} else {
			results[i] = &team.Result{
				TeamID:  calls[i].Team.ID,
				Task:    calls[i].Task,
				Outcome: types.OutcomeCancelled(),
				Error:   p.Err.Error(),
			}
		}
		if p.Err != nil && firstErr == nil {
			firstErr = p.Err
		}
	}
	return results, firstErr
}

// LoopDriver produces the next task of an iterative loop from the previous
// step's result. Returning done stops the loop; prev is nil on the first
// call.
type LoopDriver func(ctx context.Context, step int, prev *subagent.Result) (task string, done bool, err error)

// LoopOptions configures an iterative run.
type LoopOptions struct {
	Definition subagent.Definition
	MaxSteps   int
	Delegate   DelegateOptions
}

// LoopResult is the outcome of an iterative run.
type LoopResult struct {
	Steps   []*subagent.Result `json:"steps"`
	Outcome types.TaskOutcome  `json:"outcome"`
	Error   string             `json:"error,omitempty"`
}

// RunLoop drives a single definition through repeated task steps until the
// driver reports done, a step fails terminally, or MaxSteps is reached.
// Capacity is re-acquired per step, so a long loop cannot starve peers.
func (r *Runtime) RunLoop(ctx context.Context, driver LoopDriver, opts LoopOptions) (*LoopResult, error) {
	if driver == nil {
		return nil, types.NewError(types.KindValidationFailure, "loop driver is required")
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 16
	}

	res := &LoopResult{}
	var prev *subagent.Result
	for step := 0; step < maxSteps; step++ {
		task, done, err := driver(ctx, step, prev)
		if err != nil {
			res.Outcome = types.OutcomeFailure(types.KindOf(err))
			res.Error = err.Error()
			return res, err
		}
		if done {
			res.Outcome = types.OutcomeSuccess()
			return res, nil
		}

		stepRes, err := r.scheduler.Run(ctx, opts.Definition, task, r.subagentOptions(opts.Delegate))
		if stepRes != nil {
			res.Steps = append(res.Steps, stepRes)
		}
		if err != nil {
			res.Outcome = types.OutcomeFailure(types.KindOf(err))
			if types.KindOf(err) == types.KindCancelled {
				res.Outcome = types.OutcomeCancelled()
			}
			res.Error = err.Error()
			return res, err
		}
		prev = stepRes
	}

	err := types.NewError(types.KindTimeout,
		fmt.Sprintf("loop did not converge within %d steps", maxSteps))
	res.Outcome = types.OutcomePartial(types.KindTimeout)
	res.Error = err.Error()
	return res, err
}

// ClaimWorkflow takes ownership of a workflow for this instance.
func (r *Runtime) ClaimWorkflow(workflowID string) error { return r.owner.Claim(workflowID) }

// ReleaseWorkflow gives up ownership held by this instance.
func (r *Runtime) ReleaseWorkflow(workflowID string) error { return r.owner.Release(workflowID) }

// CheckWorkflow reports this instance's relationship to a workflow.
func (r *Runtime) CheckWorkflow(workflowID string) (string, error) {
	status, err := r.owner.CheckOwnership(workflowID)
	return string(status), err
}

// ForceClaimWorkflow takes ownership regardless of the current holder.
func (r *Runtime) ForceClaimWorkflow(workflowID string) error { return r.owner.ForceClaim(workflowID) }
