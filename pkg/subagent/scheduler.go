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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/fskv"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/capacity"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/retry"
	"github.com/teradata-labs/weft/pkg/types"
)

// Gate is asked before capacity reservation whether the target model may
// take another concurrent call. The runtime backs this with the adaptive
// rate controller and the cross-instance coordinator; a nil gate admits
// everything. maxWait bounds how long the gate may block; zero or negative
// means a single attempt.
type Gate interface {
	AcquireModel(ctx context.Context, provider, model string, maxWait time.Duration) (release func(), err error)
}

// Owner verifies workflow ownership before admission. *ownership.Manager
// satisfies it.
type Owner interface {
	Ensure(workflowID string) error
}

// Auditor records run events. *audit.Log satisfies it.
type Auditor interface {
	Append(action audit.Action, ev audit.Event) (audit.Event, error)
}

// Options are the per-run knobs of a sub-agent call.
type Options struct {
	WorkflowID   string
	TenantKey    string
	Priority     types.Priority
	Class        types.QueueClass
	CapacityWait time.Duration
	Poll         time.Duration
}

// Result is the outcome of one sub-agent run.
type Result struct {
	RunID        string                  `json:"run_id"`
	DefinitionID string                  `json:"definition_id"`
	Name         string                  `json:"name"`
	State        types.MemberState       `json:"state"`
	Outcome      types.TaskOutcome       `json:"outcome"`
	Output       Output                  `json:"output"`
	Diagnostics  types.MemberDiagnostics `json:"diagnostics"`
	Usage        llm.Usage               `json:"usage"`
	LatencyMs    int64                   `json:"latency_ms"`
	Error        string                  `json:"error,omitempty"`
}

// Config wires a Scheduler.
type Config struct {
	Ledger  *capacity.Ledger
	Engine  *retry.Engine
	Invoker llm.Invoker

	// Optional collaborators.
	Owner   Owner
	Gate    Gate
	Audit   Auditor
	RunsDir string

	Logger *zap.Logger
	Clock  func() time.Time
}

// Scheduler runs single delegated tasks through admission, retry, and
// output normalization.
type Scheduler struct {
	ledger  *capacity.Ledger
	engine  *retry.Engine
	invoker llm.Invoker
	owner   Owner
	gate    Gate
	audit   Auditor
	runs    *fskv.Store
	logger  *zap.Logger
	clock   func() time.Time
}

// NewScheduler creates a sub-agent scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("subagent: ledger is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("subagent: retry engine is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("subagent: invoker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	var runs *fskv.Store
	if cfg.RunsDir != "" {
		var err error
		runs, err = fskv.New(cfg.RunsDir, fskv.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("subagent: %w", err)
		}
	}
	return &Scheduler{
		ledger:  cfg.Ledger,
		engine:  cfg.Engine,
		invoker: cfg.Invoker,
		owner:   cfg.Owner,
		gate:    cfg.Gate,
		audit:   cfg.Audit,
		runs:    runs,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}, nil
}

// Run executes one task through the full admission pipeline. The returned
// Result always describes the terminal state; err is non-nil when the run
// did not complete cleanly.
func (s *Scheduler) Run(ctx context.Context, def Definition, task string, opts Options) (*Result, error) {
	started := s.clock()
	res := &Result{
		RunID:        uuid.NewString(),
		DefinitionID: def.ID,
		Name:         def.Name,
		State:        types.MemberStateQueued,
	}

	fail := func(kind types.ErrorKind, err error) (*Result, error) {
		res.State = types.MemberStateFailed
		res.Outcome = types.OutcomeFailure(kind)
		if kind == types.KindCancelled {
			res.State = types.MemberStateCancelled
			res.Outcome = types.OutcomeCancelled()
		}
		res.Error = err.Error()
		res.LatencyMs = s.clock().Sub(started).Milliseconds()
		s.emit(audit.ActionSubagentFailure, def, res, err)
		s.persist(res)
		return res, err
	}

	if def.ID == "" || def.Model == "" {
		return fail(types.KindValidationFailure,
			types.NewError(types.KindValidationFailure, "definition id and model are required"))
	}
	if strings.TrimSpace(task) == "" {
		return fail(types.KindValidationFailure,
			types.NewError(types.KindValidationFailure, "task is required"))
	}

	if opts.WorkflowID != "" && s.owner != nil {
		if err := s.owner.Ensure(opts.WorkflowID); err != nil {
			return fail(types.KindOf(err), err)
		}
	}

	// One wait budget bounds the whole admission path: time the gate spends
	// is deducted from what the ledger wait may consume.
	admitBy := s.clock().Add(opts.CapacityWait)
	if s.gate != nil {
		release, err := s.gate.AcquireModel(ctx, def.Provider, def.Model, opts.CapacityWait)
		if err != nil {
			return fail(types.KindOf(err), err)
		}
		defer release()
	}
	ledgerWait := admitBy.Sub(s.clock())
	if opts.CapacityWait <= 0 || ledgerWait < 0 {
		ledgerWait = 0
	}

	reservation, err := s.ledger.ReserveOrWait(ctx, capacity.WaitRequest{
		Requests:  1,
		LLM:       1,
		Tool:      def.Name,
		TenantKey: opts.TenantKey,
		Priority:  opts.Priority,
		Class:     opts.Class,
		Source:    "subagent",
		MaxWait:   ledgerWait,
		Poll:      opts.Poll,
	})
	if err != nil {
		return fail(types.KindOf(err), err)
	}
	res.State = types.MemberStateAdmitted
	defer s.ledger.Release(reservation)

	s.emit(audit.ActionSubagentStart, def, res, nil)

	s.ledger.Consume(reservation)
	s.ledger.RecordStart(capacity.CategorySubagent)
	defer s.ledger.RecordEnd(capacity.CategorySubagent)
	res.State = types.MemberStateRunning

	// Keep the consumed reservation alive while the invocation runs; a call
	// that outlives the TTL must not be reclaimed by the sweeper mid-flight.
	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeat(reservation, hbStop)

	system := def.SystemPrompt
	if !strings.Contains(system, SectionSummary+":") {
		system = system + "\n\n" + SectionPrompt
	}
	resp, err := retry.Result(ctx, s.engine, "subagent:"+def.ID, func(ctx context.Context) (*llm.Response, error) {
		return s.invoker.Invoke(ctx, llm.Request{
			Provider:    def.Provider,
			Model:       def.Model,
			System:      system,
			Prompt:      task,
			MaxTokens:   def.MaxTokens,
			Temperature: def.Temperature,
		})
	})
	if err != nil {
		return fail(retry.Classify(err), err)
	}
	llm.Tokens().FillUsage(llm.Request{System: system, Prompt: task}, resp)
	res.Usage = resp.Usage

	minChars := def.MinOutputChars
	if minChars <= 0 {
		minChars = DefaultMinOutputChars
	}
	if len(strings.TrimSpace(resp.Text)) < minChars {
		return fail(types.KindEmptyOutput,
			types.NewError(types.KindEmptyOutput,
				fmt.Sprintf("output below %d chars", minChars)))
	}

	res.Output = ParseOutput(resp.Text)
	res.Diagnostics = res.Output.Diagnostics()
	res.State = types.MemberStateCompleted
	res.Outcome = types.OutcomeSuccess()
	res.LatencyMs = s.clock().Sub(started).Milliseconds()

	s.emit(audit.ActionSubagentComplete, def, res, nil)
	s.persist(res)
	return res, nil
}

func (s *Scheduler) heartbeat(r *capacity.Reservation, stop <-chan struct{}) {
	interval := s.ledger.ReservationTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ledger.Heartbeat(r)
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) emit(action audit.Action, def Definition, res *Result, cause error) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{
		ToolID:   def.ID,
		ToolName: def.Name,
		Success:  cause == nil,
		Details: map[string]any{
			"run_id": res.RunID,
			"state":  string(res.State),
		},
	}
	if cause != nil {
		ev.ErrorMessage = cause.Error()
	}
	if res.Diagnostics.Degraded {
		ev.Details["degraded"] = true
	}
	if _, err := s.audit.Append(action, ev); err != nil {
		s.logger.Warn("failed to append subagent audit event", zap.Error(err))
	}
}

func (s *Scheduler) persist(res *Result) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Put(res.RunID, res); err != nil {
		s.logger.Warn("failed to persist subagent run",
			zap.String("run_id", res.RunID),
			zap.Error(err))
	}
}
