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

// Package runtime assembles the scheduling subsystem and exposes the
// delegation, introspection, and workflow APIs. Every delegated call flows
// ownership check, coordinator and rate-controller admission, capacity
// reservation, then worker execution.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/capacity"
	"github.com/teradata-labs/weft/pkg/config"
	"github.com/teradata-labs/weft/pkg/coordinator"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/monitor"
	"github.com/teradata-labs/weft/pkg/ownership"
	"github.com/teradata-labs/weft/pkg/ratecontrol"
	"github.com/teradata-labs/weft/pkg/retry"
	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/team"
	"github.com/teradata-labs/weft/pkg/types"
)

// Options configures runtime construction.
type Options struct {
	Config  config.Config
	Invoker llm.Invoker
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Runtime owns the scheduling subsystem for one process.
type Runtime struct {
	cfg    config.Config
	paths  config.Paths
	logger *zap.Logger
	clock  func() time.Time

	active       *csync.Map[string, ActiveRun]
	ledger       *capacity.Ledger
	sweeper      *capacity.Sweeper
	controller   *ratecontrol.Controller
	coord        *coordinator.Coordinator
	owner        *ownership.Manager
	auditLog     *audit.Log
	engine       *retry.Engine
	scheduler    *subagent.Scheduler
	orchestrator *team.Orchestrator
	mon          *monitor.Monitor

	closeOnce sync.Once
}

// New assembles a runtime from configuration. The caller owns Close.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Invoker == nil {
		opts.Invoker = llm.NewAnthropicInvoker(llm.AnthropicConfig{})
	}

	paths := config.NewPaths(cfg.Workspace)
	if err := paths.EnsureAll(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	r := &Runtime{
		cfg:    cfg,
		paths:  paths,
		logger: opts.Logger,
		clock:  opts.Clock,
		active: csync.NewMap[string, ActiveRun](),
	}

	coord, err := coordinator.New(coordinator.Options{
		Dir: paths.Instances(),
		ProviderLimit: func(provider string) int {
			if p, ok := cfg.Providers[provider]; ok && p.GlobalLimit > 0 {
				return p.GlobalLimit
			}
			return cfg.Limits.MaxTotalActiveLLM
		},
		HeartbeatInterval: time.Duration(cfg.Coordinator.HeartbeatIntervalMs) * time.Millisecond,
		PeerDeadAfter:     time.Duration(cfg.Coordinator.PeerDeadAfterMs) * time.Millisecond,
		Logger:            opts.Logger,
		Clock:             opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	r.coord = coord

	auditLog, err := audit.New(paths.AuditLog(), coord.InstanceID(),
		audit.WithLogger(opts.Logger), audit.WithClock(opts.Clock))
	if err != nil {
		return nil, err
	}
	r.auditLog = auditLog

	owner, err := ownership.New(ownership.Options{
		Dir:        paths.Ownership(),
		InstanceID: coord.InstanceID(),
		Live:       coord,
		Audit:      auditLog,
		AutoClaim:  cfg.Ownership.AutoClaim,
		Logger:     opts.Logger,
		Clock:      opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	r.owner = owner

	r.ledger = capacity.NewLedger(capacity.Options{
		Limits:         cfg.Limits,
		ReservationTTL: time.Duration(cfg.Reservation.TTLMs) * time.Millisecond,
		QueueCap:       cfg.Queue.Cap,
		SkipBoost:      time.Duration(cfg.Queue.SkipBoostMs) * time.Millisecond,
		Logger:         opts.Logger,
		Clock:          opts.Clock,
	})

	r.sweeper = capacity.NewSweeper(r.ledger,
		time.Duration(cfg.Reservation.SweepIntervalMs)*time.Millisecond,
		func(res capacity.Reservation) {
			if _, aerr := auditLog.Append(audit.ActionReservationExpire, audit.Event{
				ToolName: res.ToolName,
				Success:  true,
				Details: map[string]any{
					"reservation_id": res.ID,
					"expired_at_ms":  res.ExpiresAtMs,
				},
			}); aerr != nil {
				opts.Logger.Warn("failed to audit expired reservation", zap.Error(aerr))
			}
		},
		opts.Logger)

	r.controller = ratecontrol.NewController(ratecontrol.Options{
		SuccessThreshold: cfg.RateControl.SuccessThreshold,
		Decay:            time.Duration(cfg.RateControl.DecayMs) * time.Millisecond,
		Ceiling: func(provider, model string) int {
			if p, ok := cfg.Providers[provider]; ok {
				if c, ok := p.ModelCeilings[model]; ok && c > 0 {
					return c
				}
				if p.GlobalLimit > 0 {
					return p.GlobalLimit
				}
			}
			return ratecontrol.DefaultCeiling
		},
		Logger: opts.Logger,
		Clock:  opts.Clock,
	})

	r.engine = retry.NewEngine(retry.PoliciesFromConfig(cfg.Retry), opts.Logger)

	scheduler, err := subagent.NewScheduler(subagent.Config{
		Ledger:  r.ledger,
		Engine:  r.engine,
		Invoker: r.observed(opts.Invoker),
		Owner:   owner,
		Gate:    &modelGate{rt: r},
		Audit:   auditLog,
		RunsDir: paths.SubagentRuns(),
		Logger:  opts.Logger,
		Clock:   opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	r.scheduler = scheduler

	orchestrator, err := team.NewOrchestrator(team.Config{
		Ledger:               r.ledger,
		Scheduler:            scheduler,
		MaxMemberParallelism: cfg.Limits.MaxParallelMembersPerTeam,
		Audit:                auditLog,
		RunsDir:              paths.TeamRuns(),
		Logger:               opts.Logger,
		Clock:                opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	r.orchestrator = orchestrator

	r.mon = monitor.New(func() any { return r.Snapshot() }, 0, opts.Logger)
	return r, nil
}

// Start launches the background loops: coordinator heartbeat, reservation
// sweeper, and monitor push.
func (r *Runtime) Start() {
	r.coord.Start()
	r.sweeper.Start()
	r.mon.Start()
}

// Close stops background work and unregisters the instance.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.mon.Stop()
		r.sweeper.Stop()
		r.controller.Shutdown()
		r.coord.ClearAllActiveModels()
		r.coord.Stop()
		r.auditLog.Close()
	})
}

// observed wraps an invoker so every outcome feeds the adaptive controller.
func (r *Runtime) observed(inv llm.Invoker) llm.Invoker {
	return llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		resp, err := inv.Invoke(ctx, req)
		if err != nil {
			if retry.Classify(err) == types.KindRateLimited {
				r.controller.Record429(req.Provider, req.Model)
			}
			return nil, err
		}
		r.controller.RecordSuccess(req.Provider, req.Model)
		return resp, nil
	})
}

// modelGate admits model calls within the adaptive cap and the instance's
// cross-process fair share. Denials poll until the caller's wait budget is
// spent; the caller sees capacity_unavailable rather than a silent stall.
// A zero or negative budget makes a single attempt.
type modelGate struct {
	rt *Runtime
}

func (g *modelGate) AcquireModel(ctx context.Context, provider, model string, maxWait time.Duration) (func(), error) {
	r := g.rt
	deadline := r.clock().Add(maxWait)
	poll := time.Duration(r.cfg.Limits.CapacityPollMs) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	for {
		if r.controller.TryAcquire(provider, model) {
			if r.coord.CanStartModel(provider, model) {
				r.coord.RecordModelStart(provider, model)
				release := func() {
					r.controller.Release(provider, model)
					r.coord.RecordModelEnd(provider, model)
				}
				return release, nil
			}
			r.controller.Release(provider, model)
		}

		if maxWait <= 0 || !r.clock().Before(deadline) {
			return nil, types.NewError(types.KindCapacityUnavailable,
				fmt.Sprintf("model %s/%s at learned concurrency limit", provider, model))
		}
		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, types.WrapError(types.KindCancelled,
				"cancelled waiting for model admission", ctx.Err())
		}
	}
}

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch types.KindOf(err) {
	case types.KindValidationFailure:
		return 65
	case types.KindCapacityUnavailable:
		return 73
	case types.KindWorkflowOwnedByOther:
		return 75
	case types.KindCancelled:
		return 130
	default:
		return 1
	}
}

// Default returns the process-wide runtime, constructing it lazily from the
// workspace configuration. SetDefault allows test injection.
var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Default returns the shared runtime for workspace, creating it on first
// use.
func Default(workspace string) (*Runtime, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT != nil {
		return defaultRT, nil
	}
	cfg, err := config.Load(workspace, "")
	if err != nil {
		return nil, err
	}
	rt, err := New(Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	rt.Start()
	defaultRT = rt
	return defaultRT, nil
}

// SetDefault replaces the shared runtime, returning the previous one.
func SetDefault(rt *Runtime) *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultRT
	defaultRT = rt
	return prev
}
