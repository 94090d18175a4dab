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
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/fskv"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/capacity"
	"github.com/teradata-labs/weft/pkg/config"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/retry"
	"github.com/teradata-labs/weft/pkg/types"
)

func testDefinition() Definition {
	return Definition{
		ID:           "researcher-1",
		Name:         "researcher",
		Provider:     "anthropic",
		Model:        "claude-sonnet",
		SystemPrompt: "You research things.",
	}
}

func testLedger() *capacity.Ledger {
	limits := config.DefaultLimits()
	limits.MaxTotalActiveRequests = 4
	limits.MaxTotalActiveLLM = 2
	return capacity.NewLedger(capacity.Options{Limits: limits})
}

func staticInvoker(text string) llm.Invoker {
	return llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, Provider: req.Provider, Model: req.Model}, nil
	})
}

func instantEngine() *retry.Engine {
	return retry.NewEngine(retry.Policies{
		Standard:  retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, Jitter: retry.JitterNone},
		RateLimit: retry.Policy{MaxAttempts: 6, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, Jitter: retry.JitterNone},
	}, zap.NewNop())
}

func newScheduler(t *testing.T, inv llm.Invoker, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{
		Ledger:  testLedger(),
		Engine:  instantEngine(),
		Invoker: inv,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewScheduler(cfg)
	require.NoError(t, err)
	return s
}

func TestRun_WellFormedOutput(t *testing.T) {
	s := newScheduler(t, staticInvoker(wellFormed), nil)

	res, err := s.Run(context.Background(), testDefinition(), "inspect the migrations", Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Outcome.Status)
	assert.Equal(t, types.MemberStateCompleted, res.State)
	assert.False(t, res.Output.Degraded)
	assert.Equal(t, 0.9, res.Diagnostics.Confidence)
	assert.NotEmpty(t, res.RunID)
	assert.Greater(t, res.Usage.TotalTokens, 0)
}

func TestRun_DegradedWrapOnUnstructuredOutput(t *testing.T) {
	s := newScheduler(t, staticInvoker("Plain prose answer without any labeled sections present."), nil)

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Outcome.Status)
	assert.True(t, res.Output.Degraded)
	assert.Equal(t, DegradedConfidence, res.Diagnostics.Confidence)
	assert.Contains(t, res.Output.Result, "Plain prose")
}

func TestRun_ShortOutputFailsEmptyOutput(t *testing.T) {
	s := newScheduler(t, staticInvoker("ok"), nil)

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.Error(t, err)
	assert.Equal(t, types.StatusFailure, res.Outcome.Status)
	assert.Equal(t, types.KindEmptyOutput, res.Outcome.Kind)
	assert.Equal(t, types.MemberStateFailed, res.State)
}

func TestRun_ValidationFailures(t *testing.T) {
	s := newScheduler(t, staticInvoker(wellFormed), nil)

	_, err := s.Run(context.Background(), Definition{}, "task", Options{})
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailure, types.KindOf(err))

	res, err := s.Run(context.Background(), testDefinition(), "   ", Options{})
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailure, res.Outcome.Kind)
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("service temporarily unavailable")
		}
		return &llm.Response{Text: wellFormed}, nil
	})
	s := newScheduler(t, inv, nil)

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, res.Outcome.Status)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRun_ReleasesReservationOnFailure(t *testing.T) {
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, types.NewError(types.KindValidationFailure, "schema rejected")
	})
	s := newScheduler(t, inv, nil)

	_, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.Error(t, err)

	snap := s.ledger.Snapshot()
	assert.Equal(t, 0, snap.ActiveRequests)
	assert.Equal(t, 0, snap.ActiveLLM)
	assert.Equal(t, 0, snap.ReservedRequests)
	assert.Empty(t, snap.ActiveReservations)
}

func TestRun_CancellationReleasesReservation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newScheduler(t, inv, nil)

	res, err := s.Run(ctx, testDefinition(), "task", Options{})
	require.Error(t, err)
	assert.Equal(t, types.StatusCancelled, res.Outcome.Status)
	assert.Equal(t, types.MemberStateCancelled, res.State)

	snap := s.ledger.Snapshot()
	assert.Equal(t, 0, snap.ActiveLLM)
	assert.Empty(t, snap.ActiveReservations)
}

func TestRun_CapacityExhaustedFailsFast(t *testing.T) {
	s := newScheduler(t, staticInvoker(wellFormed), nil)

	// Occupy all LLM slots directly.
	r1, _, _ := s.ledger.TryReserve(1, 1, "hog-1")
	require.NotNil(t, r1)
	r2, _, _ := s.ledger.TryReserve(1, 1, "hog-2")
	require.NotNil(t, r2)

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{CapacityWait: 0})
	require.Error(t, err)
	assert.Equal(t, types.KindCapacityUnavailable, res.Outcome.Kind)
}

func TestRun_SlowInvocationSurvivesSweep(t *testing.T) {
	limits := config.DefaultLimits()
	limits.MaxTotalActiveRequests = 1
	limits.MaxTotalActiveLLM = 1
	ledger := capacity.NewLedger(capacity.Options{
		Limits:         limits,
		ReservationTTL: 50 * time.Millisecond,
	})
	sweeper := capacity.NewSweeper(ledger, time.Minute, nil, nil)

	hold := make(chan struct{})
	started := make(chan struct{})
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		close(started)
		<-hold
		return &llm.Response{Text: wellFormed}, nil
	})
	s := newScheduler(t, inv, func(c *Config) { c.Ledger = ledger })

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = s.Run(context.Background(), testDefinition(), "task", Options{})
	}()
	<-started

	// The call outlives the TTL several times over; heartbeats must keep
	// the consumed reservation out of the sweeper's reach.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sweeper.SweepOnce())

	// The slot is still held, so no new work is admitted.
	r, _, _ := ledger.TryReserve(1, 1, "intruder")
	assert.Nil(t, r)

	close(hold)
	<-done
	require.NoError(t, runErr)

	snap := ledger.Snapshot()
	assert.Equal(t, 0, snap.ActiveLLM)
	assert.Equal(t, 0, snap.ActiveRequests)
}

type fakeOwner struct{ err error }

func (f fakeOwner) Ensure(string) error { return f.err }

func TestRun_OwnershipBlocksAdmission(t *testing.T) {
	ownedErr := types.NewError(types.KindWorkflowOwnedByOther, "workflow wf-1 owned by host-b:2:3")
	var calls atomic.Int64
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls.Add(1)
		return &llm.Response{Text: wellFormed}, nil
	})
	s := newScheduler(t, inv, func(c *Config) { c.Owner = fakeOwner{err: ownedErr} })

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.Equal(t, types.KindWorkflowOwnedByOther, res.Outcome.Kind)
	// The model is never invoked for a workflow owned elsewhere.
	assert.Equal(t, int64(0), calls.Load())
}

type fakeGate struct {
	acquired atomic.Int64
	released atomic.Int64
	err      error
	lastWait atomic.Int64
}

func (g *fakeGate) AcquireModel(ctx context.Context, provider, model string, maxWait time.Duration) (func(), error) {
	g.lastWait.Store(int64(maxWait))
	if g.err != nil {
		return nil, g.err
	}
	g.acquired.Add(1)
	return func() { g.released.Add(1) }, nil
}

func TestRun_GateAcquiredAndReleased(t *testing.T) {
	gate := &fakeGate{}
	s := newScheduler(t, staticInvoker(wellFormed), func(c *Config) { c.Gate = gate })

	_, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gate.acquired.Load())
	assert.Equal(t, int64(1), gate.released.Load())
}

func TestRun_GateReceivesCallWaitBudget(t *testing.T) {
	gate := &fakeGate{}
	s := newScheduler(t, staticInvoker(wellFormed), func(c *Config) { c.Gate = gate })

	_, err := s.Run(context.Background(), testDefinition(), "task",
		Options{CapacityWait: 750 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, int64(750*time.Millisecond), gate.lastWait.Load())
}

func TestRun_AuditAndPersistence(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := audit.New(filepath.Join(dir, "audit.jsonl"), "host:1:1")
	require.NoError(t, err)
	runsDir := filepath.Join(dir, "runs")

	s := newScheduler(t, staticInvoker(wellFormed), func(c *Config) {
		c.Audit = auditLog
		c.RunsDir = runsDir
	})

	res, err := s.Run(context.Background(), testDefinition(), "task", Options{})
	require.NoError(t, err)

	events, err := auditLog.Read(audit.Filter{ToolID: "researcher-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionSubagentStart, events[0].Action)
	assert.Equal(t, audit.ActionSubagentComplete, events[1].Action)

	store, err := fskv.New(runsDir)
	require.NoError(t, err)
	var persisted Result
	require.NoError(t, store.Get(res.RunID, &persisted))
	assert.Equal(t, res.Outcome, persisted.Outcome)
	assert.Equal(t, res.Output.Claim, persisted.Output.Claim)
}

func TestParseDefinition_SchemaValidation(t *testing.T) {
	good := []byte(`{"id":"a","name":"n","provider":"anthropic","model":"m","system_prompt":"s"}`)
	def, err := ParseDefinition(good)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinOutputChars, def.MinOutputChars)

	missing := []byte(`{"id":"a","name":"n"}`)
	_, err = ParseDefinition(missing)
	require.Error(t, err)

	badProvider := []byte(`{"id":"a","name":"n","provider":"openai","model":"m","system_prompt":"s"}`)
	_, err = ParseDefinition(badProvider)
	require.Error(t, err)

	extra := []byte(`{"id":"a","name":"n","provider":"bedrock","model":"m","system_prompt":"s","bogus":1}`)
	_, err = ParseDefinition(extra)
	require.Error(t, err)
}
