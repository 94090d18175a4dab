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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
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
	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/types"
)

func member(id string) subagent.Definition {
	return subagent.Definition{
		ID:           id,
		Name:         id,
		Role:         "analyst",
		Provider:     "anthropic",
		Model:        "claude-sonnet",
		SystemPrompt: "member:" + id,
	}
}

func testTeam(ids ...string) Team {
	tm := Team{ID: "team-1", Name: "review team"}
	for _, id := range ids {
		tm.Members = append(tm.Members, member(id))
	}
	return tm
}

func agreement(id string) string {
	return fmt.Sprintf(`SUMMARY: %s reviewed the rollout plan.
CLAIM: the rollout plan is safe to execute
EVIDENCE:
- canary metrics stayed flat
- error budget is intact
RESULT: Full review by %s found no blocking issues.
NEXT_STEP: proceed with the staged rollout
CONFIDENCE: 0.9`, id, id)
}

// memberInvoker answers per member id, keying on the system prompt.
func memberInvoker(replies map[string]func(prompt string) (string, error)) llm.Invoker {
	return llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		for id, fn := range replies {
			if strings.Contains(req.System, "member:"+id) {
				text, err := fn(req.Prompt)
				if err != nil {
					return nil, err
				}
				return &llm.Response{Text: text, Provider: req.Provider, Model: req.Model}, nil
			}
		}
		return nil, errors.New("no reply configured")
	})
}

func agreeingInvoker(ids ...string) llm.Invoker {
	replies := make(map[string]func(string) (string, error), len(ids))
	for _, id := range ids {
		memberID := id
		replies[memberID] = func(string) (string, error) { return agreement(memberID), nil }
	}
	return memberInvoker(replies)
}

func testOrchestrator(t *testing.T, inv llm.Invoker, mutate func(*Config)) *Orchestrator {
	t.Helper()
	limits := config.DefaultLimits()
	ledger := capacity.NewLedger(capacity.Options{Limits: limits})
	engine := retry.NewEngine(retry.Policies{
		Standard:  retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, Jitter: retry.JitterNone},
		RateLimit: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, Jitter: retry.JitterNone},
	}, zap.NewNop())
	sched, err := subagent.NewScheduler(subagent.Config{
		Ledger:  ledger,
		Engine:  engine,
		Invoker: inv,
	})
	require.NoError(t, err)

	cfg := Config{
		Ledger:               ledger,
		Scheduler:            sched,
		MaxMemberParallelism: limits.MaxParallelMembersPerTeam,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	return o
}

func TestRun_AllMembersAgreeTrusted(t *testing.T) {
	o := testOrchestrator(t, agreeingInvoker("alpha", "beta", "gamma"), nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta", "gamma"), "review the rollout", Options{})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, res.Outcome.Status)
	require.Len(t, res.Members, 3)
	for _, m := range res.Members {
		assert.Equal(t, types.MemberCompleted, m.Status)
	}
	assert.Empty(t, res.Uncertainty.CollapseSignals)
	assert.Less(t, res.Uncertainty.USys, 0.4)
	assert.Equal(t, types.VerdictTrusted, res.Judgment.Verdict)
	assert.Contains(t, res.Judgment.NextStep, "staged rollout")
	assert.Contains(t, res.Narrative, "3/3 members completed")
	assert.GreaterOrEqual(t, res.AppliedMemberParallelism, 1)
}

func TestRun_MixedOutcomesPartialWithFailureSignal(t *testing.T) {
	inv := memberInvoker(map[string]func(string) (string, error){
		"alpha": func(string) (string, error) { return agreement("alpha"), nil },
		"beta":  func(string) (string, error) { return agreement("beta"), nil },
		"gamma": func(string) (string, error) {
			return "", types.NewError(types.KindValidationFailure, "schema rejected")
		},
	})
	o := testOrchestrator(t, inv, nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta", "gamma"), "review", Options{})
	require.NoError(t, err)

	assert.Equal(t, types.StatusPartial, res.Outcome.Status)
	assert.True(t, res.Uncertainty.HasSignal(types.SignalTeammateFailures))
	assert.Equal(t, types.MemberFailed, res.Members[2].Status)
	assert.NotEqual(t, types.VerdictTrusted, res.Judgment.Verdict)
}

func TestRun_AllMembersFail(t *testing.T) {
	inv := llm.InvokerFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, types.NewError(types.KindValidationFailure, "nope")
	})
	o := testOrchestrator(t, inv, nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta"), "review", Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailure, res.Outcome.Status)
	assert.Equal(t, types.KindValidationFailure, res.Outcome.Kind)
	assert.Equal(t, types.VerdictUntrusted, res.Judgment.Verdict)
}

func TestRun_DisagreementRaisesInterSignal(t *testing.T) {
	disagree := func(id, claim, next string) func(string) (string, error) {
		return func(string) (string, error) {
			return fmt.Sprintf("SUMMARY: %s looked at the data.\nCLAIM: %s\nEVIDENCE:\n- some logs\nRESULT: long analysis text from %s.\nNEXT_STEP: %s\nCONFIDENCE: 0.9", id, claim, id, next), nil
		}
	}
	inv := memberInvoker(map[string]func(string) (string, error){
		"alpha": disagree("alpha", "the outage was caused by the database failover misfiring badly", "roll back the failover configuration immediately"),
		"beta":  disagree("beta", "client retries amplified a transient network blip nothing else", "tune client retry jitter and close the incident"),
	})
	o := testOrchestrator(t, inv, nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta"), "find the root cause", Options{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Uncertainty.UInter, 0.55)
	assert.True(t, res.Uncertainty.HasSignal(types.SignalHighInterDisagreement))
	assert.NotEqual(t, types.VerdictTrusted, res.Judgment.Verdict)
}

func TestRun_CommunicationRoundRequiresCitation(t *testing.T) {
	round := 0
	inv := memberInvoker(map[string]func(string) (string, error){
		"alpha": func(prompt string) (string, error) {
			if strings.Contains(prompt, "PEER STATEMENT") {
				round++
				return "SUMMARY: updated after discussion.\nCLAIM: agreeing with beta, the plan is safe\nEVIDENCE:\n- beta's canary data\nRESULT: Revised per beta.\nNEXT_STEP: proceed\nCONFIDENCE: 0.9", nil
			}
			return agreement("alpha"), nil
		},
		"beta": func(prompt string) (string, error) {
			if strings.Contains(prompt, "PEER STATEMENT") {
				return "SUMMARY: updated.\nCLAIM: alpha convinced me the plan is safe\nEVIDENCE:\n- alpha's review\nRESULT: Revised per alpha.\nNEXT_STEP: proceed\nCONFIDENCE: 0.9", nil
			}
			return agreement("beta"), nil
		},
	})
	o := testOrchestrator(t, inv, nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta"), "review",
		Options{CommunicationRounds: 1, RoundsSet: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RoundsRun)
	assert.Greater(t, round, 0)
	assert.Contains(t, res.Members[0].Output, "beta")
	assert.Contains(t, res.Members[1].Output, "alpha")
}

func TestRun_DegradedRoundReplyKeepsPriorAnswer(t *testing.T) {
	inv := memberInvoker(map[string]func(string) (string, error){
		"alpha": func(prompt string) (string, error) {
			if strings.Contains(prompt, "PEER STATEMENT") {
				// Unstructured reply: rejected, prior answer stands.
				return "just trust me on this one, it is definitely fine overall", nil
			}
			return agreement("alpha"), nil
		},
		"beta": func(string) (string, error) { return agreement("beta"), nil },
	})
	o := testOrchestrator(t, inv, nil)

	res, err := o.Run(context.Background(), testTeam("alpha", "beta"), "review",
		Options{CommunicationRounds: 1, RoundsSet: true, MaxRetryRounds: 1, RetryRoundsSet: true})
	require.NoError(t, err)

	// Alpha's phase-1 answer survives the rejected round reply.
	assert.Contains(t, res.Members[0].Output, "alpha reviewed the rollout plan")
	assert.Equal(t, types.MemberCompleted, res.Members[0].Status)
}

func TestRun_OrchestrationLimit(t *testing.T) {
	o := testOrchestrator(t, agreeingInvoker("alpha"), nil)

	// Exhaust the orchestration budget directly.
	limit := o.ledger.Limits().MaxConcurrentOrchestrations
	for i := 0; i < limit; i++ {
		require.True(t, o.ledger.AcquireOrchestration())
	}

	res, err := o.Run(context.Background(), testTeam("alpha"), "review", Options{})
	require.Error(t, err)
	assert.Equal(t, types.KindCapacityUnavailable, res.Outcome.Kind)
}

func TestRun_ValidationFailures(t *testing.T) {
	o := testOrchestrator(t, agreeingInvoker("alpha"), nil)

	_, err := o.Run(context.Background(), Team{}, "task", Options{})
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailure, types.KindOf(err))

	_, err = o.Run(context.Background(), testTeam("alpha"), "  ", Options{})
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailure, types.KindOf(err))
}

func TestRun_AuditAndPersistence(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := audit.New(filepath.Join(dir, "audit.jsonl"), "host:1:1")
	require.NoError(t, err)
	runsDir := filepath.Join(dir, "runs")

	o := testOrchestrator(t, agreeingInvoker("alpha", "beta"), func(c *Config) {
		c.Audit = auditLog
		c.RunsDir = runsDir
	})

	res, err := o.Run(context.Background(), testTeam("alpha", "beta"), "review", Options{})
	require.NoError(t, err)

	events, err := auditLog.Read(audit.Filter{ToolID: "team-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionTeamStart, events[0].Action)
	assert.Equal(t, audit.ActionTeamComplete, events[1].Action)
	assert.Equal(t, "trusted", events[1].Details["verdict"])

	store, err := fskv.New(runsDir)
	require.NoError(t, err)
	var persisted Result
	require.NoError(t, store.Get(res.RunID, &persisted))
	assert.Equal(t, res.Judgment.Verdict, persisted.Judgment.Verdict)
	assert.Len(t, persisted.Members, 2)
}

func TestRun_LedgerDrainedAfterRun(t *testing.T) {
	o := testOrchestrator(t, agreeingInvoker("alpha", "beta", "gamma"), nil)

	_, err := o.Run(context.Background(), testTeam("alpha", "beta", "gamma"), "review", Options{})
	require.NoError(t, err)

	snap := o.ledger.Snapshot()
	assert.Equal(t, 0, snap.ActiveRequests)
	assert.Equal(t, 0, snap.ActiveLLM)
	assert.Equal(t, 0, snap.ReservedRequests)
	assert.Equal(t, 0, snap.Orchestrations)
	assert.Empty(t, snap.ActiveReservations)
}
