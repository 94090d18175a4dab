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
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/teradata-labs/weft/internal/fskv"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/capacity"
	"github.com/teradata-labs/weft/pkg/coordinator"
	"github.com/teradata-labs/weft/pkg/subagent"
	"github.com/teradata-labs/weft/pkg/team"
)

// RuntimeSnapshot is the introspection view served to the CLI and the live
// monitor.
type RuntimeSnapshot struct {
	InstanceID  string                 `json:"instance_id"`
	Degraded    bool                   `json:"degraded"`
	Capacity    capacity.Snapshot      `json:"capacity"`
	ModelLimits map[string]int         `json:"model_limits"`
	Instances   []coordinator.Instance `json:"instances"`
	ActiveRuns  []ActiveRun            `json:"active_runs"`
}

// Snapshot collects the current runtime view.
func (r *Runtime) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		InstanceID:  r.coord.InstanceID(),
		Degraded:    r.coord.Degraded(),
		Capacity:    r.ledger.Snapshot(),
		ModelLimits: r.controller.Limits(),
		Instances:   r.coord.LiveInstances(),
		ActiveRuns:  r.active.Values(),
	}
}

// ModelLimits returns the learned per-model concurrency caps.
func (r *Runtime) ModelLimits() map[string]int { return r.controller.Limits() }

// InstanceStatus renders the live instance registry with fair shares.
func (r *Runtime) InstanceStatus() string {
	instances := r.coord.LiveInstances()
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s", r.coord.InstanceID())
	if r.coord.Degraded() {
		b.WriteString(" (degraded: single-instance mode)")
	}
	fmt.Fprintf(&b, "\nlive instances: %d\n", len(instances))
	for _, inst := range instances {
		marker := " "
		if inst.InstanceID == r.coord.InstanceID() {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s host=%s pid=%d active=%d\n",
			marker, inst.InstanceID, inst.Hostname, inst.Pid, inst.TotalActive())
	}

	providers := make([]string, 0, len(r.cfg.Providers))
	for name := range r.cfg.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	for _, name := range providers {
		fmt.Fprintf(&b, "fair share %s: %d\n", name, r.coord.FairShareFor(name))
	}
	return b.String()
}

// SubagentStatus renders a persisted sub-agent run, or a summary of recent
// runs when runID is empty.
func (r *Runtime) SubagentStatus(runID string) (string, error) {
	store, err := fskv.New(r.paths.SubagentRuns(), fskv.WithLogger(r.logger))
	if err != nil {
		return "", err
	}
	if runID == "" {
		return summarizeRuns(store, "sub-agent")
	}

	var res subagent.Result
	if err := store.Get(runID, &res); err != nil {
		return "", fmt.Errorf("failed to load sub-agent run %s: %w", runID, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s)\n", res.RunID, res.Name)
	fmt.Fprintf(&b, "state: %s outcome: %s\n", res.State, res.Outcome.Status)
	fmt.Fprintf(&b, "latency: %dms tokens: %d\n", res.LatencyMs, res.Usage.TotalTokens)
	if res.Output.Degraded {
		b.WriteString("output: degraded (missing labeled sections)\n")
	}
	if res.Output.Summary != "" {
		fmt.Fprintf(&b, "summary: %s\n", res.Output.Summary)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", res.Error)
	}
	return b.String(), nil
}

// TeamStatus renders a persisted team run, or a summary of recent runs when
// runID is empty.
func (r *Runtime) TeamStatus(runID string) (string, error) {
	store, err := fskv.New(r.paths.TeamRuns(), fskv.WithLogger(r.logger))
	if err != nil {
		return "", err
	}
	if runID == "" {
		return summarizeRuns(store, "team")
	}

	var res team.Result
	if err := store.Get(runID, &res); err != nil {
		return "", fmt.Errorf("failed to load team run %s: %w", runID, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (team %s)\n", res.RunID, res.TeamID)
	fmt.Fprintf(&b, "outcome: %s verdict: %s confidence: %.2f\n",
		res.Outcome.Status, res.Judgment.Verdict, res.Judgment.Confidence)
	fmt.Fprintf(&b, "parallelism: %dx%d rounds: %d latency: %dms\n",
		res.AppliedTeamParallelism, res.AppliedMemberParallelism, res.RoundsRun, res.LatencyMs)
	fmt.Fprintf(&b, "uncertainty: intra=%.2f inter=%.2f sys=%.2f\n",
		res.Uncertainty.UIntra, res.Uncertainty.UInter, res.Uncertainty.USys)
	for _, m := range res.Members {
		fmt.Fprintf(&b, "  member %s: %s (confidence %.2f)\n",
			m.MemberID, m.Status, m.Diagnostics.Confidence)
	}
	if res.Narrative != "" {
		fmt.Fprintf(&b, "narrative:\n%s\n", res.Narrative)
	}
	return b.String(), nil
}

func summarizeRuns(store *fskv.Store, label string) (string, error) {
	keys, err := store.Keys()
	if err != nil {
		return "", fmt.Errorf("failed to list %s runs: %w", label, err)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s run(s) recorded\n", len(keys), label)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s\n", k)
	}
	return b.String(), nil
}

// AuditEvents reads audit history through the given filter.
func (r *Runtime) AuditEvents(f audit.Filter) ([]audit.Event, error) {
	return r.auditLog.Read(f)
}

// MonitorHandler serves the live SSE monitor endpoint.
func (r *Runtime) MonitorHandler() http.Handler { return r.mon.Handler() }
