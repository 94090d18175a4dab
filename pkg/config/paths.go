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

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves the workspace-relative layout of persistent runtime state.
//
//	<workspace>/.weft/ownership/<workflowId>.json
//	<workspace>/.weft/coordinator/instances/<instanceId>.json
//	<workspace>/.weft/audit/audit.log.jsonl
//	<workspace>/.weft/teams/runs/<runId>.json
//	<workspace>/.weft/subagents/runs/<runId>.json
type Paths struct {
	root string
}

// NewPaths creates a Paths rooted at the workspace.
func NewPaths(workspace string) Paths {
	return Paths{root: filepath.Join(workspace, ".weft")}
}

// Root returns the runtime state root directory.
func (p Paths) Root() string { return p.root }

// Ownership returns the workflow ownership directory.
func (p Paths) Ownership() string { return filepath.Join(p.root, "ownership") }

// Instances returns the coordinator instance registry directory.
func (p Paths) Instances() string { return filepath.Join(p.root, "coordinator", "instances") }

// AuditDir returns the audit directory.
func (p Paths) AuditDir() string { return filepath.Join(p.root, "audit") }

// AuditLog returns the audit log file path.
func (p Paths) AuditLog() string { return filepath.Join(p.AuditDir(), "audit.log.jsonl") }

// TeamRuns returns the per-run team result directory.
func (p Paths) TeamRuns() string { return filepath.Join(p.root, "teams", "runs") }

// SubagentRuns returns the per-run sub-agent result directory.
func (p Paths) SubagentRuns() string { return filepath.Join(p.root, "subagents", "runs") }

// EnsureAll creates every state directory.
func (p Paths) EnsureAll() error {
	for _, dir := range []string{
		p.Ownership(),
		p.Instances(),
		p.AuditDir(),
		p.TeamRuns(),
		p.SubagentRuns(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}
