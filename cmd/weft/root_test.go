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
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/types"
)

func TestDelegateOptions_Parsing(t *testing.T) {
	runWorkflow = "wf-9"
	runPriority = "high"
	runClass = "interactive"
	runWaitMs = 2500
	runRounds = 2
	runRetryRounds = -1
	defer func() {
		runWorkflow, runPriority, runClass = "", "normal", "standard"
		runWaitMs, runRounds, runRetryRounds = 0, -1, -1
	}()

	opts, err := delegateOptions()
	require.NoError(t, err)
	assert.Equal(t, "wf-9", opts.WorkflowID)
	assert.Equal(t, types.PriorityHigh, opts.Priority)
	assert.Equal(t, types.ClassInteractive, opts.Class)
	assert.Equal(t, int64(2500), opts.CapacityWaitMs)
	require.NotNil(t, opts.CommunicationRounds)
	assert.Equal(t, 2, *opts.CommunicationRounds)
	assert.Nil(t, opts.MaxRetryRounds)
}

func TestDelegateOptions_RejectsUnknownPriority(t *testing.T) {
	runPriority = "urgent"
	defer func() { runPriority = "normal" }()

	_, err := delegateOptions()
	require.Error(t, err)
}

func TestRootCommand_HasCoreSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"status", "instances", "limits", "run", "runs", "audit", "workflow", "monitor"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
