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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws, "")
	require.NoError(t, err)

	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, DefaultLimits(), cfg.Limits)
	assert.Equal(t, 64, cfg.Queue.Cap)
	assert.Equal(t, int64(15_000), cfg.Queue.SkipBoostMs)
	assert.Equal(t, 6, cfg.Retry.RateLimitMaxAttempts)
	assert.True(t, cfg.Ownership.AutoClaim)
}

func TestLoad_ConfigFile(t *testing.T) {
	ws := t.TempDir()
	file := filepath.Join(ws, "weft.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
limits:
  max_total_active_llm: 2
  capacity_wait_ms: 5000
queue:
  cap: 8
`), 0o644))

	cfg, err := Load(ws, "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Limits.MaxTotalActiveLLM)
	assert.Equal(t, 5000, cfg.Limits.CapacityWaitMs)
	assert.Equal(t, 8, cfg.Queue.Cap)
	// Untouched fields keep defaults.
	assert.Equal(t, DefaultLimits().MaxTotalActiveRequests, cfg.Limits.MaxTotalActiveRequests)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WEFT_LIMITS_MAX_TOTAL_ACTIVE_LLM", "3")
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Limits.MaxTotalActiveLLM)
}

func TestLoad_StableProfile(t *testing.T) {
	t.Setenv("WEFT_STABLE_RUNTIME_PROFILE", "true")
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, StableLimits(), cfg.Limits)
	assert.Equal(t, "stable", cfg.Limits.LimitsVersion)
}

func TestValidate_NegativeLimits(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Limits.MaxTotalActiveLLM = -1
	assert.Error(t, cfg.Validate())
}

func TestPaths_Layout(t *testing.T) {
	ws := t.TempDir()
	p := NewPaths(ws)
	require.NoError(t, p.EnsureAll())

	for _, dir := range []string{p.Ownership(), p.Instances(), p.AuditDir(), p.TeamRuns(), p.SubagentRuns()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(ws, ".weft", "audit", "audit.log.jsonl"), p.AuditLog())
}
