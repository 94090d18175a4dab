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

// Package config holds runtime configuration for the weft agent runtime.
//
// Priority: CLI flags > config file > env vars > defaults. Every numeric
// limit can be overridden with a WEFT_-prefixed environment variable
// (e.g. WEFT_LIMITS_MAX_TOTAL_ACTIVE_LLM).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RuntimeLimits is the immutable per-run capacity configuration.
type RuntimeLimits struct {
	// MaxTotalActiveLLM caps concurrent LLM calls across the process.
	MaxTotalActiveLLM int `mapstructure:"max_total_active_llm"`

	// MaxTotalActiveRequests caps concurrent delegated request slots.
	MaxTotalActiveRequests int `mapstructure:"max_total_active_requests"`

	// MaxParallelSubagentsPerRequest caps fan-out width for one delegation.
	MaxParallelSubagentsPerRequest int `mapstructure:"max_parallel_subagents_per_request"`

	// MaxParallelTeamsPerRequest caps concurrent teams for one delegation.
	MaxParallelTeamsPerRequest int `mapstructure:"max_parallel_teams_per_request"`

	// MaxParallelMembersPerTeam caps concurrent members inside one team.
	MaxParallelMembersPerTeam int `mapstructure:"max_parallel_members_per_team"`

	// MaxConcurrentOrchestrations caps concurrent team orchestrations,
	// independent of the ledger's request/LLM counters.
	MaxConcurrentOrchestrations int `mapstructure:"max_concurrent_orchestrations"`

	// CapacityWaitMs is how long admission waits for free capacity.
	CapacityWaitMs int `mapstructure:"capacity_wait_ms"`

	// CapacityPollMs is the admission poll interval while waiting.
	CapacityPollMs int `mapstructure:"capacity_poll_ms"`

	// LimitsVersion tracks limit changes across config reloads.
	LimitsVersion string `mapstructure:"limits_version"`
}

// DefaultLimits returns the standard limit preset.
func DefaultLimits() RuntimeLimits {
	return RuntimeLimits{
		MaxTotalActiveLLM:              8,
		MaxTotalActiveRequests:         16,
		MaxParallelSubagentsPerRequest: 4,
		MaxParallelTeamsPerRequest:     2,
		MaxParallelMembersPerTeam:      4,
		MaxConcurrentOrchestrations:    4,
		CapacityWaitMs:                 60_000,
		CapacityPollMs:                 250,
		LimitsVersion:                  "default",
	}
}

// StableLimits returns the conservative preset selected by
// stable_runtime_profile.
func StableLimits() RuntimeLimits {
	return RuntimeLimits{
		MaxTotalActiveLLM:              3,
		MaxTotalActiveRequests:         6,
		MaxParallelSubagentsPerRequest: 2,
		MaxParallelTeamsPerRequest:     1,
		MaxParallelMembersPerTeam:      2,
		MaxConcurrentOrchestrations:    2,
		CapacityWaitMs:                 120_000,
		CapacityPollMs:                 500,
		LimitsVersion:                  "stable",
	}
}

// QueueConfig tunes the admission queue.
type QueueConfig struct {
	// Cap is the maximum queued waiters before eviction (default 64).
	Cap int `mapstructure:"cap"`

	// SkipBoostMs is added to a waiter's effective age per fairness skip.
	SkipBoostMs int64 `mapstructure:"skip_boost_ms"`
}

// ReservationConfig tunes reservation lifetime and sweeping.
type ReservationConfig struct {
	// TTLMs is how long a held reservation survives without release (default 5m).
	TTLMs int64 `mapstructure:"ttl_ms"`

	// SweepIntervalMs is how often expired reservations are reclaimed (default 30s).
	SweepIntervalMs int64 `mapstructure:"sweep_interval_ms"`
}

// CoordinatorConfig tunes cross-instance cooperation.
type CoordinatorConfig struct {
	// HeartbeatIntervalMs is the registration refresh period (default 2s).
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms"`

	// PeerDeadAfterMs is how stale a peer registration may be before the
	// peer is excluded from share calculations (default 30s).
	PeerDeadAfterMs int64 `mapstructure:"peer_dead_after_ms"`
}

// RetryConfig tunes the retry/backoff engine.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMs int64   `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int64   `mapstructure:"max_delay_ms"`
	Multiplier     float64 `mapstructure:"multiplier"`
	Jitter         string  `mapstructure:"jitter"` // "none" or "full"

	// RateLimitMaxAttempts and RateLimitMaxDelayMs form the separate,
	// larger budget applied to rate_limited errors.
	RateLimitMaxAttempts int   `mapstructure:"rate_limit_max_attempts"`
	RateLimitMaxDelayMs  int64 `mapstructure:"rate_limit_max_delay_ms"`
}

// RateControlConfig tunes the adaptive per-(provider,model) controller.
type RateControlConfig struct {
	// SuccessThreshold is the consecutive-success count required before the
	// learned cap is raised by one (default 5).
	SuccessThreshold int `mapstructure:"success_threshold"`

	// DecayMs forgets observations older than this (default 8m).
	DecayMs int64 `mapstructure:"decay_ms"`
}

// ProviderConfig declares a provider's global concurrency limit and optional
// per-model ceilings for the adaptive controller.
type ProviderConfig struct {
	GlobalLimit   int            `mapstructure:"global_limit"`
	ModelCeilings map[string]int `mapstructure:"model_ceilings"`
}

// OwnershipConfig tunes workflow ownership behavior.
type OwnershipConfig struct {
	// AutoClaim transfers ownership away from dead instances (default true).
	AutoClaim bool `mapstructure:"auto_claim"`
}

// Config is the full weft runtime configuration.
type Config struct {
	// Workspace is the shared workspace root. Coordination state lives under
	// <workspace>/.weft.
	Workspace string `mapstructure:"workspace"`

	// StableRuntimeProfile selects the conservative limit preset.
	StableRuntimeProfile bool `mapstructure:"stable_runtime_profile"`

	Limits      RuntimeLimits             `mapstructure:"limits"`
	Queue       QueueConfig               `mapstructure:"queue"`
	Reservation ReservationConfig         `mapstructure:"reservation"`
	Coordinator CoordinatorConfig         `mapstructure:"coordinator"`
	Retry       RetryConfig               `mapstructure:"retry"`
	RateControl RateControlConfig         `mapstructure:"rate_control"`
	Ownership   OwnershipConfig           `mapstructure:"ownership"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}

// Default returns the default configuration rooted at workspace.
func Default(workspace string) Config {
	return Config{
		Workspace: workspace,
		Limits:    DefaultLimits(),
		Queue: QueueConfig{
			Cap:         64,
			SkipBoostMs: 15_000,
		},
		Reservation: ReservationConfig{
			TTLMs:           5 * 60 * 1000,
			SweepIntervalMs: 30_000,
		},
		Coordinator: CoordinatorConfig{
			HeartbeatIntervalMs: 2_000,
			PeerDeadAfterMs:     30_000,
		},
		Retry: RetryConfig{
			MaxAttempts:          3,
			InitialDelayMs:       500,
			MaxDelayMs:           15_000,
			Multiplier:           2.0,
			Jitter:               "full",
			RateLimitMaxAttempts: 6,
			RateLimitMaxDelayMs:  90_000,
		},
		RateControl: RateControlConfig{
			SuccessThreshold: 5,
			DecayMs:          8 * 60 * 1000,
		},
		Ownership: OwnershipConfig{AutoClaim: true},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads configuration from an optional weft.yaml plus WEFT_* environment
// overrides, applied on top of the defaults for workspace.
func Load(workspace, configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default(workspace)
	setDefaults(v, def)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("weft")
		v.SetConfigType("yaml")
		v.AddConfigPath(workspace)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.StableRuntimeProfile {
		cfg.Limits = StableLimits()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("workspace", def.Workspace)
	v.SetDefault("stable_runtime_profile", false)
	v.SetDefault("limits.max_total_active_llm", def.Limits.MaxTotalActiveLLM)
	v.SetDefault("limits.max_total_active_requests", def.Limits.MaxTotalActiveRequests)
	v.SetDefault("limits.max_parallel_subagents_per_request", def.Limits.MaxParallelSubagentsPerRequest)
	v.SetDefault("limits.max_parallel_teams_per_request", def.Limits.MaxParallelTeamsPerRequest)
	v.SetDefault("limits.max_parallel_members_per_team", def.Limits.MaxParallelMembersPerTeam)
	v.SetDefault("limits.max_concurrent_orchestrations", def.Limits.MaxConcurrentOrchestrations)
	v.SetDefault("limits.capacity_wait_ms", def.Limits.CapacityWaitMs)
	v.SetDefault("limits.capacity_poll_ms", def.Limits.CapacityPollMs)
	v.SetDefault("limits.limits_version", def.Limits.LimitsVersion)
	v.SetDefault("queue.cap", def.Queue.Cap)
	v.SetDefault("queue.skip_boost_ms", def.Queue.SkipBoostMs)
	v.SetDefault("reservation.ttl_ms", def.Reservation.TTLMs)
	v.SetDefault("reservation.sweep_interval_ms", def.Reservation.SweepIntervalMs)
	v.SetDefault("coordinator.heartbeat_interval_ms", def.Coordinator.HeartbeatIntervalMs)
	v.SetDefault("coordinator.peer_dead_after_ms", def.Coordinator.PeerDeadAfterMs)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay_ms", def.Retry.InitialDelayMs)
	v.SetDefault("retry.max_delay_ms", def.Retry.MaxDelayMs)
	v.SetDefault("retry.multiplier", def.Retry.Multiplier)
	v.SetDefault("retry.jitter", def.Retry.Jitter)
	v.SetDefault("retry.rate_limit_max_attempts", def.Retry.RateLimitMaxAttempts)
	v.SetDefault("retry.rate_limit_max_delay_ms", def.Retry.RateLimitMaxDelayMs)
	v.SetDefault("rate_control.success_threshold", def.RateControl.SuccessThreshold)
	v.SetDefault("rate_control.decay_ms", def.RateControl.DecayMs)
	v.SetDefault("ownership.auto_claim", def.Ownership.AutoClaim)
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.Limits.MaxTotalActiveLLM < 0 ||
		c.Limits.MaxTotalActiveRequests < 0 ||
		c.Limits.MaxParallelSubagentsPerRequest < 0 ||
		c.Limits.MaxParallelTeamsPerRequest < 0 ||
		c.Limits.MaxParallelMembersPerTeam < 0 ||
		c.Limits.MaxConcurrentOrchestrations < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	if c.Limits.CapacityWaitMs < 0 || c.Limits.CapacityPollMs < 0 {
		return fmt.Errorf("capacity wait and poll durations must be non-negative")
	}
	if c.Retry.Jitter != "" && c.Retry.Jitter != "none" && c.Retry.Jitter != "full" {
		return fmt.Errorf("retry jitter must be %q or %q", "none", "full")
	}
	return nil
}
