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

package retry

import (
	"errors"
	"math/rand"
	"time"

	"context"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/config"
	"github.com/teradata-labs/weft/pkg/types"
)

// Jitter selects the delay randomization strategy.
type Jitter string

const (
	JitterNone Jitter = "none"
	JitterFull Jitter = "full"
)

// Policy is a backoff retry policy.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       Jitter
}

// Policies pairs the standard policy with the larger rate-limit budget.
type Policies struct {
	Standard  Policy
	RateLimit Policy
}

// DefaultPolicies returns the built-in retry budgets.
func DefaultPolicies() Policies {
	return Policies{
		Standard: Policy{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     15 * time.Second,
			Multiplier:   2.0,
			Jitter:       JitterFull,
		},
		RateLimit: Policy{
			MaxAttempts:  6,
			InitialDelay: time.Second,
			MaxDelay:     90 * time.Second,
			Multiplier:   2.0,
			Jitter:       JitterFull,
		},
	}
}

// PoliciesFromConfig builds retry policies from runtime configuration.
func PoliciesFromConfig(cfg config.RetryConfig) Policies {
	p := DefaultPolicies()
	if cfg.MaxAttempts > 0 {
		p.Standard.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelayMs > 0 {
		p.Standard.InitialDelay = time.Duration(cfg.InitialDelayMs) * time.Millisecond
		p.RateLimit.InitialDelay = time.Duration(cfg.InitialDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		p.Standard.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.Multiplier > 0 {
		p.Standard.Multiplier = cfg.Multiplier
		p.RateLimit.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter != "" {
		p.Standard.Jitter = Jitter(cfg.Jitter)
		p.RateLimit.Jitter = Jitter(cfg.Jitter)
	}
	if cfg.RateLimitMaxAttempts > 0 {
		p.RateLimit.MaxAttempts = cfg.RateLimitMaxAttempts
	}
	if cfg.RateLimitMaxDelayMs > 0 {
		p.RateLimit.MaxDelay = time.Duration(cfg.RateLimitMaxDelayMs) * time.Millisecond
	}
	return p
}

// delayFor computes the backoff delay for attempt (0-based) under p.
func (p Policy) delayFor(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter == JitterFull && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// Engine runs operations under retry policies.
type Engine struct {
	policies Policies
	logger   *zap.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a retry engine.
func NewEngine(policies Policies, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		policies: policies,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn until it succeeds, the applicable budget is exhausted, the
// error is non-retryable, or ctx is cancelled. Rate-limited errors draw from
// the separate rate-limit budget and honor Retry-After hints; they do not
// consume standard attempts.
func (e *Engine) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	stdAttempts, rlAttempts := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.KindCancelled, op+" cancelled", err)
		}

		err := fn(ctx)
		if err == nil {
			if stdAttempts+rlAttempts > 0 {
				e.logger.Info("retry succeeded",
					zap.String("op", op),
					zap.Int("standard_attempts", stdAttempts),
					zap.Int("rate_limit_attempts", rlAttempts))
			}
			return nil
		}

		kind := Classify(err)
		switch kind {
		case types.KindCancelled:
			return classified(err, types.KindCancelled, op)
		case types.KindValidationFailure, types.KindWorkflowOwnedByOther,
			types.KindCapacityUnavailable:
			return err
		}

		var policy Policy
		var attempt int
		if kind == types.KindRateLimited {
			rlAttempts++
			policy = e.policies.RateLimit
			attempt = rlAttempts
		} else if kind.Retriable() || isUnclassified(err, kind) {
			stdAttempts++
			policy = e.policies.Standard
			attempt = stdAttempts
		} else {
			return err
		}

		if attempt >= policy.MaxAttempts {
			e.logger.Warn("retry budget exhausted",
				zap.String("op", op),
				zap.String("kind", string(kind)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return err
		}

		delay := policy.delayFor(attempt - 1)
		if kind == types.KindRateLimited {
			if hinted := retryAfterFrom(err); hinted > 0 {
				delay = hinted
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			}
		}

		e.logger.Warn("operation failed, retrying",
			zap.String("op", op),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := e.sleep(ctx, delay); serr != nil {
			return types.WrapError(types.KindCancelled, op+" cancelled during backoff", serr)
		}
	}
}

// isUnclassified reports whether the error carried no explicit kind; such
// errors retry under the standard policy.
func isUnclassified(err error, kind types.ErrorKind) bool {
	if kind != types.KindInternal {
		return false
	}
	var we *types.Error
	return !errors.As(err, &we)
}

// classified rewraps err with kind unless it already carries one.
func classified(err error, kind types.ErrorKind, op string) error {
	var we *types.Error
	if errors.As(err, &we) {
		return err
	}
	return types.WrapError(kind, op, err)
}

// Result runs fn under the engine and returns its value.
func Result[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, ferr := fn(ctx)
		if ferr != nil {
			return ferr
		}
		out = v
		return nil
	})
	return out, err
}
