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

// Package ratecontrol learns safe per-(provider,model) LLM concurrency from
// observed 429 responses: multiplicative decrease on throttle, additive
// increase on sustained success, with old observations decaying so a model
// can recover its full ceiling after a quiet period.
package ratecontrol

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CeilingFunc returns the provider-declared concurrency limit for a model.
type CeilingFunc func(provider, model string) int

// DefaultCeiling is used when no provider configuration declares a limit.
const DefaultCeiling = 8

// Options configures a Controller.
type Options struct {
	// SuccessThreshold is the consecutive-success count needed to raise the
	// learned cap by one (default 5).
	SuccessThreshold int

	// Decay forgets observations older than this (default 8 minutes).
	Decay time.Duration

	// Ceiling resolves provider-declared limits; nil uses DefaultCeiling.
	Ceiling CeilingFunc

	Logger *zap.Logger

	// Clock is injectable for tests.
	Clock func() time.Time
}

type modelState struct {
	cap           int
	ceiling       int
	inFlight      int
	consecutiveOK int
	lastEventAt   time.Time
	last429At     time.Time
}

// Controller tracks learned concurrency caps. Each (provider,model) record
// is guarded by the controller mutex; lookups are cheap and admission calls
// it on every LLM start.
type Controller struct {
	mu        sync.Mutex
	states    map[string]*modelState
	threshold int
	decay     time.Duration
	ceiling   CeilingFunc
	logger    *zap.Logger
	clock     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController creates an adaptive rate controller.
func NewController(opts Options) *Controller {
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 5
	}
	if opts.Decay <= 0 {
		opts.Decay = 8 * time.Minute
	}
	if opts.Ceiling == nil {
		opts.Ceiling = func(string, string) int { return DefaultCeiling }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Controller{
		states:    make(map[string]*modelState),
		threshold: opts.SuccessThreshold,
		decay:     opts.Decay,
		ceiling:   opts.Ceiling,
		logger:    opts.Logger,
		clock:     opts.Clock,
		stopCh:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.janitor()
	return c
}

func key(provider, model string) string { return provider + "/" + model }

// state returns the record for (provider,model), creating it at the ceiling.
// Caller holds c.mu.
func (c *Controller) state(provider, model string) *modelState {
	k := key(provider, model)
	s, ok := c.states[k]
	if !ok {
		ceiling := c.ceiling(provider, model)
		if ceiling < 1 {
			ceiling = 1
		}
		s = &modelState{cap: ceiling, ceiling: ceiling, lastEventAt: c.clock()}
		c.states[k] = s
	}
	return s
}

// decayLocked resets a record whose observations have all aged out.
func (c *Controller) decayLocked(s *modelState) {
	now := c.clock()
	if !s.last429At.IsZero() && now.Sub(s.last429At) > c.decay {
		s.last429At = time.Time{}
		if s.cap < s.ceiling {
			s.cap = s.ceiling
		}
	}
}

// Record429 applies multiplicative decrease for the model: the learned cap
// halves, never below 1.
func (c *Controller) Record429(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(provider, model)
	now := c.clock()
	s.lastEventAt = now
	s.last429At = now
	s.consecutiveOK = 0
	prev := s.cap
	s.cap = s.cap / 2
	if s.cap < 1 {
		s.cap = 1
	}
	if s.cap != prev {
		c.logger.Warn("throttle observed, reducing model concurrency",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("previous_cap", prev),
			zap.Int("new_cap", s.cap))
	}
}

// RecordSuccess applies additive increase after sustained success: every
// SuccessThreshold consecutive successes raise the cap by one, up to the
// provider ceiling.
func (c *Controller) RecordSuccess(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(provider, model)
	s.lastEventAt = c.clock()
	c.decayLocked(s)
	s.consecutiveOK++
	if s.consecutiveOK >= c.threshold && s.cap < s.ceiling {
		s.cap++
		s.consecutiveOK = 0
		c.logger.Info("sustained success, raising model concurrency",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("new_cap", s.cap))
	}
}

// CurrentMaxConcurrency returns the learned cap for (provider,model).
func (c *Controller) CurrentMaxConcurrency(provider, model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(provider, model)
	c.decayLocked(s)
	return s.cap
}

// TryAcquire takes an in-flight slot if the learned cap allows another
// concurrent call for (provider,model).
func (c *Controller) TryAcquire(provider, model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(provider, model)
	c.decayLocked(s)
	if s.inFlight >= s.cap {
		return false
	}
	s.inFlight++
	return true
}

// Release returns an in-flight slot.
func (c *Controller) Release(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(provider, model)
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// Limits returns the current learned caps keyed by "provider/model".
func (c *Controller) Limits() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.states))
	for k, s := range c.states {
		c.decayLocked(s)
		out[k] = s.cap
	}
	return out
}

// janitor drops records idle past twice the decay window.
func (c *Controller) janitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			cutoff := c.clock().Add(-2 * c.decay)
			for k, s := range c.states {
				if s.inFlight == 0 && s.lastEventAt.Before(cutoff) {
					delete(c.states, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Shutdown stops the background janitor.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
