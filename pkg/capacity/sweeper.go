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

package capacity

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiredFunc observes a reservation reclaimed by the sweeper, typically to
// emit a reservation_expired audit event. It must not block.
type ExpiredFunc func(Reservation)

// Sweeper periodically reclaims expired reservations so counters stay
// consistent even when a worker crashes between reserve and release.
type Sweeper struct {
	ledger    *Ledger
	interval  time.Duration
	onExpired ExpiredFunc
	logger    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper for ledger. A non-positive interval defaults
// to 30 seconds.
func NewSweeper(ledger *Ledger, interval time.Duration, onExpired ExpiredFunc, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger:    ledger,
		interval:  interval,
		onExpired: onExpired,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepOnce()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// SweepOnce reclaims currently expired reservations and returns how many
// were released. Sweeping is idempotent: a second sweep over the same state
// releases nothing further.
func (s *Sweeper) SweepOnce() int {
	expired := s.ledger.sweepExpired()
	for _, r := range expired {
		s.logger.Warn("reservation expired, reclaiming slots",
			zap.String("reservation_id", r.ID),
			zap.String("tool", r.ToolName),
			zap.Int("requests", r.AdditionalRequests),
			zap.Int("llm", r.AdditionalLLM))
		if s.onExpired != nil {
			s.onExpired(r)
		}
	}
	return len(expired)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
