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

// Package capacity implements the process-wide capacity ledger: counters and
// reservations for active request slots and active LLM calls, the priority
// queue of waiters, and the background sweeper that reclaims expired
// reservations. The ledger is the single source of truth for "may I start?".
package capacity

import (
	"context"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/config"
	"github.com/teradata-labs/weft/pkg/types"
)

// Reservation is a grant of future resource. It holds its slots from grant
// until release; Consume marks the point where the worker actually starts
// drawing on the resource.
type Reservation struct {
	ID                 string `json:"id"`
	ToolName           string `json:"tool_name"`
	AdditionalRequests int    `json:"additional_requests"`
	AdditionalLLM      int    `json:"additional_llm"`
	CreatedAtMs        int64  `json:"created_at_ms"`
	HeartbeatAtMs      int64  `json:"heartbeat_at_ms"`
	ExpiresAtMs        int64  `json:"expires_at_ms"`
	ConsumedAtMs       int64  `json:"consumed_at_ms,omitempty"`
}

// Consumed reports whether the reservation has started drawing resource.
func (r *Reservation) Consumed() bool { return r.ConsumedAtMs > 0 }

// Category labels an active-work counter tracked for observers.
type Category string

const (
	CategorySubagentRequest Category = "subagent_request"
	CategorySubagent        Category = "subagent"
	CategoryTeamRun         Category = "team_run"
	CategoryTeamMember      Category = "team_member"
)

// DenyReason explains a reservation denial.
type DenyReason string

const (
	DenyRequestsExhausted DenyReason = "requests_exhausted"
	DenyLLMExhausted      DenyReason = "llm_exhausted"
)

// Snapshot is a point-in-time view of the ledger for observers.
type Snapshot struct {
	ActiveRequests     int                  `json:"active_requests"`
	ActiveLLM          int                  `json:"active_llm"`
	ReservedRequests   int                  `json:"reserved_requests"`
	ReservedLLM        int                  `json:"reserved_llm"`
	ActiveByCategory   map[Category]int     `json:"active_by_category"`
	ActiveReservations []Reservation        `json:"active_reservations"`
	Orchestrations     int                  `json:"active_orchestrations"`
	QueuedCount        int                  `json:"queued_count"`
	QueuedToolNames    []string             `json:"queued_tool_names"`
	QueueEvictions     int64                `json:"queue_evictions"`
	Limits             config.RuntimeLimits `json:"limits"`
}

// FreeRequests returns the request slots available for new reservations.
func (s Snapshot) FreeRequests() int {
	return s.Limits.MaxTotalActiveRequests - s.ActiveRequests - s.ReservedRequests
}

// FreeLLM returns the LLM slots available for new reservations.
func (s Snapshot) FreeLLM() int {
	return s.Limits.MaxTotalActiveLLM - s.ActiveLLM - s.ReservedLLM
}

// Options configures a Ledger.
type Options struct {
	Limits         config.RuntimeLimits
	ReservationTTL time.Duration
	QueueCap       int
	SkipBoost      time.Duration
	Logger         *zap.Logger

	// Clock is injectable for tests. Defaults to time.Now.
	Clock func() time.Time
}

// Ledger tracks reservations and active counters under a single mutex that
// also guards the waiter queue, so all admission and release transitions are
// linearized.
type Ledger struct {
	mu sync.Mutex

	limits config.RuntimeLimits
	ttl    time.Duration
	logger *zap.Logger
	clock  func() time.Time

	reservations map[string]*Reservation

	activeRequests   int
	activeLLM        int
	reservedRequests int
	reservedLLM      int

	activeByCategory map[Category]int
	orchestrations   int

	queue *waitQueue
}

// NewLedger creates a capacity ledger.
func NewLedger(opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 5 * time.Minute
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 64
	}
	if opts.SkipBoost <= 0 {
		opts.SkipBoost = 15 * time.Second
	}
	return &Ledger{
		limits:           opts.Limits,
		ttl:              opts.ReservationTTL,
		logger:           opts.Logger,
		clock:            opts.Clock,
		reservations:     make(map[string]*Reservation),
		activeByCategory: make(map[Category]int),
		queue:            newWaitQueue(opts.QueueCap, opts.SkipBoost),
	}
}

// Limits returns the immutable limits the ledger enforces.
func (l *Ledger) Limits() config.RuntimeLimits { return l.limits }

// ReservationTTL reports how long an unheartbeated reservation stays valid.
func (l *Ledger) ReservationTTL() time.Duration { return l.ttl }

// TryReserve attempts to reserve req request slots and llm LLM slots for
// tool. On denial it returns the failing reasons and a snapshot taken at the
// moment of the attempt.
func (l *Ledger) TryReserve(req, llm int, tool string) (*Reservation, []DenyReason, Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryReserveLocked(req, llm, tool)
}

func (l *Ledger) tryReserveLocked(req, llm int, tool string) (*Reservation, []DenyReason, Snapshot) {
	if req < 0 {
		req = 0
	}
	if llm < 0 {
		llm = 0
	}

	var reasons []DenyReason
	if l.activeRequests+l.reservedRequests+req > l.limits.MaxTotalActiveRequests {
		reasons = append(reasons, DenyRequestsExhausted)
	}
	if l.activeLLM+l.reservedLLM+llm > l.limits.MaxTotalActiveLLM {
		reasons = append(reasons, DenyLLMExhausted)
	}
	if len(reasons) > 0 {
		return nil, reasons, l.snapshotLocked()
	}

	now := l.clock()
	r := &Reservation{
		ID:                 uuid.New().String(),
		ToolName:           tool,
		AdditionalRequests: req,
		AdditionalLLM:      llm,
		CreatedAtMs:        now.UnixMilli(),
		HeartbeatAtMs:      now.UnixMilli(),
		ExpiresAtMs:        now.Add(l.ttl).UnixMilli(),
	}
	l.reservations[r.ID] = r
	l.reservedRequests += req
	l.reservedLLM += llm

	l.logger.Debug("reservation granted",
		zap.String("reservation_id", r.ID),
		zap.String("tool", tool),
		zap.Int("requests", req),
		zap.Int("llm", llm))
	return r, nil, Snapshot{}
}

// WaitRequest describes a caller waiting for capacity.
type WaitRequest struct {
	Requests            int
	LLM                 int
	Tool                string
	TenantKey           string
	Priority            types.Priority
	Class               types.QueueClass
	Source              string
	EstimatedRounds     int
	EstimatedDurationMs int64
	MaxWait             time.Duration
	Poll                time.Duration
}

// ReserveOrWait reserves immediately when possible, otherwise queues and
// polls until capacity frees, the wait budget expires, the entry is evicted,
// or ctx is cancelled. A zero MaxWait makes exactly one attempt.
func (l *Ledger) ReserveOrWait(ctx context.Context, wr WaitRequest) (*Reservation, error) {
	if r, _, _ := l.TryReserve(wr.Requests, wr.LLM, wr.Tool); r != nil {
		return r, nil
	}
	if wr.MaxWait <= 0 {
		return nil, types.NewError(types.KindCapacityUnavailable,
			"capacity unavailable and wait budget is zero")
	}
	if wr.Poll <= 0 {
		wr.Poll = 250 * time.Millisecond
	}

	l.mu.Lock()
	entry, evicted := l.queue.push(queueEntryParams{
		class:               wr.Class,
		tenantKey:           wr.TenantKey,
		additionalRequests:  wr.Requests,
		additionalLLM:       wr.LLM,
		priority:            wr.Priority,
		source:              wr.Source,
		tool:                wr.Tool,
		estimatedRounds:     wr.EstimatedRounds,
		estimatedDurationMs: wr.EstimatedDurationMs,
		createdAt:           l.clock(),
	})
	l.mu.Unlock()
	if evicted != nil {
		l.logger.Warn("queue eviction under pressure",
			zap.String("evicted_tool", evicted.tool),
			zap.String("evicted_tenant", evicted.tenantKey))
	}

	deadline := l.clock().Add(wr.MaxWait)
	ticker := time.NewTicker(wr.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.dropEntry(entry)
			return nil, types.WrapError(types.KindCancelled, "capacity wait cancelled", ctx.Err())
		case <-entry.evictedCh:
			return nil, types.NewError(types.KindCapacityUnavailable,
				"evicted from capacity queue under pressure")
		case <-ticker.C:
		}

		l.mu.Lock()
		now := l.clock()
		free := freeSlots{
			requests: l.limits.MaxTotalActiveRequests - l.activeRequests - l.reservedRequests,
			llm:      l.limits.MaxTotalActiveLLM - l.activeLLM - l.reservedLLM,
		}
		chosen := l.queue.selectFit(now, free)
		if chosen == entry {
			l.queue.remove(entry)
			l.queue.markServed(entry.tenantKey, now)
			r, _, _ := l.tryReserveLocked(wr.Requests, wr.LLM, wr.Tool)
			l.mu.Unlock()
			if r != nil {
				return r, nil
			}
			// Another path consumed the slots between select and reserve;
			// re-enqueue and keep waiting.
			l.mu.Lock()
			entry, evicted = l.queue.push(entry.params())
			l.mu.Unlock()
			if evicted != nil {
				l.logger.Warn("queue eviction under pressure",
					zap.String("evicted_tool", evicted.tool))
			}
		} else {
			l.mu.Unlock()
		}

		if l.clock().After(deadline) {
			l.dropEntry(entry)
			return nil, types.NewError(types.KindCapacityUnavailable,
				"timed out waiting for capacity")
		}
	}
}

func (l *Ledger) dropEntry(entry *queueEntry) {
	l.mu.Lock()
	l.queue.remove(entry)
	l.mu.Unlock()
}

// Consume marks the reservation as actively drawing resource. The slots move
// from the reserved counters to the active counters; the reservation keeps
// holding them until release.
func (l *Ledger) Consume(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.reservations[r.ID]
	if !ok || held.Consumed() {
		return
	}
	held.ConsumedAtMs = l.clock().UnixMilli()
	l.reservedRequests = l.clampDec(l.reservedRequests, held.AdditionalRequests, "reserved_requests")
	l.reservedLLM = l.clampDec(l.reservedLLM, held.AdditionalLLM, "reserved_llm")
	l.activeRequests += held.AdditionalRequests
	l.activeLLM += held.AdditionalLLM
}

// Release returns the reservation's slots. Releasing an unknown (already
// released or swept) reservation is a no-op.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(r.ID)
}

func (l *Ledger) releaseLocked(id string) {
	held, ok := l.reservations[id]
	if !ok {
		return
	}
	delete(l.reservations, id)
	if held.Consumed() {
		l.activeRequests = l.clampDec(l.activeRequests, held.AdditionalRequests, "active_requests")
		l.activeLLM = l.clampDec(l.activeLLM, held.AdditionalLLM, "active_llm")
	} else {
		l.reservedRequests = l.clampDec(l.reservedRequests, held.AdditionalRequests, "reserved_requests")
		l.reservedLLM = l.clampDec(l.reservedLLM, held.AdditionalLLM, "reserved_llm")
	}
}

// clampDec decrements a counter, clamping at zero. A clamp indicates a
// bookkeeping bug; it is logged, never fatal.
func (l *Ledger) clampDec(current, by int, name string) int {
	next := current - by
	if next < 0 {
		l.logger.Error("capacity counter underflow, clamping to zero",
			zap.String("counter", name),
			zap.Int("current", current),
			zap.Int("decrement", by))
		return 0
	}
	return next
}

// Heartbeat refreshes the reservation's expiry.
func (l *Ledger) Heartbeat(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.reservations[r.ID]
	if !ok {
		return
	}
	now := l.clock()
	held.HeartbeatAtMs = now.UnixMilli()
	held.ExpiresAtMs = now.Add(l.ttl).UnixMilli()
}

// sweepExpired releases every reservation past its expiry and returns the
// released records.
func (l *Ledger) sweepExpired() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	nowMs := l.clock().UnixMilli()
	var expired []Reservation
	for id, r := range l.reservations {
		if r.ExpiresAtMs < nowMs {
			expired = append(expired, *r)
			l.releaseLocked(id)
		}
	}
	return expired
}

// RecordStart increments the active counter for category.
func (l *Ledger) RecordStart(c Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeByCategory[c]++
}

// RecordEnd decrements the active counter for category.
func (l *Ledger) RecordEnd(c Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeByCategory[c] <= 0 {
		l.logger.Error("category counter underflow", zap.String("category", string(c)))
		l.activeByCategory[c] = 0
		return
	}
	l.activeByCategory[c]--
}

// AcquireOrchestration takes an orchestration slot, independent of the
// request/LLM counters. Returns false when the cap is reached.
func (l *Ledger) AcquireOrchestration() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orchestrations >= l.limits.MaxConcurrentOrchestrations {
		return false
	}
	l.orchestrations++
	return true
}

// ReleaseOrchestration returns an orchestration slot.
func (l *Ledger) ReleaseOrchestration() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orchestrations = l.clampDec(l.orchestrations, 1, "orchestrations")
}

// Snapshot returns a consistent view of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	active := make(map[Category]int, len(l.activeByCategory))
	for k, v := range l.activeByCategory {
		active[k] = v
	}
	reservations := make([]Reservation, 0, len(l.reservations))
	for _, r := range l.reservations {
		reservations = append(reservations, *r)
	}
	return Snapshot{
		ActiveRequests:     l.activeRequests,
		ActiveLLM:          l.activeLLM,
		ReservedRequests:   l.reservedRequests,
		ReservedLLM:        l.reservedLLM,
		ActiveByCategory:   active,
		ActiveReservations: reservations,
		Orchestrations:     l.orchestrations,
		QueuedCount:        l.queue.len(),
		QueuedToolNames:    l.queue.toolNames(),
		QueueEvictions:     l.queue.evictions,
		Limits:             l.limits,
	}
}
