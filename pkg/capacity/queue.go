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
	"sort"
	"time"

	"github.com/teradata-labs/weft/pkg/types"
)

// queueEntry is a waiter for capacity. Entries are owned by the queue; the
// waiting goroutine holds a pointer only to poll selection and eviction.
type queueEntry struct {
	seq                 uint64
	class               types.QueueClass
	tenantKey           string
	additionalRequests  int
	additionalLLM       int
	skipCount           int
	priority            types.Priority
	createdAt           time.Time
	source              string
	tool                string
	estimatedRounds     int
	estimatedDurationMs int64

	// evictedCh closes when the entry is evicted under pressure.
	evictedCh chan struct{}
}

type queueEntryParams struct {
	class               types.QueueClass
	tenantKey           string
	additionalRequests  int
	additionalLLM       int
	priority            types.Priority
	source              string
	tool                string
	estimatedRounds     int
	estimatedDurationMs int64
	createdAt           time.Time
}

func (e *queueEntry) params() queueEntryParams {
	return queueEntryParams{
		class:               e.class,
		tenantKey:           e.tenantKey,
		additionalRequests:  e.additionalRequests,
		additionalLLM:       e.additionalLLM,
		priority:            e.priority,
		source:              e.source,
		tool:                e.tool,
		estimatedRounds:     e.estimatedRounds,
		estimatedDurationMs: e.estimatedDurationMs,
		createdAt:           e.createdAt,
	}
}

type freeSlots struct {
	requests int
	llm      int
}

func (f freeSlots) fits(e *queueEntry) bool {
	return e.additionalRequests <= f.requests && e.additionalLLM <= f.llm
}

// waitQueue orders pending waiters by a composite key: priority rank, class
// rank, effective age (skips boost age to prevent starvation), tenant
// round-robin, insertion order. The caller's mutex (the ledger's) guards all
// access.
type waitQueue struct {
	entries    []*queueEntry
	cap        int
	skipBoost  time.Duration
	nextSeq    uint64
	evictions  int64
	lastServed map[string]int64 // tenant -> serve sequence
	serveSeq   int64
}

func newWaitQueue(cap int, skipBoost time.Duration) *waitQueue {
	return &waitQueue{
		cap:        cap,
		skipBoost:  skipBoost,
		lastServed: make(map[string]int64),
	}
}

func (q *waitQueue) len() int { return len(q.entries) }

func (q *waitQueue) toolNames() []string {
	names := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		names = append(names, e.tool)
	}
	return names
}

// effectiveAge is the waiter's age plus a boost per fairness skip.
func (q *waitQueue) effectiveAge(e *queueEntry, now time.Time) time.Duration {
	return now.Sub(e.createdAt) + time.Duration(e.skipCount)*q.skipBoost
}

// less orders a before b when a's composite key is better (earlier).
func (q *waitQueue) less(a, b *queueEntry, now time.Time) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.class != b.class {
		return a.class < b.class
	}
	ageA, ageB := q.effectiveAge(a, now), q.effectiveAge(b, now)
	if ageA != ageB {
		return ageA > ageB
	}
	// Tenant fairness: prefer the tenant served least recently.
	servedA, servedB := q.lastServed[a.tenantKey], q.lastServed[b.tenantKey]
	if servedA != servedB {
		return servedA < servedB
	}
	return a.seq < b.seq
}

// push inserts a new waiter. When the queue exceeds its cap the entry with
// the worst composite key is evicted and returned; its evictedCh is closed
// so the waiter fails with capacity_unavailable.
func (q *waitQueue) push(p queueEntryParams) (*queueEntry, *queueEntry) {
	q.nextSeq++
	e := &queueEntry{
		seq:                 q.nextSeq,
		class:               p.class,
		tenantKey:           p.tenantKey,
		additionalRequests:  p.additionalRequests,
		additionalLLM:       p.additionalLLM,
		priority:            p.priority,
		createdAt:           p.createdAt,
		source:              p.source,
		tool:                p.tool,
		estimatedRounds:     p.estimatedRounds,
		estimatedDurationMs: p.estimatedDurationMs,
		evictedCh:           make(chan struct{}),
	}
	q.entries = append(q.entries, e)

	var evicted *queueEntry
	if len(q.entries) > q.cap {
		evicted = q.evictWorst(p.createdAt)
	}
	return e, evicted
}

// evictWorst removes and returns the entry with the worst composite key.
func (q *waitQueue) evictWorst(now time.Time) *queueEntry {
	if len(q.entries) == 0 {
		return nil
	}
	worst := 0
	for i := 1; i < len(q.entries); i++ {
		if q.less(q.entries[worst], q.entries[i], now) {
			worst = i
		}
	}
	e := q.entries[worst]
	q.entries = append(q.entries[:worst], q.entries[worst+1:]...)
	q.evictions++
	close(e.evictedCh)
	return e
}

// selectFit scans best-to-worst and returns the first entry whose demand
// fits the free slots. Better-ordered entries that do not fit accrue a
// fairness skip.
func (q *waitQueue) selectFit(now time.Time, free freeSlots) *queueEntry {
	if len(q.entries) == 0 {
		return nil
	}
	ordered := make([]*queueEntry, len(q.entries))
	copy(ordered, q.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return q.less(ordered[i], ordered[j], now)
	})
	var passedOver []*queueEntry
	for _, e := range ordered {
		if free.fits(e) {
			// Entries passed over in favor of a worse-ordered fit accrue a
			// fairness skip; a scan that selects nothing skips no one.
			for _, s := range passedOver {
				s.skipCount++
			}
			return e
		}
		passedOver = append(passedOver, e)
	}
	return nil
}

// remove deletes the entry, if still queued.
func (q *waitQueue) remove(target *queueEntry) {
	for i, e := range q.entries {
		if e == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// markServed records that the tenant was just served, rotating round-robin
// preference away from it.
func (q *waitQueue) markServed(tenant string, _ time.Time) {
	q.serveSeq++
	q.lastServed[tenant] = q.serveSeq
}
