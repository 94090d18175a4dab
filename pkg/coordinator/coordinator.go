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

// Package coordinator shares per-provider LLM capacity between cooperating
// host processes through a registry of instance files in the workspace.
// Cooperation is best-effort: each instance heartbeats its own record, reads
// its peers out-of-band, and degrades to single-instance mode when the
// filesystem misbehaves. Admission never reads peer state synchronously.
package coordinator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/fskv"
)

// Instance is the registration record one host process publishes.
type Instance struct {
	InstanceID   string         `json:"instance_id"`
	Hostname     string         `json:"hostname"`
	Pid          int            `json:"pid"`
	StartTimeMs  int64          `json:"start_time_ms"`
	HeartbeatMs  int64          `json:"heartbeat_ms"`
	ActiveModels map[string]int `json:"active_models"`
	StolenSlots  map[string]int `json:"stolen_slots,omitempty"`
}

// providerLoad sums the instance's in-flight calls across a provider's models.
func (in Instance) providerLoad(provider string) int {
	total := 0
	for key, n := range in.ActiveModels {
		if p, _, ok := splitModelKey(key); ok && p == provider {
			total += n
		}
	}
	return total
}

// TotalActive sums the instance's in-flight model calls.
func (in Instance) TotalActive() int {
	total := 0
	for _, n := range in.ActiveModels {
		total += n
	}
	return total
}

func modelKey(provider, model string) string { return provider + "/" + model }

func splitModelKey(key string) (provider, model string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// LimitFunc returns the global concurrency limit for a provider.
type LimitFunc func(provider string) int

// Options configures a Coordinator.
type Options struct {
	// Dir is the shared instances directory.
	Dir string

	// ProviderLimit resolves global per-provider limits. Required.
	ProviderLimit LimitFunc

	// HeartbeatInterval is how often the own record is refreshed (default 2s).
	HeartbeatInterval time.Duration

	// PeerDeadAfter excludes peers whose record is older than this (default 30s).
	PeerDeadAfter time.Duration

	Logger *zap.Logger

	// Clock is injectable for tests.
	Clock func() time.Time
}

// Coordinator maintains this instance's registration and an in-memory view
// of its live peers.
type Coordinator struct {
	store     *fskv.Store
	limit     LimitFunc
	heartbeat time.Duration
	deadAfter time.Duration
	logger    *zap.Logger
	clock     func() time.Time

	mu       sync.Mutex
	self     Instance
	peers    map[string]Instance
	degraded bool

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator and writes the initial registration. The watcher
// is optional; when the instances directory cannot be watched the view
// refreshes on the heartbeat timer alone.
func New(opts Options) (*Coordinator, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("coordinator: instances directory is required")
	}
	if opts.ProviderLimit == nil {
		return nil, fmt.Errorf("coordinator: provider limit function is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.PeerDeadAfter <= 0 {
		opts.PeerDeadAfter = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	store, err := fskv.New(opts.Dir, fskv.WithLogger(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := opts.Clock()
	c := &Coordinator{
		store:     store,
		limit:     opts.ProviderLimit,
		heartbeat: opts.HeartbeatInterval,
		deadAfter: opts.PeerDeadAfter,
		logger:    opts.Logger,
		clock:     opts.Clock,
		self: Instance{
			InstanceID:   fmt.Sprintf("%s:%d:%d", hostname, os.Getpid(), now.UnixMilli()),
			Hostname:     hostname,
			Pid:          os.Getpid(),
			StartTimeMs:  now.UnixMilli(),
			ActiveModels: make(map[string]int),
			StolenSlots:  make(map[string]int),
		},
		peers:  make(map[string]Instance),
		stopCh: make(chan struct{}),
	}

	if err := c.RegisterInstance(); err != nil {
		c.logger.Warn("initial instance registration failed, running degraded",
			zap.Error(err))
	}
	c.refreshView()
	return c, nil
}

// Start launches the heartbeat and view-refresh loops.
func (c *Coordinator) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(c.store.Dir()); werr != nil {
			c.logger.Debug("cannot watch instances directory, using timer only",
				zap.Error(werr))
			watcher.Close()
			watcher = nil
		}
	} else {
		c.logger.Debug("fsnotify unavailable, using timer only", zap.Error(err))
		watcher = nil
	}
	c.watcher = watcher

	c.wg.Add(1)
	go c.loop()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if c.watcher != nil {
		events = c.watcher.Events
		errs = c.watcher.Errors
	}

	for {
		select {
		case <-ticker.C:
			if err := c.UpdateHeartbeat(); err != nil {
				c.logger.Warn("heartbeat write failed", zap.Error(err))
			}
			c.refreshView()
		case <-events:
			c.refreshView()
		case err := <-errs:
			c.logger.Debug("instances watcher error", zap.Error(err))
		case <-c.stopCh:
			return
		}
	}
}

// Stop unregisters this instance and halts background loops.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.watcher != nil {
		c.watcher.Close()
	}
	if err := c.Unregister(); err != nil {
		c.logger.Warn("failed to unregister instance", zap.Error(err))
	}
}

// InstanceID returns this process's identity.
func (c *Coordinator) InstanceID() string {
	return c.self.InstanceID
}

// RegisterInstance publishes this instance's record.
func (c *Coordinator) RegisterInstance() error {
	return c.UpdateHeartbeat()
}

// UpdateHeartbeat refreshes this instance's record with current load.
func (c *Coordinator) UpdateHeartbeat() error {
	c.mu.Lock()
	c.self.HeartbeatMs = c.clock().UnixMilli()
	rec := c.snapshotSelfLocked()
	c.mu.Unlock()

	err := c.store.Put(rec.InstanceID, rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !c.degraded {
			c.logger.Warn("instance registry unavailable, degrading to single-instance mode",
				zap.Error(err))
		}
		c.degraded = true
		return err
	}
	if c.degraded {
		c.logger.Info("instance registry recovered")
		c.degraded = false
	}
	return nil
}

// Unregister removes this instance's record.
func (c *Coordinator) Unregister() error {
	return c.store.Delete(c.self.InstanceID)
}

func (c *Coordinator) snapshotSelfLocked() Instance {
	rec := c.self
	rec.ActiveModels = make(map[string]int, len(c.self.ActiveModels))
	for k, v := range c.self.ActiveModels {
		rec.ActiveModels[k] = v
	}
	rec.StolenSlots = make(map[string]int, len(c.self.StolenSlots))
	for k, v := range c.self.StolenSlots {
		rec.StolenSlots[k] = v
	}
	return rec
}

// refreshView reloads peer records into the in-memory view. Unreadable
// records are skipped; listing failures flip the coordinator into degraded
// single-instance mode until the directory is readable again.
func (c *Coordinator) refreshView() {
	keys, err := c.store.Keys()
	if err != nil {
		c.mu.Lock()
		if !c.degraded {
			c.logger.Warn("cannot list instance registry, degrading to single-instance mode",
				zap.Error(err))
		}
		c.degraded = true
		c.mu.Unlock()
		return
	}

	view := make(map[string]Instance)
	for _, key := range keys {
		if key == c.self.InstanceID {
			continue
		}
		var in Instance
		if err := c.store.Get(key, &in); err != nil {
			continue
		}
		view[in.InstanceID] = in
	}

	c.mu.Lock()
	c.peers = view
	c.undoStaleStealsLocked()
	c.mu.Unlock()
}

// LiveInstances returns this instance plus peers with a fresh heartbeat.
func (c *Coordinator) LiveInstances() []Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Instance{c.snapshotSelfLocked()}
	for _, in := range c.peers {
		if c.isLiveLocked(in) {
			out = append(out, in)
		}
	}
	return out
}

// IsLive reports whether id belongs to a live instance. Used by workflow
// ownership to decide whether a record's owner is claimable.
func (c *Coordinator) IsLive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.self.InstanceID {
		return true
	}
	in, ok := c.peers[id]
	return ok && c.isLiveLocked(in)
}

func (c *Coordinator) isLiveLocked(in Instance) bool {
	age := c.clock().UnixMilli() - in.HeartbeatMs
	return age >= 0 && time.Duration(age)*time.Millisecond <= c.deadAfter
}

func (c *Coordinator) liveCountLocked() int {
	n := 1
	for _, in := range c.peers {
		if c.isLiveLocked(in) {
			n++
		}
	}
	return n
}

// FairShareFor returns this instance's entitlement for a provider: the
// global limit split evenly across live instances, rounded up.
func (c *Coordinator) FairShareFor(provider string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fairShareLocked(provider)
}

func (c *Coordinator) fairShareLocked(provider string) int {
	limit := c.limit(provider)
	if limit < 1 {
		limit = 1
	}
	if c.degraded {
		return limit
	}
	n := c.liveCountLocked()
	return (limit + n - 1) / n
}

// CanStartModel reports whether this instance may start another call for the
// provider, within its fair share plus any stolen credits. At entitlement it
// attempts a steal before answering no.
func (c *Coordinator) CanStartModel(provider, model string) bool {
	c.mu.Lock()
	if c.degraded {
		c.mu.Unlock()
		return true
	}
	load := c.self.providerLoad(provider)
	entitlement := c.fairShareLocked(provider) + c.self.StolenSlots[provider]
	c.mu.Unlock()

	if load < entitlement {
		return true
	}
	return c.TryStealSlot(provider)
}

// TryStealSlot borrows one slot from a live peer running below half its
// entitlement. The steal is recorded in this instance's registration so it
// can be undone when the peer re-activates.
func (c *Coordinator) TryStealSlot(provider string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return false
	}
	share := c.fairShareLocked(provider)
	for _, in := range c.peers {
		if !c.isLiveLocked(in) {
			continue
		}
		if in.providerLoad(provider) < share/2 {
			c.self.StolenSlots[provider]++
			c.logger.Info("stole capacity slot from under-utilizing peer",
				zap.String("provider", provider),
				zap.String("peer", in.InstanceID),
				zap.Int("stolen_total", c.self.StolenSlots[provider]))
			return true
		}
	}
	return false
}

// undoStaleStealsLocked drops stolen credits for providers where no peer
// remains under-utilized, returning the capacity to its owners.
func (c *Coordinator) undoStaleStealsLocked() {
	for provider, stolen := range c.self.StolenSlots {
		if stolen <= 0 {
			continue
		}
		share := c.fairShareLocked(provider)
		idle := false
		for _, in := range c.peers {
			if c.isLiveLocked(in) && in.providerLoad(provider) < share/2 {
				idle = true
				break
			}
		}
		if !idle {
			c.logger.Info("returning stolen capacity, peer re-activated",
				zap.String("provider", provider),
				zap.Int("returned", stolen))
			delete(c.self.StolenSlots, provider)
		}
	}
}

// RecordModelStart notes one more in-flight call for (provider, model). The
// updated load reaches peers on the next heartbeat.
func (c *Coordinator) RecordModelStart(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self.ActiveModels[modelKey(provider, model)]++
}

// RecordModelEnd notes one finished call for (provider, model).
func (c *Coordinator) RecordModelEnd(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := modelKey(provider, model)
	if c.self.ActiveModels[key] > 0 {
		c.self.ActiveModels[key]--
	}
	if c.self.ActiveModels[key] == 0 {
		delete(c.self.ActiveModels, key)
	}
}

// ClearAllActiveModels resets this instance's recorded load, used on
// shutdown and after crash recovery.
func (c *Coordinator) ClearAllActiveModels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self.ActiveModels = make(map[string]int)
	c.self.StolenSlots = make(map[string]int)
}

// Degraded reports whether the coordinator is in single-instance fallback.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}
