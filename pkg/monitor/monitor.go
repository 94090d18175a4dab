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

// Package monitor publishes a live view of the runtime over server-sent
// events. Publishing is observational only: snapshots are collected on a
// timer and pushed to whoever is connected, and a slow or absent consumer
// never blocks the runtime.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// StreamName is the SSE stream carrying runtime snapshots.
const StreamName = "runtime"

// SnapshotFunc collects the current view model.
type SnapshotFunc func() any

// Monitor pushes runtime snapshots to SSE subscribers.
type Monitor struct {
	server   *sse.Server
	snapshot SnapshotFunc
	interval time.Duration
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a monitor around a snapshot source. Interval defaults to 2s.
func New(snapshot SnapshotFunc, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := sse.New()
	// No replay buffer: late subscribers get the next snapshot, not history.
	server.AutoReplay = false
	server.CreateStream(StreamName)
	return &Monitor{
		server:   server,
		snapshot: snapshot,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic snapshot push.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.publishSnapshot()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Monitor) publishSnapshot() {
	if m.snapshot == nil {
		return
	}
	m.Publish("snapshot", m.snapshot())
}

// Publish pushes one named event to subscribers. Errors are logged, never
// returned; the monitor must not poison foreground operations.
func (m *Monitor) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode monitor event",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	m.server.TryPublish(StreamName, &sse.Event{
		Event: []byte(event),
		Data:  data,
	})
}

// Handler serves the SSE endpoint. Subscribers connect with
// ?stream=runtime.
func (m *Monitor) Handler() http.Handler {
	return m.server
}

// Stop halts the snapshot loop and closes the stream.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.server.Close()
}
