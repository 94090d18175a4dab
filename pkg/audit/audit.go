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

// Package audit keeps an append-only JSON-lines record of runtime actions.
// Each line is a self-contained event; appends are line-atomic under a
// coarse lock, and archival moves aged entries to a dated sibling file.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Action identifies the kind of audited event.
type Action string

const (
	ActionSubagentStart     Action = "subagent_start"
	ActionSubagentComplete  Action = "subagent_complete"
	ActionSubagentFailure   Action = "subagent_failure"
	ActionTeamStart         Action = "team_start"
	ActionTeamComplete      Action = "team_complete"
	ActionTeamFailure       Action = "team_failure"
	ActionReservationExpire Action = "reservation_expired"
	ActionOwnershipClaim    Action = "workflow_ownership_claimed"
	ActionOwnershipRelease  Action = "workflow_ownership_released"
	ActionOwnershipTransfer Action = "workflow_ownership_transferred"
	ActionOwnershipForce    Action = "workflow_ownership_forced"
)

// Event is one immutable audit record.
type Event struct {
	ID           string         `json:"id"`
	TimestampIso string         `json:"timestamp_iso"`
	Action       Action         `json:"action"`
	ToolID       string         `json:"tool_id,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Filter selects events on Read. Zero values match everything.
type Filter struct {
	ToolID  string
	Action  Action
	Actor   string
	Since   time.Time
	Until   time.Time
	Success *bool
	Limit   int
}

func (f Filter) matches(ev Event) bool {
	if f.ToolID != "" && ev.ToolID != f.ToolID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.Success != nil && ev.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, ev.TimestampIso)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			return false
		}
	}
	return true
}

// Log is an append-only JSONL audit log.
type Log struct {
	mu     sync.Mutex
	path   string
	actor  string
	logger *zap.Logger
	clock  func() time.Time
	cron   *cron.Cron
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// New creates an audit log writing to path. The actor names this instance
// in every event it appends.
func New(path, actor string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	l := &Log{
		path:   path,
		actor:  actor,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append writes one event and returns it with id and timestamp filled in.
// Appends never fail the caller's operation; on write errors the event is
// returned with the error for the caller to log.
func (l *Log) Append(action Action, ev Event) (Event, error) {
	ev.ID = uuid.NewString()
	ev.TimestampIso = l.clock().UTC().Format(time.RFC3339Nano)
	ev.Action = action
	if ev.Actor == "" {
		ev.Actor = l.actor
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return ev, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	// One complete newline-terminated record per write call.
	if _, err := f.Write(line); err != nil {
		return ev, fmt.Errorf("failed to append audit event: %w", err)
	}
	return ev, nil
}

// Read returns events matching the filter, oldest first.
func (l *Log) Read(filter Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(filter)
}

func (l *Log) readLocked(filter Filter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn or corrupt line, skip it.
			l.logger.Debug("skipping unreadable audit line", zap.Error(err))
			continue
		}
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return out, nil
}

// Archive moves events older than before to a dated sibling file and
// rewrites the live log with the remainder. Returns the archived count.
func (l *Log) Archive(before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readLocked(Filter{})
	if err != nil {
		return 0, err
	}

	var keep, old []Event
	for _, ev := range all {
		ts, perr := time.Parse(time.RFC3339Nano, ev.TimestampIso)
		if perr == nil && ts.Before(before) {
			old = append(old, ev)
		} else {
			keep = append(keep, ev)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	archivePath := fmt.Sprintf("%s.%s", l.path, before.UTC().Format("2006-01-02"))
	af, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive file: %w", err)
	}
	for _, ev := range old {
		line, merr := json.Marshal(ev)
		if merr != nil {
			continue
		}
		if _, werr := af.Write(append(line, '\n')); werr != nil {
			af.Close()
			return 0, fmt.Errorf("failed to write archive: %w", werr)
		}
	}
	if err := af.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}

	// Rewrite the live log atomically with the kept remainder.
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".audit-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, ev := range keep {
		line, merr := json.Marshal(ev)
		if merr != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to flush temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to replace audit log: %w", err)
	}

	l.logger.Info("archived audit events",
		zap.Int("archived", len(old)),
		zap.String("archive", archivePath))
	return len(old), nil
}

// StartArchival schedules a daily archival of events older than retention.
func (l *Log) StartArchival(spec string, retention time.Duration) error {
	if l.cron != nil {
		return fmt.Errorf("archival already started")
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		cutoff := l.clock().Add(-retention)
		if _, aerr := l.Archive(cutoff); aerr != nil {
			l.logger.Warn("scheduled audit archival failed", zap.Error(aerr))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid archival schedule %q: %w", spec, err)
	}
	c.Start()
	l.cron = c
	return nil
}

// Close stops scheduled archival.
func (l *Log) Close() {
	if l.cron != nil {
		l.cron.Stop()
		l.cron = nil
	}
}
