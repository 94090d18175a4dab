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

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "audit", "audit.log.jsonl"), "host:1:1")
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendReadRoundTrip(t *testing.T) {
	l := testLog(t)

	in := Event{
		ToolID:   "tool-7",
		ToolName: "researcher",
		Details:  map[string]any{"workflow_id": "wf-1", "attempts": float64(2)},
		Success:  true,
	}
	appended, err := l.Append(ActionSubagentComplete, in)
	require.NoError(t, err)
	assert.NotEmpty(t, appended.ID)
	assert.NotEmpty(t, appended.TimestampIso)
	assert.Equal(t, "host:1:1", appended.Actor)

	events, err := l.Read(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, appended.ID, events[0].ID)
	assert.Equal(t, ActionSubagentComplete, events[0].Action)
	assert.Equal(t, "tool-7", events[0].ToolID)
	assert.Equal(t, "researcher", events[0].ToolName)
	assert.Equal(t, in.Details, events[0].Details)
	assert.True(t, events[0].Success)
	assert.Empty(t, events[0].ErrorMessage)
}

func TestReadFilters(t *testing.T) {
	l := testLog(t)

	_, err := l.Append(ActionSubagentStart, Event{ToolID: "a", Actor: "one", Success: true})
	require.NoError(t, err)
	_, err = l.Append(ActionSubagentFailure, Event{ToolID: "a", Actor: "one", Success: false, ErrorMessage: "empty_output"})
	require.NoError(t, err)
	_, err = l.Append(ActionTeamComplete, Event{ToolID: "b", Actor: "two", Success: true})
	require.NoError(t, err)

	byTool, err := l.Read(Filter{ToolID: "a"})
	require.NoError(t, err)
	assert.Len(t, byTool, 2)

	byAction, err := l.Read(Filter{Action: ActionTeamComplete})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "b", byAction[0].ToolID)

	byActor, err := l.Read(Filter{Actor: "two"})
	require.NoError(t, err)
	assert.Len(t, byActor, 1)

	failed := false
	bySuccess, err := l.Read(Filter{Success: &failed})
	require.NoError(t, err)
	require.Len(t, bySuccess, 1)
	assert.Equal(t, "empty_output", bySuccess[0].ErrorMessage)

	limited, err := l.Read(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReadTimeWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	l, err := New(filepath.Join(t.TempDir(), "audit.jsonl"), "actor",
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, aerr := l.Append(ActionSubagentStart, Event{ToolID: fmt.Sprintf("t%d", i)})
		require.NoError(t, aerr)
		clock = clock.Add(time.Hour)
	}

	events, err := l.Read(Filter{Since: now.Add(30 * time.Minute), Until: now.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].ToolID)
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	l := testLog(t)
	events, err := l.Read(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestArchiveMovesOldEvents(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	clock := now
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, "actor", WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	_, err = l.Append(ActionSubagentStart, Event{ToolID: "old"})
	require.NoError(t, err)
	clock = clock.Add(48 * time.Hour)
	_, err = l.Append(ActionSubagentStart, Event{ToolID: "fresh"})
	require.NoError(t, err)

	cutoff := now.Add(24 * time.Hour)
	n, err := l.Archive(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := l.Read(Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ToolID)

	archivePath := fmt.Sprintf("%s.%s", path, cutoff.Format("2006-01-02"))
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"old"`)

	// Nothing left to archive: no-op.
	n, err = l.Archive(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentAppendsStayLineAtomic(t *testing.T) {
	l := testLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := l.Append(ActionSubagentStart, Event{
					ToolID:  fmt.Sprintf("tool-%d", n),
					Details: map[string]any{"seq": float64(j)},
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	events, err := l.Read(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 160)
}
