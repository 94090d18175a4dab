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

package fskv

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	in := testRecord{Name: "alpha", Count: 3}
	require.NoError(t, store.Put("rec", in))

	var out testRecord
	require.NoError(t, store.Get("rec", &out))
	assert.Equal(t, in, out)
}

func TestStore_GetMissing(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	var out testRecord
	err = store.Get("absent", &out)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_PutReplacesAtomically(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("rec", testRecord{Name: "v1"}))
	require.NoError(t, store.Put("rec", testRecord{Name: "v2"}))

	var out testRecord
	require.NoError(t, store.Get("rec", &out))
	assert.Equal(t, "v2", out.Name)

	// No temp files left behind.
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"rec"}, keys)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("rec", testRecord{}))
	require.NoError(t, store.Delete("rec"))
	require.NoError(t, store.Delete("rec"))
}

func TestStore_LockExcludesOtherOwner(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Lock("wf", "instance-a"))

	err = store.Lock("wf", "instance-b")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Re-entrant for the same owner.
	require.NoError(t, store.Lock("wf", "instance-a"))

	require.NoError(t, store.Unlock("wf", "instance-a"))
	require.NoError(t, store.Lock("wf", "instance-b"))
}

func TestStore_StaleLockTakeover(t *testing.T) {
	store, err := New(t.TempDir(), WithStaleLockTimeout(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, store.Lock("wf", "instance-a"))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, store.Lock("wf", "instance-b"))
	require.NoError(t, store.Unlock("wf", "instance-b"))
}

func TestStore_UnlockWrongOwner(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Lock("wf", "instance-a"))
	err = store.Unlock("wf", "instance-b")
	assert.ErrorIs(t, err, ErrLockHeld)
}
