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

package ownership

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/internal/fskv"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/types"
)

type fakeLiveness map[string]bool

func (f fakeLiveness) IsLive(id string) bool { return f[id] }

func testManager(t *testing.T, dir, instanceID string, live fakeLiveness, auditor Auditor) *Manager {
	t.Helper()
	m, err := New(Options{
		Dir:        dir,
		InstanceID: instanceID,
		Live:       live,
		Audit:      auditor,
		AutoClaim:  true,
	})
	require.NoError(t, err)
	return m
}

// putForeignRecord plants a record owned by another instance.
func putForeignRecord(t *testing.T, dir, workflowID, owner string, pid int) {
	t.Helper()
	store, err := fskv.New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(workflowID, Record{
		WorkflowID:      workflowID,
		OwnerInstanceID: owner,
		OwnerPid:        pid,
		ClaimedAtMs:     time.Now().UnixMilli(),
	}))
}

func TestClaimAndCheck(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{}, nil)

	status, err := m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotOwned, status)

	require.NoError(t, m.Claim("wf-1"))
	status, err = m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)

	// Claiming again is idempotent.
	require.NoError(t, m.Claim("wf-1"))

	rec, err := m.Owner("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "host-a:100:1", rec.OwnerInstanceID)
	assert.Equal(t, os.Getpid(), rec.OwnerPid)
}

func TestClaimRejectedWhenLiveOwnerHoldsIt(t *testing.T) {
	dir := t.TempDir()
	live := fakeLiveness{"host-b:200:1": true}
	m := testManager(t, dir, "host-a:100:1", live, nil)

	putForeignRecord(t, dir, "wf-1", "host-b:200:1", 200)

	err := m.Claim("wf-1")
	require.Error(t, err)
	assert.Equal(t, types.KindWorkflowOwnedByOther, types.KindOf(err))
	assert.Contains(t, err.Error(), "host-b:200:1")

	status, cerr := m.CheckOwnership("wf-1")
	require.NoError(t, cerr)
	assert.Equal(t, StatusOwnedByOther, status)
}

func TestAutoClaimTransfersFromDeadInstance(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), "host-a:100:1")
	require.NoError(t, err)
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{}, auditLog)

	// Dead owner: not in live set, foreign host so no pid probe applies.
	putForeignRecord(t, dir, "wf-1", "host-b:200:1", 200)

	require.NoError(t, m.Claim("wf-1"))
	status, err := m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)

	events, err := auditLog.Read(audit.Filter{Action: audit.ActionOwnershipTransfer})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "host-b:200:1", events[0].Details["prior_owner_instance_id"])
}

func TestAutoClaimDisabledKeepsDeadOwner(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Options{
		Dir:        dir,
		InstanceID: "host-a:100:1",
		Live:       fakeLiveness{},
		AutoClaim:  false,
	})
	require.NoError(t, err)

	putForeignRecord(t, dir, "wf-1", "host-b:200:1", 200)

	cerr := m.Claim("wf-1")
	require.Error(t, cerr)
	assert.Equal(t, types.KindWorkflowOwnedByOther, types.KindOf(cerr))
}

func TestReleaseOnlyOwn(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{"host-b:200:1": true}, nil)

	require.NoError(t, m.Claim("wf-1"))
	require.NoError(t, m.Release("wf-1"))
	status, err := m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotOwned, status)

	// Releasing an unowned workflow is a no-op.
	require.NoError(t, m.Release("wf-1"))

	// A foreign record survives our release.
	putForeignRecord(t, dir, "wf-2", "host-b:200:1", 200)
	require.NoError(t, m.Release("wf-2"))
	status, err = m.CheckOwnership("wf-2")
	require.NoError(t, err)
	assert.Equal(t, StatusOwnedByOther, status)
}

func TestForceClaimOverridesLiveOwner(t *testing.T) {
	dir := t.TempDir()
	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), "host-a:100:1")
	require.NoError(t, err)
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{"host-b:200:1": true}, auditLog)

	putForeignRecord(t, dir, "wf-1", "host-b:200:1", 200)
	require.Error(t, m.Claim("wf-1"))

	require.NoError(t, m.ForceClaim("wf-1"))
	status, err := m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)

	events, err := auditLog.Read(audit.Filter{Action: audit.ActionOwnershipForce})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "host-b:200:1", events[0].Details["prior_owner_instance_id"])
}

func TestEnsureClaimsWhenUnowned(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{}, nil)

	require.NoError(t, m.Ensure("wf-1"))
	status, err := m.CheckOwnership("wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)
}

func TestEnsureFailsForLiveForeignOwner(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir, "host-a:100:1", fakeLiveness{"host-b:200:1": true}, nil)

	putForeignRecord(t, dir, "wf-1", "host-b:200:1", 200)
	err := m.Ensure("wf-1")
	require.Error(t, err)
	assert.Equal(t, types.KindWorkflowOwnedByOther, types.KindOf(err))
}

func TestMutualExclusionAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	live := fakeLiveness{"host-a:100:1": true, "host-b:200:1": true}
	a := testManager(t, dir, "host-a:100:1", live, nil)
	b := testManager(t, dir, "host-b:200:1", live, nil)

	require.NoError(t, a.Claim("wf-1"))
	err := b.Claim("wf-1")
	require.Error(t, err)
	assert.Equal(t, types.KindWorkflowOwnedByOther, types.KindOf(err))

	require.NoError(t, a.Release("wf-1"))
	require.NoError(t, b.Claim("wf-1"))
}

func TestClaimRequiresWorkflowID(t *testing.T) {
	m := testManager(t, t.TempDir(), "host-a:100:1", fakeLiveness{}, nil)
	err := m.Claim("")
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailure, types.KindOf(err))
}
