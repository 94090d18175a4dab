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

// Package ownership enforces exclusive per-workflow ownership across
// cooperating instances. Ownership records live in a shared directory;
// claims go through an advisory lock plus atomic replace, and records held
// by dead instances are transferable when auto-claim is enabled. The
// instance id is authoritative for liveness; the recorded pid is only a
// same-host heuristic.
package ownership

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/fskv"
	"github.com/teradata-labs/weft/pkg/audit"
	"github.com/teradata-labs/weft/pkg/types"
)

// Record is one workflow's ownership file.
type Record struct {
	WorkflowID      string `json:"workflow_id"`
	OwnerInstanceID string `json:"owner_instance_id"`
	OwnerPid        int    `json:"owner_pid"`
	ClaimedAtMs     int64  `json:"claimed_at_ms"`
}

// Status is the result of an ownership check.
type Status string

const (
	StatusOwned        Status = "owned"
	StatusNotOwned     Status = "not_owned"
	StatusOwnedByOther Status = "owned_by_other"
)

// Liveness answers whether an instance id belongs to a live process.
// The coordinator provides this.
type Liveness interface {
	IsLive(instanceID string) bool
}

// Auditor records ownership transitions. *audit.Log satisfies it.
type Auditor interface {
	Append(action audit.Action, ev audit.Event) (audit.Event, error)
}

// Options configures a Manager.
type Options struct {
	// Dir is the shared ownership directory.
	Dir string

	// InstanceID identifies this process.
	InstanceID string

	// Live resolves peer liveness; nil treats every foreign owner as live.
	Live Liveness

	// Audit receives ownership transition events; nil disables them.
	Audit Auditor

	// AutoClaim transfers records held by dead instances (default on when
	// constructed through config).
	AutoClaim bool

	Logger *zap.Logger
	Clock  func() time.Time
}

// Manager claims and releases workflow ownership records.
type Manager struct {
	store      *fskv.Store
	instanceID string
	pid        int
	hostname   string
	live       Liveness
	audit      Auditor
	autoClaim  bool
	logger     *zap.Logger
	clock      func() time.Time
}

// New creates an ownership manager over the shared directory.
func New(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("ownership: directory is required")
	}
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("ownership: instance id is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	store, err := fskv.New(opts.Dir, fskv.WithLogger(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("ownership: %w", err)
	}
	hostname, _ := os.Hostname()
	return &Manager{
		store:      store,
		instanceID: opts.InstanceID,
		pid:        os.Getpid(),
		hostname:   hostname,
		live:       opts.Live,
		audit:      opts.Audit,
		autoClaim:  opts.AutoClaim,
		logger:     opts.Logger,
		clock:      opts.Clock,
	}, nil
}

// Claim takes ownership of the workflow for this instance. Re-claiming an
// owned workflow succeeds. A record held by a live peer fails with
// workflow_owned_by_other; a dead peer's record is transferred when
// auto-claim is enabled.
func (m *Manager) Claim(workflowID string) error {
	if workflowID == "" {
		return types.NewError(types.KindValidationFailure, "workflow id is required")
	}
	if err := m.store.Lock(workflowID, m.instanceID); err != nil {
		if errors.Is(err, fskv.ErrLockHeld) {
			return types.NewError(types.KindWorkflowOwnedByOther,
				fmt.Sprintf("workflow %s claim in progress elsewhere", workflowID))
		}
		return fmt.Errorf("failed to lock workflow %s: %w", workflowID, err)
	}
	defer m.store.Unlock(workflowID, m.instanceID)

	var existing Record
	err := m.store.Get(workflowID, &existing)
	switch {
	case err == nil && existing.OwnerInstanceID == m.instanceID:
		return nil
	case err == nil:
		if m.ownerIsLive(existing) {
			return m.ownedByOther(existing)
		}
		if !m.autoClaim {
			return m.ownedByOther(existing)
		}
		if werr := m.writeRecord(workflowID); werr != nil {
			return werr
		}
		m.logger.Info("transferred workflow ownership from dead instance",
			zap.String("workflow_id", workflowID),
			zap.String("prior_owner", existing.OwnerInstanceID))
		m.emit(audit.ActionOwnershipTransfer, workflowID, map[string]any{
			"prior_owner_instance_id": existing.OwnerInstanceID,
			"prior_owner_pid":         existing.OwnerPid,
		})
		return nil
	case os.IsNotExist(err):
		if werr := m.writeRecord(workflowID); werr != nil {
			return werr
		}
		m.emit(audit.ActionOwnershipClaim, workflowID, nil)
		return nil
	default:
		return fmt.Errorf("failed to read ownership record %s: %w", workflowID, err)
	}
}

// Release drops ownership if this instance holds it. Releasing an unowned
// workflow is a no-op.
func (m *Manager) Release(workflowID string) error {
	var existing Record
	err := m.store.Get(workflowID, &existing)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ownership record %s: %w", workflowID, err)
	}
	if existing.OwnerInstanceID != m.instanceID {
		m.logger.Debug("skipping release of workflow owned elsewhere",
			zap.String("workflow_id", workflowID),
			zap.String("owner", existing.OwnerInstanceID))
		return nil
	}
	if err := m.store.Delete(workflowID); err != nil {
		return fmt.Errorf("failed to release workflow %s: %w", workflowID, err)
	}
	m.emit(audit.ActionOwnershipRelease, workflowID, nil)
	return nil
}

// CheckOwnership reports this instance's relationship to the workflow
// without modifying the record.
func (m *Manager) CheckOwnership(workflowID string) (Status, error) {
	var existing Record
	err := m.store.Get(workflowID, &existing)
	if os.IsNotExist(err) {
		return StatusNotOwned, nil
	}
	if err != nil {
		return StatusNotOwned, fmt.Errorf("failed to read ownership record %s: %w", workflowID, err)
	}
	if existing.OwnerInstanceID == m.instanceID {
		return StatusOwned, nil
	}
	return StatusOwnedByOther, nil
}

// Ensure verifies the workflow is usable by this instance, claiming it when
// unowned or transferable. Delegated operations call this before admission;
// an owned_by_other failure is terminal and must not be retried.
func (m *Manager) Ensure(workflowID string) error {
	status, err := m.CheckOwnership(workflowID)
	if err != nil {
		return err
	}
	if status == StatusOwned {
		return nil
	}
	// Unowned, or held by an instance that may be dead: Claim decides.
	return m.Claim(workflowID)
}

// ForceClaim takes ownership regardless of the current holder.
func (m *Manager) ForceClaim(workflowID string) error {
	if workflowID == "" {
		return types.NewError(types.KindValidationFailure, "workflow id is required")
	}
	var prior Record
	hadPrior := m.store.Get(workflowID, &prior) == nil && prior.OwnerInstanceID != m.instanceID
	if err := m.writeRecord(workflowID); err != nil {
		return err
	}
	details := map[string]any{}
	if hadPrior {
		details["prior_owner_instance_id"] = prior.OwnerInstanceID
	}
	m.emit(audit.ActionOwnershipForce, workflowID, details)
	return nil
}

// Owner returns the current record, or os.ErrNotExist when unowned.
func (m *Manager) Owner(workflowID string) (Record, error) {
	var rec Record
	err := m.store.Get(workflowID, &rec)
	return rec, err
}

func (m *Manager) writeRecord(workflowID string) error {
	rec := Record{
		WorkflowID:      workflowID,
		OwnerInstanceID: m.instanceID,
		OwnerPid:        m.pid,
		ClaimedAtMs:     m.clock().UnixMilli(),
	}
	if err := m.store.Put(workflowID, rec); err != nil {
		return fmt.Errorf("failed to write ownership record %s: %w", workflowID, err)
	}
	return nil
}

// ownerIsLive decides whether the record's holder is still running. The
// coordinator's live set is authoritative; for same-host records a signal-0
// pid probe is consulted as a fallback.
func (m *Manager) ownerIsLive(rec Record) bool {
	if m.live != nil {
		if m.live.IsLive(rec.OwnerInstanceID) {
			return true
		}
		if !m.sameHost(rec.OwnerInstanceID) {
			return false
		}
		return pidRunning(rec.OwnerPid)
	}
	return true
}

func (m *Manager) sameHost(instanceID string) bool {
	host, _, found := strings.Cut(instanceID, ":")
	return found && host == m.hostname
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) ownedByOther(rec Record) error {
	return types.NewError(types.KindWorkflowOwnedByOther,
		fmt.Sprintf("workflow %s owned by %s (pid %d)",
			rec.WorkflowID, rec.OwnerInstanceID, rec.OwnerPid))
}

func (m *Manager) emit(action audit.Action, workflowID string, details map[string]any) {
	if m.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["workflow_id"] = workflowID
	if _, err := m.audit.Append(action, audit.Event{
		Actor:   m.instanceID,
		Details: details,
		Success: true,
	}); err != nil {
		m.logger.Warn("failed to append ownership audit event", zap.Error(err))
	}
}
