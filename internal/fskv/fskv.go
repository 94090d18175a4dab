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

// Package fskv implements a file-backed key-value store with atomic replace
// and advisory locking. All writes go to a temp file in the same directory
// followed by a rename, so readers never observe a partial record. Locking
// is advisory: a ".lock" sibling file names the holder, and stale locks are
// taken over after a timeout. On networked filesystems these guarantees
// weaken to best effort.
package fskv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrLockHeld is returned when another holder owns the advisory lock.
var ErrLockHeld = errors.New("fskv: lock held by another owner")

// Store is a directory of JSON records keyed by file name.
type Store struct {
	dir       string
	logger    *zap.Logger
	staleLock time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithStaleLockTimeout sets how old a lock file must be before takeover.
func WithStaleLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.staleLock = d }
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &Store{
		dir:       dir,
		logger:    zap.NewNop(),
		staleLock: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Put atomically replaces the record for key.
func (s *Store) Put(key string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	return s.writeAtomic(s.path(key), data)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over the destination. Rename on the same filesystem replaces atomically.
func (s *Store) writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", dest, err)
	}
	return nil
}

// Get reads the record for key into out. Returns os.ErrNotExist when absent.
func (s *Store) Get(key string, out any) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Missing records are not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// Keys lists all record keys in the store.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// lockRecord is the content of an advisory lock file.
type lockRecord struct {
	Owner      string `json:"owner"`
	Pid        int    `json:"pid"`
	AcquiredAt int64  `json:"acquired_at_ms"`
}

// Lock acquires the advisory lock for key on behalf of owner. A lock older
// than the stale timeout is taken over.
func (s *Store) Lock(key, owner string) error {
	lockPath := filepath.Join(s.dir, key+".lock")
	rec := lockRecord{
		Owner:      owner,
		Pid:        os.Getpid(),
		AcquiredAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	// O_EXCL creation is the only true atomic primitive available here.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(lockPath)
			return fmt.Errorf("failed to write lock record: %w", errors.Join(werr, cerr))
		}
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	// Lock exists. Re-read and decide whether it is stale or our own.
	existing, readErr := os.ReadFile(lockPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			// Holder released between our attempts; retry once.
			return s.Lock(key, owner)
		}
		return fmt.Errorf("failed to read existing lock: %w", readErr)
	}
	var held lockRecord
	if err := json.Unmarshal(existing, &held); err == nil {
		if held.Owner == owner {
			return nil
		}
		age := time.Since(time.UnixMilli(held.AcquiredAt))
		if age < s.staleLock {
			return fmt.Errorf("%w: %s", ErrLockHeld, held.Owner)
		}
		s.logger.Warn("taking over stale lock",
			zap.String("key", key),
			zap.String("prior_owner", held.Owner),
			zap.Duration("age", age))
	}
	// Stale or corrupt lock: replace it atomically.
	if err := s.writeAtomic(lockPath, data); err != nil {
		return fmt.Errorf("failed to take over lock: %w", err)
	}
	return nil
}

// Unlock releases the advisory lock for key if held by owner.
func (s *Store) Unlock(key, owner string) error {
	lockPath := filepath.Join(s.dir, key+".lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	var held lockRecord
	if err := json.Unmarshal(data, &held); err == nil && held.Owner != owner {
		return fmt.Errorf("%w: %s", ErrLockHeld, held.Owner)
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
