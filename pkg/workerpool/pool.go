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

// Package workerpool runs a batch of tasks with bounded parallelism.
// Admission applies backpressure through a slot semaphore; no task starts
// after cancellation, and results come back in input order.
package workerpool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/types"
)

// Task produces one result. Tasks must observe ctx and return promptly on
// cancellation.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task, at the task's input index.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Run executes tasks with at most maxConcurrent in flight. When
// maxConcurrent is zero no task runs and every result reports cancelled.
// Tasks not yet started when ctx is cancelled also report cancelled.
func Run[T any](ctx context.Context, tasks []Task[T], maxConcurrent int, logger *zap.Logger) []Result[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make([]Result[T], len(tasks))
	for i := range results {
		results[i].Index = i
	}

	if maxConcurrent <= 0 {
		for i := range results {
			results[i].Err = types.NewError(types.KindCancelled, "task not started: no worker slots")
		}
		return results
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, task := range tasks {
		// Backpressure: block until a slot frees or the batch is cancelled.
		select {
		case <-ctx.Done():
			results[i].Err = types.WrapError(types.KindCancelled, "task not started", ctx.Err())
			continue
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			results[i].Err = types.WrapError(types.KindCancelled, "task not started", ctx.Err())
			continue
		}

		wg.Add(1)
		go func(idx int, t Task[T]) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := t(ctx)
			results[idx].Value = v
			results[idx].Err = err
			if err != nil {
				logger.Debug("pool task failed",
					zap.Int("index", idx),
					zap.Error(err))
			}
		}(i, task)
	}

	wg.Wait()
	return results
}
