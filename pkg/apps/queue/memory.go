/*
Copyright 2024 The PREvant Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/aixigo/prevant/pkg/models"
)

const (
	// resultRetention is how long finished task results stay queryable.
	resultRetention = time.Hour

	// claimWakeInterval is a safety net against missed notifications.
	claimWakeInterval = 30 * time.Second

	waitPollInterval = 100 * time.Millisecond
)

type memoryResult struct {
	result     *TaskResult
	finishedAt time.Time
}

// MemoryQueue is the default task queue: process local, single consumer.
// Per application serialization follows from claiming all pending tasks of
// one application at once.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []*Task
	running map[models.AppName]struct{}
	// active holds every issued id whose task has not finished yet, so
	// ResultOf can tell a pending id from one that was never issued
	active  map[models.AppStatusChangeID]struct{}
	results map[models.AppStatusChangeID]memoryResult

	notify chan struct{}
	gc     *cron.Cron
}

var _ Queue = &MemoryQueue{}

// NewMemoryQueue creates an empty queue and starts its result GC.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		running: map[models.AppName]struct{}{},
		active:  map[models.AppStatusChangeID]struct{}{},
		results: map[models.AppStatusChangeID]memoryResult{},
		notify:  make(chan struct{}, 1),
		gc:      cron.New(),
	}
	_, _ = q.gc.AddFunc("@every 10m", q.collectGarbage)
	q.gc.Start()
	return q
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, task *Task) error {
	if task.ID == "" {
		return errors.New("task has no id")
	}

	q.mu.Lock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	q.pending = append(q.pending, task)
	q.active[task.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Claim implements Queue. Tasks are picked FIFO across applications:
// the application owning the globally oldest pending task goes first.
func (q *MemoryQueue) Claim(ctx context.Context) (*Batch, error) {
	ticker := time.NewTicker(claimWakeInterval)
	defer ticker.Stop()

	for {
		if batch := q.tryClaim(); batch != nil {
			return batch, nil
		}
		select {
		case <-q.notify:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) tryClaim() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var appName models.AppName
	found := false
	for _, task := range q.pending {
		if _, busy := q.running[task.AppName]; busy {
			continue
		}
		appName = task.AppName
		found = true
		break
	}
	if !found {
		return nil
	}

	var tasks []*Task
	for _, task := range q.pending {
		if task.AppName == appName {
			tasks = append(tasks, task)
		}
	}
	merged, consumed := mergeTasks(tasks)
	tasks = tasks[:consumed]

	claimed := map[models.AppStatusChangeID]struct{}{}
	for _, task := range tasks {
		claimed[task.ID] = struct{}{}
	}
	remaining := q.pending[:0]
	for _, task := range q.pending {
		if _, ok := claimed[task.ID]; !ok {
			remaining = append(remaining, task)
		}
	}
	q.pending = remaining
	q.running[appName] = struct{}{}

	return &Batch{AppName: appName, Tasks: tasks, Merged: merged}
}

// Complete implements Queue.
func (q *MemoryQueue) Complete(_ context.Context, batch *Batch, result *TaskResult) error {
	q.mu.Lock()
	now := time.Now()
	for _, id := range batch.Merged.AllIDs() {
		q.results[id] = memoryResult{result: result, finishedAt: now}
		delete(q.active, id)
	}
	delete(q.running, batch.AppName)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// ResultOf implements Queue. Ids that were never enqueued (or whose result
// has been garbage collected) report ResultUnknown.
func (q *MemoryQueue) ResultOf(_ context.Context, id models.AppStatusChangeID) (*TaskResult, ResultState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.results[id]; ok {
		return entry.result, ResultDone, nil
	}
	if _, ok := q.active[id]; ok {
		return nil, ResultPending, nil
	}
	return nil, ResultUnknown, nil
}

// TryWaitForTask implements Queue.
func (q *MemoryQueue) TryWaitForTask(ctx context.Context, id models.AppStatusChangeID, timeout time.Duration) (*TaskResult, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		result, state, err := q.ResultOf(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if state == ResultDone {
			return result, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-time.After(waitPollInterval):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Close implements Queue.
func (q *MemoryQueue) Close() {
	q.gc.Stop()
}

func (q *MemoryQueue) collectGarbage() {
	cutoff := time.Now().Add(-resultRetention)
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, entry := range q.results {
		if entry.finishedAt.Before(cutoff) {
			delete(q.results, id)
		}
	}
}
