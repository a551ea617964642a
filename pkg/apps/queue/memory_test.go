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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

func TestMemoryQueueMergesBeforeExecution(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	first := createTask(t, "master", namedService(t, "nginx", "nginx"))
	second := deleteTask(t, "master")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	batch, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Tasks, 2)
	assert.Equal(t, TaskDelete, batch.Merged.Type)

	require.NoError(t, q.Complete(ctx, batch, &TaskResult{App: &models.App{}}))

	// both task ids resolve to the merged result
	for _, id := range []models.AppStatusChangeID{first.ID, second.ID} {
		result, state, err := q.ResultOf(ctx, id)
		require.NoError(t, err)
		require.Equal(t, ResultDone, state)
		assert.NotNil(t, result.App)
	}
}

func TestMemoryQueueResultStates(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	// an id that was never enqueued is unknown, not pending
	_, state, err := q.ResultOf(ctx, models.NewAppStatusChangeID())
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, state)

	task := createTask(t, "master", namedService(t, "nginx", "nginx"))
	require.NoError(t, q.Enqueue(ctx, task))
	_, state, err = q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, state)

	batch, err := q.Claim(ctx)
	require.NoError(t, err)
	_, state, err = q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, state)

	require.NoError(t, q.Complete(ctx, batch, &TaskResult{App: &models.App{}}))
	result, state, err := q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, ResultDone, state)
	assert.NotNil(t, result.App)
}

func TestMemoryQueueForgetsPrunedResults(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	task := createTask(t, "master")
	require.NoError(t, q.Enqueue(ctx, task))
	batch, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, batch, &TaskResult{}))

	// age the result past the retention window and collect
	q.mu.Lock()
	entry := q.results[task.ID]
	entry.finishedAt = time.Now().Add(-2 * resultRetention)
	q.results[task.ID] = entry
	q.mu.Unlock()
	q.collectGarbage()

	_, state, err := q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, state)
}

func TestMemoryQueueSerializesPerApp(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createTask(t, "master", namedService(t, "nginx", "nginx"))))

	batch, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, models.AppName("master"), batch.AppName)

	// while master is running, its follow-up task is not claimable
	require.NoError(t, q.Enqueue(ctx, createTask(t, "master", namedService(t, "postgres", "postgres:16"))))
	assert.Nil(t, q.tryClaim())

	// but tasks of another application are
	require.NoError(t, q.Enqueue(ctx, createTask(t, "feature-1", namedService(t, "nginx", "nginx"))))
	other := q.tryClaim()
	require.NotNil(t, other)
	assert.Equal(t, models.AppName("feature-1"), other.AppName)

	require.NoError(t, q.Complete(ctx, batch, &TaskResult{}))
	followUp := q.tryClaim()
	require.NotNil(t, followUp)
	assert.Equal(t, models.AppName("master"), followUp.AppName)
}

func TestMemoryQueueFIFOAcrossApps(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	older := createTask(t, "feature-1")
	older.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, q.Enqueue(ctx, createTask(t, "master")))
	require.NoError(t, q.Enqueue(ctx, older))

	// enqueue order decides, master was enqueued first
	batch := q.tryClaim()
	require.NotNil(t, batch)
	assert.Equal(t, models.AppName("master"), batch.AppName)
}

func TestMemoryQueueClaimBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	claimed := make(chan *Batch, 1)
	go func() {
		batch, err := q.Claim(ctx)
		if err == nil {
			claimed <- batch
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, createTask(t, "master")))

	select {
	case batch := <-claimed:
		assert.Equal(t, models.AppName("master"), batch.AppName)
	case <-ctx.Done():
		t.Fatal("claim did not wake up")
	}
}

func TestMemoryQueueTryWaitForTask(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	task := createTask(t, "master")
	require.NoError(t, q.Enqueue(ctx, task))

	// times out while the task is unfinished
	_, ok, err := q.TryWaitForTask(ctx, task.ID, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() {
		batch, err := q.Claim(ctx)
		if err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
		_ = q.Complete(ctx, batch, &TaskResult{Error: &TaskError{Code: "500.1", Message: "boom"}})
	}()

	result, ok, err := q.TryWaitForTask(ctx, task.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, result.Error)
	assert.Equal(t, "boom", result.Error.Message)
}
