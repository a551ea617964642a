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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

// TestClaimStatements pins the locking scheme of the claim transaction:
// a candidate is picked with SKIP LOCKED, claiming serializes on an
// advisory lock keyed by the application name, and the not-running check
// is repeated under that lock. Dropping any of these re-opens the window
// in which two workers claim disjoint rows of the same application.
func TestClaimStatements(t *testing.T) {
	assert.Contains(t, claimCandidateSQL, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, claimAppLockSQL, "pg_advisory_xact_lock(hashtext($1))")
	assert.Contains(t, claimRunningCheckSQL, "status = 'running'")
	assert.Contains(t, claimBatchSQL, "FOR UPDATE SKIP LOCKED")
}

func testPostgresQueue(t *testing.T) *PostgresQueue {
	t.Helper()
	url := os.Getenv("PREVANT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("PREVANT_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q, err := NewPostgresQueue(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = q.pool.Exec(context.Background(), `DELETE FROM app_task`)
		_, _ = q.pool.Exec(context.Background(), `DELETE FROM app_backup`)
		q.Close()
	})
	return q
}

func TestPostgresQueueSerializesPerApp(t *testing.T) {
	q := testPostgresQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createTask(t, "master", namedService(t, "nginx", "nginx"))))

	batch, err := q.tryClaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)

	// while master runs, a follow-up task of the same application must
	// not be claimable by another worker
	require.NoError(t, q.Enqueue(ctx, createTask(t, "master", namedService(t, "postgres", "postgres:16"))))
	other, err := q.tryClaim(ctx)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, q.Complete(ctx, batch, &TaskResult{App: &models.App{}}))
	followUp, err := q.tryClaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, followUp)
	assert.Equal(t, models.AppName("master"), followUp.AppName)
	require.NoError(t, q.Complete(ctx, followUp, &TaskResult{App: &models.App{}}))
}

func TestPostgresQueueResultStates(t *testing.T) {
	q := testPostgresQueue(t)
	ctx := context.Background()

	_, state, err := q.ResultOf(ctx, models.NewAppStatusChangeID())
	require.NoError(t, err)
	assert.Equal(t, ResultUnknown, state)

	task := createTask(t, "master", namedService(t, "nginx", "nginx"))
	require.NoError(t, q.Enqueue(ctx, task))
	_, state, err = q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, state)

	batch, err := q.tryClaim(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.NoError(t, q.Complete(ctx, batch, &TaskResult{App: &models.App{}}))

	result, state, err := q.ResultOf(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, ResultDone, state)
	assert.NotNil(t, result.App)
}

func TestPostgresBackupRepository(t *testing.T) {
	q := testPostgresQueue(t)
	backups := q.Backups()
	ctx := context.Background()

	services, takenAt, err := backups.FetchBackup(ctx, "feature-1")
	require.NoError(t, err)
	assert.Empty(t, services)
	assert.True(t, takenAt.IsZero())

	require.NoError(t, backups.StoreBackup(ctx, "feature-1", []models.ServiceConfig{namedService(t, "nginx", "nginx")}))
	services, takenAt, err = backups.FetchBackup(ctx, "feature-1")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "nginx", services[0].ServiceName)
	assert.False(t, takenAt.IsZero())

	removed, err := backups.DeleteBackupsOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
