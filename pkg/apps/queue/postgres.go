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
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/models"
)

// runningLease is how long a row may stay in running before it is assumed
// orphaned by a crashed worker and re-queued.
const runningLease = 5 * time.Minute

const claimPollInterval = time.Second

const schema = `
CREATE TABLE IF NOT EXISTS app_task (
	id UUID PRIMARY KEY,
	app_name TEXT NOT NULL,
	task JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	result JSONB
);
CREATE INDEX IF NOT EXISTS app_task_status_idx ON app_task (status, app_name);
CREATE TABLE IF NOT EXISTS app_backup (
	app_name TEXT PRIMARY KEY,
	services JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresQueue persists tasks in a relational store so that multiple
// PREvant processes can consume them cooperatively. Claiming relies on
// row level locks with skip-locked semantics.
type PostgresQueue struct {
	pool *pgxpool.Pool
	gc   *cron.Cron
}

var _ Queue = &PostgresQueue{}

// NewPostgresQueue connects to url, applies the schema and starts the
// maintenance jobs.
func NewPostgresQueue(ctx context.Context, url string) (*PostgresQueue, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to task queue database")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "cannot apply task queue schema")
	}

	q := &PostgresQueue{pool: pool, gc: cron.New()}
	_, _ = q.gc.AddFunc("@every 10m", q.collectGarbage)
	_, _ = q.gc.AddFunc("@every 1m", q.requeueOrphans)
	q.gc.Start()
	return q, nil
}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return errors.New("task has no id")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "cannot serialize task")
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO app_task (id, app_name, task, status, created_at) VALUES ($1, $2, $3, 'queued', $4)`,
		task.ID.String(), task.AppName.String(), payload, task.CreatedAt)
	return errors.Wrap(err, "cannot enqueue task")
}

// Claim implements Queue. The eligible set excludes applications that have
// a running task anywhere; among the rest the application with the
// globally oldest queued task wins. Skip-locked keeps concurrent workers
// from fighting over the same rows.
func (q *PostgresQueue) Claim(ctx context.Context) (*Batch, error) {
	for {
		batch, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
		select {
		case <-time.After(claimPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Claiming serializes per application through a transaction scoped
// advisory lock keyed by the application name. Without it two workers can
// pass the not-running check concurrently and claim disjoint queued rows of
// the same application. The batch select keeps SKIP LOCKED so a worker
// holding row locks never blocks a lock holder, which rules out deadlocks
// between the row locks and the advisory lock.
const (
	claimCandidateSQL = `
		SELECT app_name FROM app_task
		WHERE status = 'queued'
		  AND app_name NOT IN (SELECT app_name FROM app_task WHERE status = 'running')
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`

	claimAppLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	claimRunningCheckSQL = `SELECT EXISTS (SELECT 1 FROM app_task WHERE app_name = $1 AND status = 'running')`

	claimBatchSQL = `
		SELECT task FROM app_task
		WHERE status = 'queued' AND app_name = $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED`
)

func (q *PostgresQueue) tryClaim(ctx context.Context) (*Batch, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "cannot begin claim transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var appName string
	err = tx.QueryRow(ctx, claimCandidateSQL).Scan(&appName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot select next task")
	}

	if _, err := tx.Exec(ctx, claimAppLockSQL, appName); err != nil {
		return nil, errors.Wrap(err, "cannot lock application")
	}
	var running bool
	if err := tx.QueryRow(ctx, claimRunningCheckSQL, appName).Scan(&running); err != nil {
		return nil, errors.Wrap(err, "cannot check for running tasks")
	}
	if running {
		// another worker claimed the application between the candidate
		// select and the lock; back off and poll again
		return nil, nil
	}

	rows, err := tx.Query(ctx, claimBatchSQL, appName)
	if err != nil {
		return nil, errors.Wrap(err, "cannot select pending tasks")
	}

	var tasks []*Task
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "cannot read task row")
		}
		task := &Task{}
		if err := json.Unmarshal(payload, task); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "cannot deserialize task")
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read task rows")
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	merged, consumed := mergeTasks(tasks)
	tasks = tasks[:consumed]

	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID.String()
	}
	if _, err := tx.Exec(ctx,
		`UPDATE app_task SET status = 'running', started_at = now() WHERE id = ANY($1)`,
		ids); err != nil {
		return nil, errors.Wrap(err, "cannot mark tasks running")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "cannot commit claim")
	}

	name, err := models.NewAppName(appName)
	if err != nil {
		return nil, err
	}
	return &Batch{AppName: name, Tasks: tasks, Merged: merged}, nil
}

// Complete implements Queue.
func (q *PostgresQueue) Complete(ctx context.Context, batch *Batch, result *TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "cannot serialize task result")
	}

	ids := make([]string, len(batch.Tasks))
	for i, task := range batch.Tasks {
		ids[i] = task.ID.String()
	}
	_, err = q.pool.Exec(ctx,
		`UPDATE app_task SET status = 'done', finished_at = now(), result = $1 WHERE id = ANY($2)`,
		payload, ids)
	return errors.Wrap(err, "cannot complete tasks")
}

// ResultOf implements Queue. Ids without a row have never been issued (or
// were garbage collected) and report ResultUnknown.
func (q *PostgresQueue) ResultOf(ctx context.Context, id models.AppStatusChangeID) (*TaskResult, ResultState, error) {
	var status string
	var payload []byte
	err := q.pool.QueryRow(ctx,
		`SELECT status, result FROM app_task WHERE id = $1`,
		id.String()).Scan(&status, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ResultUnknown, nil
	}
	if err != nil {
		return nil, ResultUnknown, errors.Wrap(err, "cannot read task result")
	}
	if status != "done" {
		return nil, ResultPending, nil
	}
	result := &TaskResult{}
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, ResultUnknown, errors.Wrap(err, "cannot deserialize task result")
	}
	return result, ResultDone, nil
}

// TryWaitForTask implements Queue.
func (q *PostgresQueue) TryWaitForTask(ctx context.Context, id models.AppStatusChangeID, timeout time.Duration) (*TaskResult, bool, error) {
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
func (q *PostgresQueue) Close() {
	q.gc.Stop()
	q.pool.Close()
}

func (q *PostgresQueue) collectGarbage() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM app_task WHERE status = 'done' AND finished_at < now() - make_interval(secs => $1)`,
		resultRetention.Seconds())
	if err != nil {
		klog.Errorf("task queue GC failed: %s", err)
		return
	}
	if tag.RowsAffected() > 0 {
		klog.V(2).Infof("task queue GC removed %d finished tasks", tag.RowsAffected())
	}
}

// requeueOrphans returns rows abandoned by crashed workers to the queue.
func (q *PostgresQueue) requeueOrphans() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tag, err := q.pool.Exec(ctx,
		`UPDATE app_task SET status = 'queued', started_at = NULL WHERE status = 'running' AND started_at < now() - make_interval(secs => $1)`,
		runningLease.Seconds())
	if err != nil {
		klog.Errorf("task queue orphan recovery failed: %s", err)
		return
	}
	if tag.RowsAffected() > 0 {
		klog.Warningf("re-queued %d orphaned running tasks", tag.RowsAffected())
	}
}
