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

// Package queue serializes application lifecycle tasks. Tasks for the same
// application run strictly one after another and pending tasks are merged
// into a single task before execution; tasks for distinct applications may
// run concurrently.
package queue

import (
	"context"
	"time"

	"github.com/aixigo/prevant/pkg/models"
)

// TaskType discriminates the lifecycle operations that can be enqueued.
type TaskType string

const (
	// TaskCreateOrUpdate deploys or updates an application.
	TaskCreateOrUpdate TaskType = "createOrUpdate"
	// TaskDelete tears an application down.
	TaskDelete TaskType = "delete"
	// TaskBackUp snapshots an application's persistent state.
	TaskBackUp TaskType = "backUp"
	// TaskRestore restores a previously taken snapshot.
	TaskRestore TaskType = "restore"
)

// CreateOrUpdatePayload carries the request data of a create-or-update
// task.
type CreateOrUpdatePayload struct {
	ReplicateFrom *models.AppName               `json:"replicateFrom,omitempty"`
	Services      []models.ServiceConfig        `json:"services"`
	Owners        []models.Owner                `json:"owners,omitempty"`
	UserDefined   *models.UserDefinedParameters `json:"userDefined,omitempty"`
}

// BackUpPayload carries the snapshot of a back-up or restore task: the
// service configurations to park or to replay.
type BackUpPayload struct {
	Services []models.ServiceConfig `json:"services"`
}

// Task is one enqueued lifecycle operation.
type Task struct {
	ID             models.AppStatusChangeID `json:"id"`
	AppName        models.AppName           `json:"appName"`
	Type           TaskType                 `json:"type"`
	CreateOrUpdate *CreateOrUpdatePayload   `json:"createOrUpdate,omitempty"`
	BackUp         *BackUpPayload           `json:"backUp,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`

	// MergedIDs lists the ids of tasks folded into this one. The task's
	// result is recorded under every id so that all pollers resolve.
	MergedIDs []models.AppStatusChangeID `json:"mergedIds,omitempty"`
}

// AllIDs returns the task's own id plus the ids of all merged tasks.
func (t *Task) AllIDs() []models.AppStatusChangeID {
	return append([]models.AppStatusChangeID{t.ID}, t.MergedIDs...)
}

// MergeWith folds a younger task for the same application into this one.
//
//   - delete supersedes anything before it
//   - two create-or-updates merge service configs by name with the younger
//     request winning, owners are normalized and user defined parameters
//     deep merged
//   - back-up and restore are never merged
//
// The second return value reports whether a merge happened.
func (t *Task) MergeWith(next *Task) (*Task, bool) {
	if t.Type == TaskBackUp || t.Type == TaskRestore ||
		next.Type == TaskBackUp || next.Type == TaskRestore {
		return t, false
	}

	if next.Type == TaskDelete {
		merged := *next
		merged.CreatedAt = t.CreatedAt
		merged.MergedIDs = append(t.AllIDs(), next.MergedIDs...)
		merged.ID = next.ID
		merged.MergedIDs = removeID(merged.MergedIDs, merged.ID)
		return &merged, true
	}

	if t.Type != TaskCreateOrUpdate || next.Type != TaskCreateOrUpdate {
		return t, false
	}

	merged := &Task{
		ID:        next.ID,
		AppName:   t.AppName,
		Type:      TaskCreateOrUpdate,
		CreatedAt: t.CreatedAt,
		MergedIDs: removeID(append(t.AllIDs(), next.MergedIDs...), next.ID),
	}

	left := t.CreateOrUpdate
	right := next.CreateOrUpdate

	services := append([]models.ServiceConfig(nil), left.Services...)
	byName := map[string]int{}
	for i := range services {
		byName[services[i].ServiceName] = i
	}
	for _, service := range right.Services {
		if i, ok := byName[service.ServiceName]; ok {
			services[i] = service
			continue
		}
		byName[service.ServiceName] = len(services)
		services = append(services, service)
	}

	replicateFrom := left.ReplicateFrom
	if right.ReplicateFrom != nil {
		replicateFrom = right.ReplicateFrom
	}

	merged.CreateOrUpdate = &CreateOrUpdatePayload{
		ReplicateFrom: replicateFrom,
		Services:      services,
		Owners:        models.NormalizeOwners(append(append([]models.Owner(nil), left.Owners...), right.Owners...)),
		UserDefined:   left.UserDefined.Merge(right.UserDefined),
	}
	return merged, true
}

func removeID(ids []models.AppStatusChangeID, id models.AppStatusChangeID) []models.AppStatusChangeID {
	filtered := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			filtered = append(filtered, candidate)
		}
	}
	return filtered
}

// TaskError is a serializable execution failure.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskResult is the outcome of an executed task: either the resulting
// application state or an error.
type TaskResult struct {
	App   *models.App `json:"app,omitempty"`
	Error *TaskError  `json:"error,omitempty"`
}

// Batch is the unit of work handed to a consumer: all tasks of one
// application that were pending at claim time, folded into Merged.
type Batch struct {
	AppName models.AppName
	Tasks   []*Task
	Merged  *Task
}

// mergeTasks folds an ordered task list into a single task. It stops at
// the first task that cannot be merged and reports how many tasks were
// consumed.
func mergeTasks(tasks []*Task) (*Task, int) {
	merged := tasks[0]
	consumed := 1
	for _, task := range tasks[1:] {
		next, ok := merged.MergeWith(task)
		if !ok {
			break
		}
		merged = next
		consumed++
	}
	return merged, consumed
}

// ResultState describes what the queue knows about a task id.
type ResultState int

const (
	// ResultUnknown: the id was never enqueued or its result has been
	// garbage collected.
	ResultUnknown ResultState = iota
	// ResultPending: the task is queued or running.
	ResultPending
	// ResultDone: the task finished and a result is available.
	ResultDone
)

// Queue is the task queue contract shared by the in-memory and the
// Postgres backed implementation.
type Queue interface {
	// Enqueue adds a task. The task's id must be unique.
	Enqueue(ctx context.Context, task *Task) error

	// Claim blocks until a batch of tasks for an unlocked application is
	// available and marks the application as running.
	Claim(ctx context.Context) (*Batch, error)

	// Complete finishes a claimed batch and records the result under
	// every task id of the batch.
	Complete(ctx context.Context, batch *Batch, result *TaskResult) error

	// ResultOf returns the recorded result of a task together with what
	// the queue knows about the id.
	ResultOf(ctx context.Context, id models.AppStatusChangeID) (*TaskResult, ResultState, error)

	// TryWaitForTask waits up to timeout for the task's result.
	TryWaitForTask(ctx context.Context, id models.AppStatusChangeID, timeout time.Duration) (*TaskResult, bool, error)

	// Close releases queue resources.
	Close()
}
