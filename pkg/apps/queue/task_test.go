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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

func createTask(t *testing.T, appName models.AppName, services ...models.ServiceConfig) *Task {
	t.Helper()
	return &Task{
		ID:      models.NewAppStatusChangeID(),
		AppName: appName,
		Type:    TaskCreateOrUpdate,
		CreateOrUpdate: &CreateOrUpdatePayload{
			Services: services,
		},
		CreatedAt: time.Now(),
	}
}

func deleteTask(t *testing.T, appName models.AppName) *Task {
	t.Helper()
	return &Task{
		ID:        models.NewAppStatusChangeID(),
		AppName:   appName,
		Type:      TaskDelete,
		CreatedAt: time.Now(),
	}
}

func namedService(t *testing.T, name, image string) models.ServiceConfig {
	t.Helper()
	img, err := models.ParseImage(image)
	require.NoError(t, err)
	return models.ServiceConfig{
		ServiceName:   name,
		Image:         img,
		ContainerType: models.ContainerTypeInstance,
		Port:          models.DefaultServicePort,
	}
}

func TestMergeDeleteSupersedes(t *testing.T) {
	first := createTask(t, "master", namedService(t, "nginx", "nginx"))
	second := deleteTask(t, "master")

	merged, ok := first.MergeWith(second)
	require.True(t, ok)
	assert.Equal(t, TaskDelete, merged.Type)
	assert.Equal(t, second.ID, merged.ID)
	assert.ElementsMatch(t, []models.AppStatusChangeID{first.ID}, merged.MergedIDs)
	assert.ElementsMatch(t, []models.AppStatusChangeID{first.ID, second.ID}, merged.AllIDs())
}

func TestMergeCreateOrUpdateRightWins(t *testing.T) {
	first := createTask(t, "master",
		namedService(t, "nginx", "nginx:1.24"),
		namedService(t, "postgres", "postgres:16"))
	second := createTask(t, "master", namedService(t, "nginx", "nginx:1.25"))

	merged, ok := first.MergeWith(second)
	require.True(t, ok)
	require.Equal(t, TaskCreateOrUpdate, merged.Type)

	services := merged.CreateOrUpdate.Services
	require.Len(t, services, 2)
	assert.Equal(t, "nginx", services[0].ServiceName)
	assert.Equal(t, "docker.io/library/nginx:1.25", services[0].Image.String())
	assert.Equal(t, "postgres", services[1].ServiceName)
}

func TestMergeNormalizesOwners(t *testing.T) {
	first := createTask(t, "master")
	first.CreateOrUpdate.Owners = []models.Owner{
		{Sub: "user-b", Iss: "https://idp.example.com"},
		{Sub: "user-a", Iss: "https://idp.example.com"},
	}
	second := createTask(t, "master")
	second.CreateOrUpdate.Owners = []models.Owner{
		{Sub: "user-a", Iss: "https://idp.example.com"},
	}

	merged, ok := first.MergeWith(second)
	require.True(t, ok)
	owners := merged.CreateOrUpdate.Owners
	require.Len(t, owners, 2)
	assert.Equal(t, "user-a", owners[0].Sub)
	assert.Equal(t, "user-b", owners[1].Sub)
}

func TestMergeUserDefinedParameters(t *testing.T) {
	first := createTask(t, "master")
	firstParams, err := models.NewUserDefinedParameters(json.RawMessage(`{"tickets": ["A-1"], "stage": "dev"}`), nil)
	require.NoError(t, err)
	first.CreateOrUpdate.UserDefined = firstParams

	second := createTask(t, "master")
	secondParams, err := models.NewUserDefinedParameters(json.RawMessage(`{"tickets": ["A-2"], "stage": "test"}`), nil)
	require.NoError(t, err)
	second.CreateOrUpdate.UserDefined = secondParams

	merged, ok := first.MergeWith(second)
	require.True(t, ok)

	value, ok := merged.CreateOrUpdate.UserDefined.Value().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "test", value["stage"])
	assert.Equal(t, []any{"A-1", "A-2"}, value["tickets"])
}

func TestMergeRefusesBackUp(t *testing.T) {
	first := &Task{ID: models.NewAppStatusChangeID(), AppName: "master", Type: TaskBackUp}
	second := createTask(t, "master")

	merged, ok := first.MergeWith(second)
	assert.False(t, ok)
	assert.Equal(t, first, merged)

	// not even a delete folds a back-up away
	backUp := &Task{ID: models.NewAppStatusChangeID(), AppName: "master", Type: TaskBackUp}
	merged, ok = backUp.MergeWith(deleteTask(t, "master"))
	assert.False(t, ok)
	assert.Equal(t, backUp, merged)

	restore := &Task{ID: models.NewAppStatusChangeID(), AppName: "master", Type: TaskRestore}
	merged, ok = createTask(t, "master").MergeWith(restore)
	assert.False(t, ok)
	assert.NotEqual(t, TaskRestore, merged.Type)
}

func TestMergeTasksStopsAtUnmergeable(t *testing.T) {
	tasks := []*Task{
		createTask(t, "master", namedService(t, "nginx", "nginx")),
		createTask(t, "master", namedService(t, "postgres", "postgres:16")),
		{ID: models.NewAppStatusChangeID(), AppName: "master", Type: TaskRestore},
	}

	merged, consumed := mergeTasks(tasks)
	assert.Equal(t, 2, consumed)
	assert.Equal(t, TaskCreateOrUpdate, merged.Type)
	assert.Len(t, merged.CreateOrUpdate.Services, 2)
}

func TestTaskSerializationRoundTrip(t *testing.T) {
	task := createTask(t, "master", namedService(t, "nginx", "nginx"))

	payload, err := json.Marshal(task)
	require.NoError(t, err)

	decoded := &Task{}
	require.NoError(t, json.Unmarshal(payload, decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, task.AppName, decoded.AppName)
	require.Len(t, decoded.CreateOrUpdate.Services, 1)
	assert.Equal(t, "nginx", decoded.CreateOrUpdate.Services[0].ServiceName)
}
