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

package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

type fakeDockerClient struct {
	client.APIClient

	containers []types.Container
	inspect    map[string]types.ContainerJSON
}

func (f *fakeDockerClient) ContainerList(_ context.Context, _ types.ContainerListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeDockerClient) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	inspected, ok := f.inspect[id]
	if !ok {
		return types.ContainerJSON{}, errors.Errorf("no such container %s", id)
	}
	return inspected, nil
}

func deployableService(t *testing.T, env models.Environment) *DeployableService {
	t.Helper()
	image, err := models.ParseImage("nginx:1.25")
	require.NoError(t, err)
	return &DeployableService{
		ServiceConfig: models.ServiceConfig{
			ServiceName:   "nginx",
			Image:         image,
			ContainerType: models.ContainerTypeInstance,
			Port:          80,
			Env:           env,
		},
	}
}

func deployedContainer(t *testing.T, env models.Environment) *types.Container {
	t.Helper()
	service := deployableService(t, env)
	unit := &DeploymentUnit{
		StatusID: models.NewAppStatusChangeID(),
		AppName:  "master",
		Services: []DeployableService{*service},
	}
	return &types.Container{ID: "c1", Labels: containerLabels(unit, service)}
}

func TestNeedsReplacementOnEnvChange(t *testing.T) {
	deployed := models.Environment{
		{Key: "API_URL", Value: "http://backend"},
		{Key: "LOG_LEVEL", Value: "info"},
	}

	tests := []struct {
		name    string
		env     models.Environment
		replace bool
	}{
		{name: "unchanged", env: deployed, replace: false},
		{name: "value changed", env: models.Environment{
			{Key: "API_URL", Value: "http://backend"},
			{Key: "LOG_LEVEL", Value: "debug"},
		}, replace: true},
		{name: "variable removed", env: models.Environment{
			{Key: "API_URL", Value: "http://backend"},
		}, replace: true},
		{name: "variable added", env: models.Environment{
			{Key: "API_URL", Value: "http://backend"},
			{Key: "LOG_LEVEL", Value: "info"},
			{Key: "FEATURE_FLAG", Value: "on"},
		}, replace: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := deployedContainer(t, deployed)
			assert.Equal(t, tt.replace, needsReplacement(existing, deployableService(t, tt.env)))
		})
	}
}

func TestNeedsReplacementHonoursStrategy(t *testing.T) {
	existing := deployedContainer(t, models.Environment{{Key: "LOG_LEVEL", Value: "info"}})

	never := deployableService(t, nil)
	never.Strategy = config.DeploymentStrategyRedeployNever
	assert.False(t, needsReplacement(existing, never))

	onImageUpdate := deployableService(t, nil)
	onImageUpdate.Strategy = config.DeploymentStrategyRedeployOnImageUpdate
	assert.False(t, needsReplacement(existing, onImageUpdate))

	newImage, err := models.ParseImage("nginx:1.26")
	require.NoError(t, err)
	onImageUpdate.Image = newImage
	assert.True(t, needsReplacement(existing, onImageUpdate))

	withFiles := deployableService(t, models.Environment{{Key: "LOG_LEVEL", Value: "info"}})
	withFiles.Files = map[string]string{"/etc/nginx/nginx.conf": "worker_processes 1;"}
	assert.True(t, needsReplacement(existing, withFiles))
}

func TestEnvChecksumIgnoresOrdering(t *testing.T) {
	a := envChecksum(models.Environment{
		{Key: "A", Value: "1"},
		{Key: "B", Value: "2"},
	})
	b := envChecksum(models.Environment{
		{Key: "B", Value: "2"},
		{Key: "A", Value: "1"},
	})
	assert.Equal(t, a, b)
	assert.Empty(t, envChecksum(nil))
}

func TestFetchAppPrefersProcessStartTime(t *testing.T) {
	created := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	restarted := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	existing := deployedContainer(t, nil)
	existing.Created = created.Unix()
	existing.State = "running"

	fake := &fakeDockerClient{
		containers: []types.Container{*existing},
		inspect: map[string]types.ContainerJSON{
			"c1": {
				ContainerJSONBase: &types.ContainerJSONBase{
					State: &types.ContainerState{
						Running:   true,
						StartedAt: restarted.Format(time.RFC3339Nano),
					},
				},
			},
		},
	}
	docker := NewDockerInfrastructureWithClient(fake)

	app, err := docker.FetchApp(context.Background(), "master")
	require.NoError(t, err)
	require.NotNil(t, app)
	require.Len(t, app.Services, 1)
	assert.True(t, app.Services[0].StartedAt.Equal(restarted))
}

func TestFetchAppFallsBackToCreationTime(t *testing.T) {
	created := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)

	existing := deployedContainer(t, nil)
	existing.Created = created.Unix()
	existing.State = "running"

	docker := NewDockerInfrastructureWithClient(&fakeDockerClient{
		containers: []types.Container{*existing},
	})

	app, err := docker.FetchApp(context.Background(), "master")
	require.NoError(t, err)
	require.NotNil(t, app)
	require.Len(t, app.Services, 1)
	assert.True(t, app.Services[0].StartedAt.Equal(created))
}
