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

package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

func hookServices(t *testing.T) []models.ServiceConfig {
	t.Helper()
	return []models.ServiceConfig{
		requestedService(t, "frontend", "frontend:1.0"),
		requestedService(t, "backend", "backend:1.0"),
	}
}

func TestHookAddsEnvVariable(t *testing.T) {
	hook := NewHook(`
function deploymentHook(appName, services) {
	services.forEach(function (service) {
		service.env['APP_NAME'] = appName;
	});
	return services;
}
`)

	retained, err := hook.Apply("master", hookServices(t))
	require.NoError(t, err)
	require.Len(t, retained, 2)
	for _, service := range retained {
		variable := service.Env.Variable("APP_NAME")
		require.NotNil(t, variable)
		assert.Equal(t, "master", variable.Value)
	}
}

func TestHookDropsRenamedServices(t *testing.T) {
	hook := NewHook(`
function deploymentHook(appName, services) {
	services[0].name = 'renamed';
	return services;
}
`)

	retained, err := hook.Apply("master", hookServices(t))
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, "backend", retained[0].ServiceName)
}

func TestHookRejectsNonListReturn(t *testing.T) {
	hook := NewHook(`
function deploymentHook(appName, services) {
	return "nope";
}
`)

	_, err := hook.Apply("master", hookServices(t))
	var invalid *InvalidDeploymentHookError
	require.ErrorAs(t, err, &invalid)
}

func TestHookRejectsThrowingScript(t *testing.T) {
	hook := NewHook(`
function deploymentHook(appName, services) {
	throw new Error('boom');
}
`)

	_, err := hook.Apply("master", hookServices(t))
	var invalid *InvalidDeploymentHookError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Cause, "boom")
}

func TestHookRejectsMissingFunction(t *testing.T) {
	hook := NewHook(`var unrelated = 42;`)

	_, err := hook.Apply("master", hookServices(t))
	var invalid *InvalidDeploymentHookError
	require.ErrorAs(t, err, &invalid)
}

func TestHookInterruptsEndlessLoop(t *testing.T) {
	hook := NewHook(`
function deploymentHook(appName, services) {
	for (;;) {}
}
`)

	_, err := hook.Apply("master", hookServices(t))
	var invalid *InvalidDeploymentHookError
	require.ErrorAs(t, err, &invalid)
}
