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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

func TestParseDefaults(t *testing.T) {
	config, err := Parse(``)
	require.NoError(t, err)

	assert.Equal(t, RuntimeTypeDocker, config.Runtime.Type)
	assert.Equal(t, "master", config.Applications.DefaultApp)
	assert.Equal(t, ReplicationAlwaysFromDefaultApp, config.Applications.ReplicationCondition)
	assert.Equal(t, APIAccessAny, config.APIAccess.Mode)
}

func TestParseFullConfig(t *testing.T) {
	config, err := Parse(`
[runtime]
type = "Kubernetes"
endpoint = "https://kube.example.net"

[containers]
memoryLimit = "512M"

[companions.httpd]
serviceName = "httpd"
type = "application"
image = "httpd:alpine"
appSelector = "master"

[companions.openid]
serviceName = "{{service.name}}-openid"
type = "service"
image = "private.example.net/library/openid:latest"
deploymentStrategy = "redeploy-on-image-update"

[companions.openid.env]
SERVICE_PORT = "{{service.port}}"

[services.mariadb]
[[services.mariadb.secrets]]
name = "user"
data = "SGVsbG8="
appSelector = "master"

[registries."private.example.net"]
username = "ci"
password = "secret"

[applications]
max = 10
replicationCondition = "never"

[queue]
url = "postgres://prevant@localhost/prevant"
`)
	require.NoError(t, err)

	assert.Equal(t, RuntimeTypeKubernetes, config.Runtime.Type)
	assert.Equal(t, MemoryLimit(512*1024*1024), config.Containers.MemoryLimit)
	assert.Equal(t, ReplicationNever, config.Applications.ReplicationCondition)
	assert.Equal(t, 10, config.Applications.Max)
	assert.Equal(t, "postgres://prevant@localhost/prevant", config.Queue.URL)

	appCompanions := config.ApplicationCompanions(models.AppName("master"))
	require.Len(t, appCompanions, 1)
	assert.Equal(t, "httpd", appCompanions[0].ServiceName)
	assert.True(t, models.Image(appCompanions[0].Image).Equal(mustImage(t, "httpd:alpine")))

	// the httpd companion selects only master
	assert.Empty(t, config.ApplicationCompanions(models.AppName("other")))

	serviceCompanions := config.ServiceCompanions(models.AppName("any-app"))
	require.Len(t, serviceCompanions, 1)
	assert.Equal(t, "{{service.name}}-openid", serviceCompanions[0].ServiceName)
	assert.Equal(t, DeploymentStrategyRedeployOnImageUpdate, serviceCompanions[0].DeploymentStrategy)

	secrets := config.ServiceSecrets(models.AppName("master"), "mariadb")
	assert.Equal(t, map[string]string{"/run/secrets/user": "Hello"}, secrets)
	assert.Empty(t, config.ServiceSecrets(models.AppName("other"), "mariadb"))
	assert.Empty(t, config.ServiceSecrets(models.AppName("master"), "nginx"))

	registry, ok := config.RegistryCredentials("private.example.net")
	require.True(t, ok)
	assert.Equal(t, "ci", registry.Username)
}

func TestParseRejectsInvalidRuntime(t *testing.T) {
	_, err := Parse(`
[runtime]
type = "systemd"
`)
	require.Error(t, err)
}

func TestCompanionServiceConfig(t *testing.T) {
	companion := Companion{
		ServiceName: "{{service.name}}-db",
		Type:        CompanionTypeService,
		Image:       ImageRef(mustImage(t, "postgres:16")),
		Env:         map[string]string{"POSTGRES_DB": "{{service.name}}"},
		Labels:      map[string]string{"purpose": "companion"},
	}

	serviceConfig := companion.ServiceConfig(models.ContainerTypeServiceCompanion)
	assert.Equal(t, models.ContainerTypeServiceCompanion, serviceConfig.ContainerType)
	env := serviceConfig.Env.Variable("POSTGRES_DB")
	require.NotNil(t, env)
	assert.True(t, env.Templated)
	assert.Equal(t, "companion", serviceConfig.Labels["purpose"])
}

func mustImage(t *testing.T, s string) models.Image {
	t.Helper()
	img, err := models.ParseImage(s)
	require.NoError(t, err)
	return img
}
