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

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigUnmarshal(t *testing.T) {
	payload := `{
		"serviceName": "db",
		"image": "mariadb:lts",
		"env": {"MYSQL_RANDOM_ROOT_PASSWORD": {"value": "yes", "replicate": true}},
		"volumes": {"/etc/conf/db.conf": "max_connections=200"}
	}`

	var config ServiceConfig
	require.NoError(t, json.Unmarshal([]byte(payload), &config))

	assert.Equal(t, "db", config.ServiceName)
	assert.Equal(t, "docker.io/library/mariadb:lts", config.Image.String())
	assert.Equal(t, ContainerTypeInstance, config.ContainerType)
	assert.Equal(t, DefaultServicePort, config.Port)

	env := config.Env.Variable("MYSQL_RANDOM_ROOT_PASSWORD")
	require.NotNil(t, env)
	assert.Equal(t, "yes", env.Value)
	assert.True(t, env.Replicate)

	// "volumes" is an accepted alias for files
	assert.Equal(t, "max_connections=200", config.Files["/etc/conf/db.conf"])
}

func TestEnvironmentUnmarshalListOfStrings(t *testing.T) {
	var env Environment
	require.NoError(t, json.Unmarshal([]byte(`["NGINX_HOST=example.com", "EMPTY="]`), &env))

	host := env.Variable("NGINX_HOST")
	require.NotNil(t, host)
	assert.Equal(t, "example.com", host.Value)

	empty := env.Variable("EMPTY")
	require.NotNil(t, empty)
	assert.Equal(t, "", empty.Value)
}

func TestEnvironmentUnmarshalRejectsMissingSeparator(t *testing.T) {
	var env Environment
	require.Error(t, json.Unmarshal([]byte(`["NGINX_HOST"]`), &env))
}

func TestServiceConfigMergeExistingWins(t *testing.T) {
	existing := &ServiceConfig{
		ServiceName: "nginx",
		Env:         Environment{{Key: "NGINX_HOST", Value: "my.host"}},
		Files:       map[string]string{"/etc/nginx/nginx.conf": "worker_processes 2;"},
		Labels:      map[string]string{"tier": "frontend"},
	}
	other := &ServiceConfig{
		ServiceName: "nginx",
		Env: Environment{
			{Key: "NGINX_HOST", Value: "other.host"},
			{Key: "NGINX_PORT", Value: "8080"},
		},
		Files:  map[string]string{"/etc/nginx/mime.types": "types {}"},
		Labels: map[string]string{"tier": "backend", "team": "platform"},
	}

	existing.Merge(other)

	assert.Equal(t, "my.host", existing.Env.Variable("NGINX_HOST").Value)
	assert.Equal(t, "8080", existing.Env.Variable("NGINX_PORT").Value)
	assert.Equal(t, "worker_processes 2;", existing.Files["/etc/nginx/nginx.conf"])
	assert.Equal(t, "types {}", existing.Files["/etc/nginx/mime.types"])
	assert.Equal(t, "frontend", existing.Labels["tier"])
	assert.Equal(t, "platform", existing.Labels["team"])
}

func TestServiceConfigCloneIsDeep(t *testing.T) {
	config := &ServiceConfig{
		ServiceName: "nginx",
		Env:         Environment{{Key: "A", Value: "1"}},
		Files:       map[string]string{"/a": "x"},
	}
	clone := config.Clone()
	clone.Env[0].Value = "2"
	clone.Files["/a"] = "y"

	assert.Equal(t, "1", config.Env[0].Value)
	assert.Equal(t, "x", config.Files["/a"])
}
