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

func TestParseImage(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "short name",
			input:    "nginx",
			expected: "docker.io/library/nginx:latest",
		},
		{
			name:     "name with tag",
			input:    "nginx:alpine",
			expected: "docker.io/library/nginx:alpine",
		},
		{
			name:     "user and name",
			input:    "zammad/zammad-docker-compose",
			expected: "docker.io/zammad/zammad-docker-compose:latest",
		},
		{
			name:     "registry with port",
			input:    "localhost:5000/library/nginx:latest",
			expected: "localhost:5000/library/nginx:latest",
		},
		{
			name:     "digest",
			input:    "sha256:9895c9b90b58c9490471b877f6bb6a90e6bdc154da7fbb526a0322ea242fc913",
			expected: "sha256:9895c9b90b58c9490471b877f6bb6a90e6bdc154da7fbb526a0322ea242fc913",
		},
		{
			name:     "bare hex digest",
			input:    "9895c9b90b58c9490471b877f6bb6a90e6bdc154da7fbb526a0322ea242fc913",
			expected: "9895c9b90b58c9490471b877f6bb6a90e6bdc154da7fbb526a0322ea242fc913",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			image, err := ParseImage(testCase.input)
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, image.String())
		})
	}
}

func TestParseImageInvalid(t *testing.T) {
	_, err := ParseImage("\n")
	require.Error(t, err)

	var invalid *InvalidImageError
	require.ErrorAs(t, err, &invalid)
}

func TestImageEqualityNormalizesDefaults(t *testing.T) {
	short, err := ParseImage("nginx")
	require.NoError(t, err)
	long, err := ParseImage("docker.io/library/nginx:latest")
	require.NoError(t, err)

	assert.True(t, short.Equal(long))
	assert.True(t, long.Equal(short))

	other, err := ParseImage("nginx:alpine")
	require.NoError(t, err)
	assert.False(t, short.Equal(other))
}

func TestImageJSONRoundTrip(t *testing.T) {
	image, err := ParseImage("quay.io/prometheus/node-exporter:v1.6.0")
	require.NoError(t, err)

	data, err := json.Marshal(image)
	require.NoError(t, err)

	var parsed Image
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.True(t, image.Equal(parsed))
	assert.Equal(t, image.String(), parsed.String())
}
