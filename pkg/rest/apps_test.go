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

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	restful "github.com/emicklei/go-restful/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/apps"
	"github.com/aixigo/prevant/pkg/apps/queue"
	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
	"github.com/aixigo/prevant/pkg/registry"
)

type noImages struct{}

func (noImages) ResolveImageInfos(_ context.Context, _ []models.Image) (map[string]*registry.ImageInfo, error) {
	return map[string]*registry.ImageInfo{}, nil
}

type testEnv struct {
	dummy     *infrastructure.Dummy
	service   *apps.AppsService
	container *restful.Container
	cancel    context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Parse(``)
	require.NoError(t, err)

	dummy := infrastructure.NewDummy()
	builder := deployment.NewBuilder(cfg, noImages{}, dummy, nil)
	service := apps.NewAppsService(cfg, dummy, builder, queue.NewMemoryQueue(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go service.Run(ctx)

	container := restful.NewContainer()
	container.Add(NewAppsWebService(service).GetWebService())

	env := &testEnv{dummy: dummy, service: service, container: container, cancel: cancel}
	t.Cleanup(env.cancel)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	e.container.ServeHTTP(recorder, req)
	return recorder
}

func TestCreateOrUpdateWaitsForResult(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "wait=5"})

	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload struct {
		Services []struct {
			Name  string `json:"name"`
			Type  string `json:"type"`
			State string `json:"state"`
			URL   string `json:"url"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Services, 1)
	assert.Equal(t, "nginx", payload.Services[0].Name)
	assert.Equal(t, "instance", payload.Services[0].Type)
	assert.Equal(t, "running", payload.Services[0].State)
	assert.True(t, strings.HasSuffix(payload.Services[0].URL, "/master/nginx/"), payload.Services[0].URL)
}

func TestCreateOrUpdateRespondAsync(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "respond-async"})

	require.Equal(t, http.StatusAccepted, res.Code)
	location := res.Header().Get("Location")
	require.NotEmpty(t, location)
	assert.True(t, strings.HasPrefix(location, "/api/apps/master/status-changes/"), location)

	// polling eventually yields the deployed application
	require.Eventually(t, func() bool {
		poll := env.do(t, http.MethodGet, location, "", nil)
		return poll.Code == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCreateOrUpdateRejectsInvalidAppName(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/in%20valid",
		`[{"serviceName": "nginx", "image": "nginx"}]`, nil)

	require.Equal(t, http.StatusBadRequest, res.Code)
	var payload struct {
		BusinessCode int `json:"businessCode"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, 40001, payload.BusinessCode)
}

func TestDeleteApp(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "wait=5"})
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(t, http.MethodDelete, "/api/apps/master", "",
		map[string]string{"Prefer": "wait=5"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	assert.Equal(t, []models.AppName{"master"}, env.dummy.StopCalls())
}

func TestListApps(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "wait=5"})
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(t, http.MethodGet, "/api/apps/", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	var payload map[string]struct {
		Services []struct {
			Name string `json:"name"`
		} `json:"services"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Contains(t, payload, "master")
	require.Len(t, payload["master"].Services, 1)
	assert.Equal(t, "nginx", payload["master"].Services[0].Name)
}

func TestChangeServiceState(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "wait=5"})
	require.Equal(t, http.StatusOK, res.Code)

	res = env.do(t, http.MethodPut, "/api/apps/master/states/nginx",
		`{"status": "paused"}`, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, "paused", payload.Status)
}

func TestChangeStateOfUnknownService(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPut, "/api/apps/master/states/unknown",
		`{"status": "paused"}`, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestChangeStateRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPut, "/api/apps/master/states/nginx",
		`{"status": "hibernating"}`, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLogsWithPagination(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPost, "/api/apps/master",
		`[{"serviceName": "nginx", "image": "nginx"}]`,
		map[string]string{"Prefer": "wait=5"})
	require.Equal(t, http.StatusOK, res.Code)

	// the dummy backend emits three lines
	res = env.do(t, http.MethodGet, "/api/apps/master/logs/nginx?limit=3", "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	assert.Len(t, lines, 3)

	link := res.Header().Get("Link")
	require.NotEmpty(t, link)
	assert.Contains(t, link, `rel="next"`)
	assert.Contains(t, link, "/api/apps/master/logs/nginx?since=")
}

func TestStatusChangeRejectsMalformedID(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/api/apps/master/status-changes/not-a-uuid", "", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestStatusChangeOfUnknownID(t *testing.T) {
	env := newTestEnv(t)

	// a well-formed id that was never issued is not found, not pending
	res := env.do(t, http.MethodGet,
		"/api/apps/master/status-changes/"+models.NewAppStatusChangeID().String(), "", nil)
	require.Equal(t, http.StatusNotFound, res.Code, res.Body.String())

	var payload struct {
		BusinessCode int `json:"businessCode"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, 40403, payload.BusinessCode)
}

func TestChangeStateOfUnknownApp(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodPut, "/api/apps/feature-1/states/nginx",
		`{"status": "paused"}`, nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	var payload struct {
		BusinessCode int `json:"businessCode"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, 40401, payload.BusinessCode)
}
