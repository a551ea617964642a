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

package apps

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/apps/queue"
	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
)

// prometheusStub serves a query response with the given per router request
// increases.
func prometheusStub(t *testing.T, rates map[string]float64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/v1/query", req.URL.Path)
		assert.Contains(t, req.URL.Query().Get("query"), "traefik_router_requests_total")

		res.Header().Set("Content-Type", "application/json")
		fmt.Fprint(res, `{"status":"success","data":{"resultType":"vector","result":[`)
		first := true
		for router, rate := range rates {
			if !first {
				fmt.Fprint(res, ",")
			}
			first = false
			fmt.Fprintf(res, `{"metric":{"router":%q},"value":[1724668200,"%g"]}`, router, rate)
		}
		fmt.Fprint(res, `]}}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func newCleanUpTestService(t *testing.T, dummy *infrastructure.Dummy, prometheusURL string) *AppsService {
	t.Helper()
	cfg, err := config.Parse(`
[applications.backups]
timeToRestore = "336h"

[applications.backups.automated]
timeToUse = "2h"
`)
	require.NoError(t, err)
	cfg.Applications.Backups.Automated.MetricsProvider.PrometheusURL = prometheusURL

	builder := deployment.NewBuilder(cfg, noImages{}, dummy, nil)
	return NewAppsService(cfg, dummy, builder, queue.NewMemoryQueue(), nil)
}

func TestIdleAppsSkipsActiveAndPermanent(t *testing.T) {
	dummy := infrastructure.NewDummy()
	deployDummyService(t, dummy, "master", "nginx")
	deployDummyService(t, dummy, "feature-1", "nginx")
	deployDummyService(t, dummy, "feature-2", "nginx")

	server := prometheusStub(t, map[string]float64{
		// traffic on feature-1 keeps it alive, other routers do not count
		"feature-1-nginx@kubernetescrd": 42,
		"unrelated-nginx@kubernetescrd": 7,
	})
	service := newCleanUpTestService(t, dummy, server.URL)
	defer service.queue.Close()

	idle, err := service.idleApps(context.Background(), service.cfg.Applications.Backups.Automated)
	require.NoError(t, err)

	// master is the default application and stays, feature-1 saw traffic
	assert.Equal(t, []models.AppName{"feature-2"}, idle)
}

func TestBackupMaintenanceParksIdleApps(t *testing.T) {
	dummy := infrastructure.NewDummy()
	deployDummyService(t, dummy, "feature-1", "nginx")

	server := prometheusStub(t, map[string]float64{})
	service := newCleanUpTestService(t, dummy, server.URL)
	defer service.queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.Run(ctx)

	service.backupMaintenanceTick(ctx)

	require.Eventually(t, func() bool {
		services, _, err := service.backups.FetchBackup(ctx, "feature-1")
		return err == nil && len(services) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		stops := dummy.StopCalls()
		return len(stops) == 1 && stops[0] == models.AppName("feature-1")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBackupMaintenanceExpiresOldBackups(t *testing.T) {
	dummy := infrastructure.NewDummy()
	server := prometheusStub(t, map[string]float64{})
	service := newCleanUpTestService(t, dummy, server.URL)
	defer service.queue.Close()

	ctx := context.Background()
	image, err := models.ParseImage("nginx")
	require.NoError(t, err)
	require.NoError(t, service.backups.StoreBackup(ctx, "stale", []models.ServiceConfig{{
		ServiceName:   "nginx",
		Image:         image,
		ContainerType: models.ContainerTypeInstance,
		Port:          models.DefaultServicePort,
	}}))

	// age the snapshot past timeToRestore
	memory, ok := service.backups.(*MemoryBackupRepository)
	require.True(t, ok)
	memory.mu.Lock()
	entry := memory.backups["stale"]
	entry.takenAt = time.Now().Add(-400 * time.Hour)
	memory.backups["stale"] = entry
	memory.mu.Unlock()

	service.backupMaintenanceTick(ctx)

	services, _, err := service.backups.FetchBackup(ctx, "stale")
	require.NoError(t, err)
	assert.Empty(t, services)
}
