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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixigo/prevant/pkg/models"
)

// Dummy is an in-memory Infrastructure used by tests. It records the
// operations invoked on it and can delay deployments to provoke queue
// contention.
type Dummy struct {
	mu   sync.Mutex
	apps map[models.AppName]*models.App

	// DeployDelay stalls DeployServices to simulate slow backends.
	DeployDelay time.Duration

	deployed []models.AppName
	stopped  []models.AppName

	hostMeta map[string][]byte
}

// NewDummy creates an empty in-memory backend.
func NewDummy() *Dummy {
	return &Dummy{
		apps:     map[models.AppName]*models.App{},
		hostMeta: map[string][]byte{},
	}
}

var _ Infrastructure = &Dummy{}

// DeployCalls returns the app names DeployServices was invoked for, in
// order.
func (d *Dummy) DeployCalls() []models.AppName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.AppName(nil), d.deployed...)
}

// StopCalls returns the app names StopServices was invoked for, in order.
func (d *Dummy) StopCalls() []models.AppName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.AppName(nil), d.stopped...)
}

// SetHostMeta configures the host-meta payload served for a service.
func (d *Dummy) SetHostMeta(appName models.AppName, serviceName string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostMeta[fmt.Sprintf("%s/%s", appName, serviceName)] = payload
}

// FetchApps implements Infrastructure.
func (d *Dummy) FetchApps(_ context.Context) (map[models.AppName]*models.App, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	apps := make(map[models.AppName]*models.App, len(d.apps))
	for name, app := range d.apps {
		copied := *app
		copied.Services = append([]models.Service(nil), app.Services...)
		apps[name] = &copied
	}
	return apps, nil
}

// FetchApp implements Infrastructure.
func (d *Dummy) FetchApp(_ context.Context, appName models.AppName) (*models.App, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	app, ok := d.apps[appName]
	if !ok {
		return nil, nil
	}
	copied := *app
	copied.Services = append([]models.Service(nil), app.Services...)
	return &copied, nil
}

// FetchConfigsOfApp implements Infrastructure.
func (d *Dummy) FetchConfigsOfApp(_ context.Context, appName models.AppName) ([]models.ServiceConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	app, ok := d.apps[appName]
	if !ok {
		return nil, nil
	}
	configs := make([]models.ServiceConfig, 0, len(app.Services))
	for _, service := range app.Services {
		configs = append(configs, *service.Config.Clone())
	}
	return configs, nil
}

// DeployServices implements Infrastructure.
func (d *Dummy) DeployServices(ctx context.Context, unit *DeploymentUnit, _ DeploymentLimits) (*models.App, error) {
	if d.DeployDelay > 0 {
		select {
		case <-time.After(d.DeployDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed = append(d.deployed, unit.AppName)

	app, ok := d.apps[unit.AppName]
	if !ok {
		app = &models.App{}
		d.apps[unit.AppName] = app
	}
	app.Owners = models.NormalizeOwners(append(app.Owners, unit.Owners...))
	app.UserDefined = app.UserDefined.Merge(unit.UserDefined)

	for _, deployable := range unit.Services {
		service := models.Service{
			ID:            uuid.NewString(),
			AppName:       unit.AppName,
			ServiceName:   deployable.ServiceName,
			ContainerType: deployable.ContainerType,
			Status:        models.ServiceStatusRunning,
			StartedAt:     time.Now(),
			Config:        deployable.ServiceConfig,
		}
		if existing := app.Service(deployable.ServiceName); existing != nil {
			*existing = service
			continue
		}
		app.Services = append(app.Services, service)
	}
	app.SortServices()

	copied := *app
	copied.Services = append([]models.Service(nil), app.Services...)
	return &copied, nil
}

// StopServices implements Infrastructure.
func (d *Dummy) StopServices(_ context.Context, appName models.AppName) (*models.App, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, appName)

	app, ok := d.apps[appName]
	if !ok {
		return &models.App{}, nil
	}
	delete(d.apps, appName)
	return app, nil
}

// ChangeStatus implements Infrastructure.
func (d *Dummy) ChangeStatus(_ context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) (*models.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	app, ok := d.apps[appName]
	if !ok {
		return nil, nil
	}
	service := app.Service(serviceName)
	if service == nil {
		return nil, nil
	}
	service.Status = status
	if status == models.ServiceStatusRunning {
		service.StartedAt = time.Now()
	}
	copied := *service
	return &copied, nil
}

// GetLogs implements Infrastructure.
func (d *Dummy) GetLogs(ctx context.Context, appName models.AppName, serviceName string, options LogOptions) (<-chan LogLine, error) {
	lines := make(chan LogLine, 3)
	now := time.Now()
	go func() {
		defer close(lines)
		for i := 0; i < 3; i++ {
			if options.Limit > 0 && i >= options.Limit {
				return
			}
			select {
			case lines <- LogLine{
				Timestamp: now.Add(time.Duration(i) * time.Second),
				Message:   fmt.Sprintf("log line %d of %s/%s", i+1, appName, serviceName),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines, nil
}

// HTTPForwarder implements Infrastructure.
func (d *Dummy) HTTPForwarder() HTTPForwarder {
	return dummyForwarder{dummy: d}
}

type dummyForwarder struct {
	dummy *Dummy
}

func (f dummyForwarder) ForwardGet(_ context.Context, appName models.AppName, service *models.Service, _ string, _ time.Duration) (int, []byte, error) {
	f.dummy.mu.Lock()
	defer f.dummy.mu.Unlock()
	payload, ok := f.dummy.hostMeta[fmt.Sprintf("%s/%s", appName, service.ServiceName)]
	if !ok {
		return 404, nil, nil
	}
	return 200, payload, nil
}

// BaseTraefikIngressRoute implements Infrastructure.
func (d *Dummy) BaseTraefikIngressRoute(_ context.Context) (*TraefikIngressRoute, error) {
	return nil, nil
}
