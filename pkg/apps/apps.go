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

// Package apps orchestrates the application lifecycle: it accepts
// lifecycle requests, runs them through the task queue, executes the
// deployment unit builder against the infrastructure backend and keeps the
// host-meta cache fresh.
package apps

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/apps/queue"
	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
)

// AppLimitExceededError signals that deploying another application would
// exceed the configured maximum.
type AppLimitExceededError struct {
	Max int
}

func (e *AppLimitExceededError) Error() string {
	return fmt.Sprintf("cannot deploy more than %d applications", e.Max)
}

// AppsService is the orchestrator behind the REST layer.
type AppsService struct {
	cfg     *config.Config
	infra   infrastructure.Infrastructure
	builder *deployment.Builder
	queue   queue.Queue
	backups BackupRepository
	crawler *Crawler
	cache   *HostMetaCache
}

// NewAppsService wires the orchestrator. A nil backup repository falls back
// to the in-memory one.
func NewAppsService(cfg *config.Config, infra infrastructure.Infrastructure, builder *deployment.Builder, q queue.Queue, backups BackupRepository) *AppsService {
	if backups == nil {
		backups = NewMemoryBackupRepository()
	}
	cache := NewHostMetaCache()
	return &AppsService{
		cfg:     cfg,
		infra:   infra,
		builder: builder,
		queue:   q,
		backups: backups,
		crawler: NewCrawler(infra, cache),
		cache:   cache,
	}
}

// ParseUserDefined validates raw user defined parameters against the
// configured JSON schema, if any.
func (s *AppsService) ParseUserDefined(raw []byte) (*models.UserDefinedParameters, error) {
	schema, err := s.cfg.UserDefinedSchema()
	if err != nil {
		return nil, err
	}
	return models.NewUserDefinedParameters(raw, schema)
}

// HostMeta exposes the crawled host-meta cache.
func (s *AppsService) HostMeta() *HostMetaCache {
	return s.cache
}

// Apps returns all deployed applications.
func (s *AppsService) Apps(ctx context.Context) (map[models.AppName]*models.App, error) {
	return s.infra.FetchApps(ctx)
}

// App returns one deployed application, or nil when it does not exist.
func (s *AppsService) App(ctx context.Context, appName models.AppName) (*models.App, error) {
	return s.infra.FetchApp(ctx, appName)
}

// EnqueueCreateOrUpdate queues a deployment and returns the id to poll.
// A backed up application is queued for restore first so the deployment
// lands on its parked state.
func (s *AppsService) EnqueueCreateOrUpdate(ctx context.Context, appName models.AppName, payload *queue.CreateOrUpdatePayload) (models.AppStatusChangeID, error) {
	if s.cfg.Applications.Max > 0 {
		apps, err := s.infra.FetchApps(ctx)
		if err != nil {
			return "", err
		}
		if _, exists := apps[appName]; !exists && len(apps) >= s.cfg.Applications.Max {
			return "", &AppLimitExceededError{Max: s.cfg.Applications.Max}
		}
	}

	if s.cfg.Applications.Backups != nil {
		app, err := s.infra.FetchApp(ctx, appName)
		if err != nil {
			return "", err
		}
		if app == nil {
			if _, err := s.enqueueRestoreIfBackedUp(ctx, appName); err != nil {
				return "", err
			}
		}
	}

	task := &queue.Task{
		ID:             models.NewAppStatusChangeID(),
		AppName:        appName,
		Type:           queue.TaskCreateOrUpdate,
		CreateOrUpdate: payload,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueDelete queues a teardown and returns the id to poll.
func (s *AppsService) EnqueueDelete(ctx context.Context, appName models.AppName) (models.AppStatusChangeID, error) {
	task := &queue.Task{
		ID:      models.NewAppStatusChangeID(),
		AppName: appName,
		Type:    queue.TaskDelete,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueBackUp queues parking an application: its service configurations
// are snapshotted into the backup repository and the running services are
// torn down.
func (s *AppsService) EnqueueBackUp(ctx context.Context, appName models.AppName) (models.AppStatusChangeID, error) {
	configs, err := s.infra.FetchConfigsOfApp(ctx, appName)
	if err != nil {
		return "", err
	}
	if len(configs) == 0 {
		return "", fmt.Errorf("application %s has no services to back up", appName)
	}

	task := &queue.Task{
		ID:      models.NewAppStatusChangeID(),
		AppName: appName,
		Type:    queue.TaskBackUp,
		BackUp:  &queue.BackUpPayload{Services: configs},
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueRestore queues replaying a backed up application.
func (s *AppsService) EnqueueRestore(ctx context.Context, appName models.AppName) (models.AppStatusChangeID, error) {
	id, err := s.enqueueRestoreIfBackedUp(ctx, appName)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("application %s has no restorable backup", appName)
	}
	return id, nil
}

// enqueueRestoreIfBackedUp queues a restore when an unexpired backup
// exists; it returns the empty id otherwise.
func (s *AppsService) enqueueRestoreIfBackedUp(ctx context.Context, appName models.AppName) (models.AppStatusChangeID, error) {
	policy := s.cfg.Applications.Backups
	if policy == nil {
		return "", nil
	}
	services, takenAt, err := s.backups.FetchBackup(ctx, appName)
	if err != nil || len(services) == 0 {
		return "", err
	}
	if ttl := policy.TimeToRestore.AsDuration(); ttl > 0 && time.Since(takenAt) > ttl {
		return "", nil
	}

	task := &queue.Task{
		ID:      models.NewAppStatusChangeID(),
		AppName: appName,
		Type:    queue.TaskRestore,
		BackUp:  &queue.BackUpPayload{Services: services},
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// WaitForTask waits up to timeout for a queued task to finish.
func (s *AppsService) WaitForTask(ctx context.Context, id models.AppStatusChangeID, timeout time.Duration) (*queue.TaskResult, bool, error) {
	return s.queue.TryWaitForTask(ctx, id, timeout)
}

// TaskResult returns the result of a task together with what the queue
// knows about the id.
func (s *AppsService) TaskResult(ctx context.Context, id models.AppStatusChangeID) (*queue.TaskResult, queue.ResultState, error) {
	return s.queue.ResultOf(ctx, id)
}

// ChangeStatus pauses or resumes a service immediately, bypassing the
// queue.
func (s *AppsService) ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) (*models.Service, error) {
	service, err := s.infra.ChangeStatus(ctx, appName, serviceName, status)
	if err != nil {
		return nil, err
	}
	s.crawler.NotifyAppsChanged()
	return service, nil
}

// Logs streams the log lines of a service.
func (s *AppsService) Logs(ctx context.Context, appName models.AppName, serviceName string, options infrastructure.LogOptions) (<-chan infrastructure.LogLine, error) {
	return s.infra.GetLogs(ctx, appName, serviceName, options)
}

// Run consumes tasks and crawls host-meta until ctx is cancelled.
func (s *AppsService) Run(ctx context.Context) {
	go s.crawler.Run(ctx)
	if s.cfg.Applications.Backups != nil {
		go s.runBackupMaintenance(ctx)
	}
	for {
		batch, err := s.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			klog.Errorf("claiming tasks failed: %s", err)
			continue
		}
		result := s.execute(ctx, batch.Merged)
		if err := s.queue.Complete(ctx, batch, result); err != nil {
			klog.Errorf("completing task batch of %s failed: %s", batch.AppName, err)
		}
		s.crawler.NotifyAppsChanged()
	}
}

func (s *AppsService) execute(ctx context.Context, task *queue.Task) *queue.TaskResult {
	switch task.Type {
	case queue.TaskCreateOrUpdate:
		app, err := s.executeCreateOrUpdate(ctx, task)
		if err != nil {
			klog.Errorf("deployment of %s failed: %s", task.AppName, err)
			return resultFromError(err)
		}
		return &queue.TaskResult{App: app}

	case queue.TaskDelete:
		app, err := s.infra.StopServices(ctx, task.AppName)
		if err != nil {
			klog.Errorf("teardown of %s failed: %s", task.AppName, err)
			return resultFromError(err)
		}
		return &queue.TaskResult{App: app}

	case queue.TaskBackUp:
		// park the snapshot first: a teardown failure leaves the app
		// running and retriable, never unrecoverable
		if task.BackUp != nil {
			if err := s.backups.StoreBackup(ctx, task.AppName, task.BackUp.Services); err != nil {
				klog.Errorf("backing up %s failed: %s", task.AppName, err)
				return resultFromError(err)
			}
		}
		app, err := s.infra.StopServices(ctx, task.AppName)
		if err != nil {
			klog.Errorf("parking %s failed: %s", task.AppName, err)
			return resultFromError(err)
		}
		return &queue.TaskResult{App: app}

	case queue.TaskRestore:
		// a restore is a create-or-update with the snapshotted configs
		if task.CreateOrUpdate == nil && task.BackUp != nil {
			task.CreateOrUpdate = &queue.CreateOrUpdatePayload{Services: task.BackUp.Services}
		}
		app, err := s.executeCreateOrUpdate(ctx, task)
		if err != nil {
			klog.Errorf("restore of %s failed: %s", task.AppName, err)
			return resultFromError(err)
		}
		if err := s.backups.DeleteBackup(ctx, task.AppName); err != nil {
			klog.Warningf("cannot drop restored backup of %s: %s", task.AppName, err)
		}
		return &queue.TaskResult{App: app}
	}
	return resultFromError(fmt.Errorf("unknown task type %q", task.Type))
}

func (s *AppsService) executeCreateOrUpdate(ctx context.Context, task *queue.Task) (*models.App, error) {
	payload := task.CreateOrUpdate
	if payload == nil {
		payload = &queue.CreateOrUpdatePayload{}
	}

	unit, err := s.builder.Build(ctx, &deployment.Request{
		StatusID:      task.ID,
		AppName:       task.AppName,
		Services:      payload.Services,
		ReplicateFrom: payload.ReplicateFrom,
		Owners:        payload.Owners,
		UserDefined:   payload.UserDefined,
	})
	if err != nil {
		return nil, err
	}

	limits := infrastructure.DeploymentLimits{
		MemoryBytes: int64(s.cfg.Containers.MemoryLimit),
	}
	return s.infra.DeployServices(ctx, unit, limits)
}

func resultFromError(err error) *queue.TaskResult {
	return &queue.TaskResult{Error: &queue.TaskError{
		Code:    errorCode(err),
		Message: err.Error(),
	}}
}
