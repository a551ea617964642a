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

// Package infrastructure defines the backend contract that the application
// lifecycle engine reconciles against, and its Docker and Kubernetes
// implementations.
package infrastructure

import (
	"context"
	"time"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

// Label keys attached to every workload so that both backends can identify
// PREvant managed services on read back.
const (
	AppNameLabel       = "com.aixigo.preview.servant.app-name"
	ServiceNameLabel   = "com.aixigo.preview.servant.service-name"
	ContainerTypeLabel = "com.aixigo.preview.servant.container-type"
	ImageLabel         = "com.aixigo.preview.servant.image"
	ReplicatedEnvLabel = "com.aixigo.preview.servant.replicated-env"
	StatusIDLabel      = "com.aixigo.preview.servant.status-id"
)

// DeployableService is a service configuration enriched with everything a
// backend needs for reconciliation.
type DeployableService struct {
	models.ServiceConfig

	Strategy        config.DeploymentStrategy
	DeclaredVolumes []string
	IngressRoute    *TraefikIngressRoute
}

// DeploymentUnit is the ordered set of services reconciled in one pass.
// Services are sorted so companions come before instances and replicas.
type DeploymentUnit struct {
	StatusID    models.AppStatusChangeID
	AppName     models.AppName
	Services    []DeployableService
	Owners      []models.Owner
	UserDefined *models.UserDefinedParameters
}

// DeploymentLimits carries per workload resource limits.
type DeploymentLimits struct {
	MemoryBytes int64
}

// LogLine is one timestamped log line of a service.
type LogLine struct {
	Timestamp time.Time
	Message   string
}

// LogOptions narrows a log query. Since is exclusive; a zero Since means
// from the beginning. Limit of zero means unlimited. Follow keeps the
// stream open until the context is cancelled.
type LogOptions struct {
	Since  time.Time
	Limit  int
	Follow bool
}

// HTTPForwarder delivers HTTP requests to a running service through the
// backend's network, bypassing the public ingress.
type HTTPForwarder interface {
	// ForwardGet issues a GET for path against the service and returns
	// the response status and body.
	ForwardGet(ctx context.Context, appName models.AppName, service *models.Service, path string, timeout time.Duration) (int, []byte, error)
}

// Infrastructure is the capability contract both backends satisfy. All
// operations are safe for concurrent use.
type Infrastructure interface {
	// FetchApps returns all deployed applications with their services.
	FetchApps(ctx context.Context) (map[models.AppName]*models.App, error)

	// FetchApp returns one application, or nil when it does not exist.
	FetchApp(ctx context.Context, appName models.AppName) (*models.App, error)

	// FetchConfigsOfApp returns the service configurations of a deployed
	// application, reconstructed from workload metadata. Used for
	// replication.
	FetchConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error)

	// DeployServices reconciles the deployment unit and returns the
	// application state read back from the platform.
	DeployServices(ctx context.Context, unit *DeploymentUnit, limits DeploymentLimits) (*models.App, error)

	// StopServices tears the application down and returns its final
	// state.
	StopServices(ctx context.Context, appName models.AppName) (*models.App, error)

	// ChangeStatus pauses or resumes a service. It returns nil without
	// error when the service does not exist.
	ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) (*models.Service, error)

	// GetLogs streams log lines of a service. The returned channel is
	// closed when the stream ends or ctx is cancelled.
	GetLogs(ctx context.Context, appName models.AppName, serviceName string, options LogOptions) (<-chan LogLine, error)

	// HTTPForwarder returns the backend's in-network HTTP access.
	HTTPForwarder() HTTPForwarder

	// BaseTraefikIngressRoute returns the route PREvant itself is served
	// under, or nil when none is discoverable. Application routes are
	// nested under it.
	BaseTraefikIngressRoute(ctx context.Context) (*TraefikIngressRoute, error)
}
