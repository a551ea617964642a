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
	"fmt"

	"github.com/aixigo/prevant/pkg/models"
)

// CompanionType distinguishes application wide companions from companions
// deployed alongside each user service.
type CompanionType string

const (
	// CompanionTypeApplication deploys the companion once per application.
	CompanionTypeApplication CompanionType = "application"
	// CompanionTypeService deploys the companion once per user service.
	CompanionTypeService CompanionType = "service"
)

// UnmarshalText validates the companion type.
func (t *CompanionType) UnmarshalText(text []byte) error {
	switch CompanionType(text) {
	case CompanionTypeApplication, CompanionTypeService:
		*t = CompanionType(text)
		return nil
	}
	return fmt.Errorf("invalid companion type %q, expected application or service", text)
}

// DeploymentStrategy controls when a companion workload is replaced on a
// repeated deployment.
type DeploymentStrategy string

const (
	// DeploymentStrategyRedeployAlways replaces the workload on every
	// deployment.
	DeploymentStrategyRedeployAlways DeploymentStrategy = "redeploy-always"
	// DeploymentStrategyRedeployOnImageUpdate replaces the workload only
	// when the image digest changed.
	DeploymentStrategyRedeployOnImageUpdate DeploymentStrategy = "redeploy-on-image-update"
	// DeploymentStrategyRedeployNever keeps an existing workload.
	DeploymentStrategyRedeployNever DeploymentStrategy = "redeploy-never"
)

// UnmarshalText validates the deployment strategy.
func (s *DeploymentStrategy) UnmarshalText(text []byte) error {
	switch DeploymentStrategy(text) {
	case DeploymentStrategyRedeployAlways, DeploymentStrategyRedeployOnImageUpdate,
		DeploymentStrategyRedeployNever:
		*s = DeploymentStrategy(text)
		return nil
	}
	return fmt.Errorf("invalid deployment strategy %q", text)
}

// Companion configures an auxiliary service injected into matching
// applications. String shaped fields may contain mustache templates that
// are rendered against the application and service contexts.
type Companion struct {
	ServiceName        string             `toml:"serviceName"`
	Type               CompanionType      `toml:"type"`
	Image              ImageRef           `toml:"image"`
	Env                map[string]string  `toml:"env"`
	Labels             map[string]string  `toml:"labels"`
	Files              map[string]string  `toml:"files"`
	Volumes            map[string]string  `toml:"volumes"`
	AppSelector        AppSelector        `toml:"appSelector"`
	DeploymentStrategy DeploymentStrategy `toml:"deploymentStrategy"`
	Routing            *RoutingConfig     `toml:"router"`
	Middlewares        []MiddlewareConfig `toml:"middlewares"`
}

// RoutingConfig overrides the generated Traefik router rule.
type RoutingConfig struct {
	Rule string `toml:"rule"`
}

// MiddlewareConfig declares one additional Traefik middleware.
type MiddlewareConfig struct {
	Name string         `toml:"name"`
	Spec map[string]any `toml:"spec"`
}

// FileMounts merges the files and legacy volumes tables.
func (c *Companion) FileMounts() map[string]string {
	if len(c.Files) == 0 && len(c.Volumes) == 0 {
		return nil
	}
	files := make(map[string]string, len(c.Files)+len(c.Volumes))
	for path, data := range c.Volumes {
		files[path] = data
	}
	for path, data := range c.Files {
		files[path] = data
	}
	return files
}

// ServiceConfig materializes the companion into a service configuration of
// the given container type. All env values are marked templated so the
// templating pass renders them.
func (c *Companion) ServiceConfig(containerType models.ContainerType) *models.ServiceConfig {
	env := make(models.Environment, 0, len(c.Env))
	for _, key := range sortedKeys(c.Env) {
		env = append(env, models.EnvironmentVariable{
			Key:       key,
			Value:     c.Env[key],
			Templated: true,
		})
	}

	config := &models.ServiceConfig{
		ServiceName:   c.ServiceName,
		Image:         models.Image(c.Image),
		Env:           env,
		Files:         c.FileMounts(),
		ContainerType: containerType,
		Port:          models.DefaultServicePort,
	}
	if len(c.Labels) > 0 {
		config.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			config.Labels[k] = v
		}
	}
	if c.Routing != nil || len(c.Middlewares) > 0 {
		routing := &models.Routing{}
		if c.Routing != nil {
			routing.Rule = c.Routing.Rule
		}
		if len(c.Middlewares) > 0 {
			routing.AdditionalMiddlewares = make(map[string]map[string]any, len(c.Middlewares))
			for _, mw := range c.Middlewares {
				routing.AdditionalMiddlewares[mw.Name] = mw.Spec
			}
		}
		config.Routing = routing
	}
	return config
}
