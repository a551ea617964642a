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

// Package templating renders the mustache templates embedded in companion
// configurations and templated environment variables.
package templating

import (
	"fmt"

	"github.com/cbroglie/mustache"

	"github.com/aixigo/prevant/pkg/models"
)

// InvalidTemplateError reports a template that could not be rendered.
type InvalidTemplateError struct {
	Template string
	Cause    error
}

func (e *InvalidTemplateError) Error() string {
	return fmt.Sprintf("invalid template format %q: %v", e.Template, e.Cause)
}

// ServiceParameter describes one service visible to a template.
type ServiceParameter struct {
	Name string
	Port int
	Type models.ContainerType
}

// Parameters is the render context: the application, the single service a
// service companion belongs to, and the full service list for application
// companions.
type Parameters struct {
	AppName  models.AppName
	Service  *ServiceParameter
	Services []ServiceParameter
}

func (p *Parameters) context() map[string]any {
	ctx := map[string]any{
		"application": map[string]any{
			"name": p.AppName.String(),
		},
	}
	if p.Service != nil {
		ctx["service"] = serviceContext(*p.Service)
	}
	if p.Services != nil {
		services := make([]map[string]any, len(p.Services))
		for i, s := range p.Services {
			services[i] = serviceContext(s)
		}
		ctx["services"] = services
	}
	return ctx
}

func serviceContext(s ServiceParameter) map[string]any {
	return map[string]any{
		"name": s.Name,
		"port": s.Port,
		"type": s.Type.String(),
	}
}

// RenderString renders a single template string.
func RenderString(template string, params *Parameters) (string, error) {
	rendered, err := mustache.Render(template, params.context())
	if err != nil {
		return "", &InvalidTemplateError{Template: template, Cause: err}
	}
	return rendered, nil
}

// RenderConfig renders every string shaped field of config: service name,
// templated env values, file contents and the routing rule. The input is
// not modified.
func RenderConfig(config *models.ServiceConfig, params *Parameters) (*models.ServiceConfig, error) {
	rendered := config.Clone()

	name, err := RenderString(config.ServiceName, params)
	if err != nil {
		return nil, err
	}
	rendered.ServiceName = name

	for i, env := range rendered.Env {
		if !env.Templated {
			continue
		}
		value, err := RenderString(env.Value, params)
		if err != nil {
			return nil, err
		}
		rendered.Env[i] = env.WithValue(value)
	}

	for path, data := range config.Files {
		content, err := RenderString(data, params)
		if err != nil {
			return nil, err
		}
		rendered.Files[path] = content
	}

	if config.Routing != nil && config.Routing.Rule != "" {
		rule, err := RenderString(config.Routing.Rule, params)
		if err != nil {
			return nil, err
		}
		rendered.Routing.Rule = rule
	}

	return rendered, nil
}
