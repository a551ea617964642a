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
)

// DefaultServicePort is assumed when neither the request nor the image
// manifest declares a port.
const DefaultServicePort = 80

// Routing overrides the ingress rule and middlewares generated for a
// service. AdditionalMiddlewares values follow Traefik's dynamic
// configuration shape.
type Routing struct {
	Rule                  string                    `json:"rule,omitempty"`
	AdditionalMiddlewares map[string]map[string]any `json:"additionalMiddlewares,omitempty"`
}

// ServiceConfig is the unit of user intent: one service of an application.
type ServiceConfig struct {
	ServiceName string `json:"serviceName"`
	Image       Image  `json:"image"`

	Env Environment `json:"env,omitempty"`

	// Files maps container paths to file contents mounted into the
	// workload. The API historically accepts the key "volumes" as alias.
	Files map[string]string `json:"files,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`

	ContainerType ContainerType `json:"-"`
	Port          int           `json:"-"`
	Routing       *Routing      `json:"-"`
}

type serviceConfigPayload struct {
	ServiceName string            `json:"serviceName" validate:"required"`
	Image       Image             `json:"image"`
	Env         Environment       `json:"env,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	Volumes     map[string]string `json:"volumes,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// UnmarshalJSON decodes the API payload, honouring the legacy "volumes"
// alias for files.
func (c *ServiceConfig) UnmarshalJSON(data []byte) error {
	var payload serviceConfigPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	files := payload.Files
	if files == nil {
		files = payload.Volumes
	}
	*c = ServiceConfig{
		ServiceName:   payload.ServiceName,
		Image:         payload.Image,
		Env:           payload.Env,
		Files:         files,
		Labels:        payload.Labels,
		ContainerType: ContainerTypeInstance,
		Port:          DefaultServicePort,
	}
	return nil
}

// Merge copies envs, files and labels from other into c. Entries already
// present in c win on key collisions.
func (c *ServiceConfig) Merge(other *ServiceConfig) {
	for _, env := range other.Env {
		if c.Env.Variable(env.Key) != nil {
			continue
		}
		c.Env = append(c.Env, env)
	}

	files := map[string]string{}
	for path, data := range other.Files {
		files[path] = data
	}
	for path, data := range c.Files {
		files[path] = data
	}
	c.Files = files

	labels := map[string]string{}
	for k, v := range other.Labels {
		labels[k] = v
	}
	for k, v := range c.Labels {
		labels[k] = v
	}
	c.Labels = labels
}

// Clone returns a deep copy.
func (c *ServiceConfig) Clone() *ServiceConfig {
	clone := *c
	clone.Env = append(Environment(nil), c.Env...)
	if c.Files != nil {
		clone.Files = make(map[string]string, len(c.Files))
		for k, v := range c.Files {
			clone.Files[k] = v
		}
	}
	if c.Labels != nil {
		clone.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			clone.Labels[k] = v
		}
	}
	if c.Routing != nil {
		routing := *c.Routing
		clone.Routing = &routing
	}
	return &clone
}
