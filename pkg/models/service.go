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
	"fmt"
	"net/url"
	"time"
)

// ServiceStatus is the observable run state of a service instance.
type ServiceStatus string

const (
	// ServiceStatusRunning means the workload is scheduled and running.
	ServiceStatusRunning ServiceStatus = "running"
	// ServiceStatusPaused means the workload is suspended but keeps its
	// configuration.
	ServiceStatusPaused ServiceStatus = "paused"
)

// ParseServiceStatus validates a status string from the API or a backend.
func ParseServiceStatus(s string) (ServiceStatus, error) {
	switch ServiceStatus(s) {
	case ServiceStatusRunning, ServiceStatusPaused:
		return ServiceStatus(s), nil
	}
	return "", fmt.Errorf("invalid service status %q, expected running or paused", s)
}

// Service is one running (or paused) instance of an application, read back
// from a backend.
type Service struct {
	ID            string
	AppName       AppName
	ServiceName   string
	ContainerType ContainerType
	Status        ServiceStatus
	StartedAt     time.Time
	Config        ServiceConfig

	// BaseURL is the public root the reverse proxy serves the app under.
	// It is attached by the read path based on the caller's request.
	BaseURL *url.URL
}

// URL returns the public root URL of the service,
// "{base}/{app}/{service}/".
func (s *Service) URL() string {
	base := s.BaseURL
	if base == nil {
		base = &url.URL{Scheme: "http", Host: "example.org"}
	}
	u := *base
	u.Path = fmt.Sprintf("/%s/%s/", s.AppName, s.ServiceName)
	return u.String()
}

// MarshalJSON renders the API representation of a service.
func (s *Service) MarshalJSON() ([]byte, error) {
	payload := struct {
		Name      string `json:"name"`
		URL       string `json:"url,omitempty"`
		Type      string `json:"type"`
		State     string `json:"state"`
		StartedAt string `json:"startedAt,omitempty"`
	}{
		Name:  s.ServiceName,
		Type:  s.ContainerType.String(),
		State: string(s.Status),
	}
	if s.Status == ServiceStatusRunning {
		payload.URL = s.URL()
	}
	if !s.StartedAt.IsZero() {
		payload.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(payload)
}
