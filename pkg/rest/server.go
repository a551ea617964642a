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

// Package rest serves the HTTP API.
package rest

import (
	"context"
	"net/http"
	"time"

	restful "github.com/emicklei/go-restful/v3"
	"k8s.io/klog/v2"
)

// WebService is one mountable API surface.
type WebService interface {
	GetWebService() *restful.WebService
}

// Server hosts the registered webservices.
type Server struct {
	addr      string
	container *restful.Container
}

// NewServer assembles the HTTP server on addr.
func NewServer(addr string, services ...WebService) *Server {
	container := restful.NewContainer()
	for _, service := range services {
		container.Add(service.GetWebService())
	}
	return &Server{addr: addr, container: container}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.container,
	}

	errs := make(chan error, 1)
	go func() {
		klog.Infof("HTTP API listening on %s", s.addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
