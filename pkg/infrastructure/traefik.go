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
	"fmt"
	"sort"

	"github.com/aixigo/prevant/pkg/models"
)

// TraefikMiddleware is one Traefik middleware declaration. Spec follows
// Traefik's dynamic configuration shape, e.g.
// {"stripPrefix": {"prefixes": ["/master/nginx"]}}.
type TraefikMiddleware struct {
	Name string
	Spec map[string]any
}

// TraefikIngressRoute is the declarative routing state for one service:
// a router rule plus the middlewares applied to it.
type TraefikIngressRoute struct {
	Rule        string
	Middlewares []TraefikMiddleware
}

// ServiceRoute returns the default route for a service: match the
// "/{app}/{service}/" prefix and strip it before forwarding.
func ServiceRoute(appName models.AppName, serviceName string, additional []TraefikMiddleware) *TraefikIngressRoute {
	prefix := fmt.Sprintf("/%s/%s", appName, serviceName)
	route := &TraefikIngressRoute{
		Rule: fmt.Sprintf("PathPrefix(`%s/`)", prefix),
		Middlewares: []TraefikMiddleware{{
			Name: fmt.Sprintf("%s-%s-middleware", appName, serviceName),
			Spec: map[string]any{
				"stripPrefix": map[string]any{
					"prefixes": []string{prefix},
				},
			},
		}},
	}
	route.Middlewares = append(route.Middlewares, additional...)
	return route
}

// AppRoute returns the route matching the bare application prefix,
// used when an application companion serves the application root.
func AppRoute(appName models.AppName) *TraefikIngressRoute {
	prefix := fmt.Sprintf("/%s", appName)
	return &TraefikIngressRoute{
		Rule: fmt.Sprintf("PathPrefix(`%s/`)", prefix),
		Middlewares: []TraefikMiddleware{{
			Name: fmt.Sprintf("%s-middleware", appName),
			Spec: map[string]any{
				"stripPrefix": map[string]any{
					"prefixes": []string{prefix},
				},
			},
		}},
	}
}

// RouteForService computes the effective ingress route of a deployable
// service, honouring a user supplied routing override.
func RouteForService(appName models.AppName, service *models.ServiceConfig) *TraefikIngressRoute {
	var additional []TraefikMiddleware
	if service.Routing != nil {
		names := make([]string, 0, len(service.Routing.AdditionalMiddlewares))
		for name := range service.Routing.AdditionalMiddlewares {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			additional = append(additional, TraefikMiddleware{Name: name, Spec: service.Routing.AdditionalMiddlewares[name]})
		}
	}
	route := ServiceRoute(appName, service.ServiceName, additional)
	if service.Routing != nil && service.Routing.Rule != "" {
		route.Rule = service.Routing.Rule
	}
	return route
}
