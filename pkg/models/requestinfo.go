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
	"net/http"
	"net/url"
)

// RequestInfo captures the caller-facing base URL of a request so that
// links in responses point at the reverse proxy, not at PREvant itself.
type RequestInfo struct {
	BaseURL *url.URL
}

// RequestInfoFromRequest derives the base URL from Forwarded-style headers
// with a fallback to the request host.
func RequestInfoFromRequest(r *http.Request) RequestInfo {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return RequestInfo{BaseURL: &url.URL{Scheme: scheme, Host: host}}
}
