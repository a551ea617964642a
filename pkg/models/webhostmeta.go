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
	"net/url"
	"time"
)

// JRD property and link relation identifiers probed from
// /.well-known/host-meta.json.
const (
	hostMetaVersionProperty      = "https://schema.org/softwareVersion"
	hostMetaCommitProperty       = "https://git-scm.com/docs/git-commit"
	hostMetaDateModifiedProperty = "https://schema.org/dateModified"
	hostMetaOpenAPIRel           = "https://github.com/OAI/OpenAPI-Specification"
)

// WebHostMeta is the parsed JRD document of a service. The zero value with
// Valid unset represents "probed and absent"; see EmptyWebHostMeta.
type WebHostMeta struct {
	Properties map[string]*string `json:"properties,omitempty"`
	Links      []WebHostMetaLink  `json:"links,omitempty"`
}

// WebHostMetaLink is a single JRD link entry.
type WebHostMetaLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// EmptyWebHostMeta marks a service as probed without any metadata.
func EmptyWebHostMeta() WebHostMeta {
	return WebHostMeta{}
}

// IsEmpty reports whether the probe yielded no metadata.
func (m WebHostMeta) IsEmpty() bool {
	return len(m.Properties) == 0 && len(m.Links) == 0
}

func (m WebHostMeta) property(key string) string {
	if v, ok := m.Properties[key]; ok && v != nil {
		return *v
	}
	return ""
}

// Version returns the software version the service announced.
func (m WebHostMeta) Version() string {
	return m.property(hostMetaVersionProperty)
}

// Commit returns the source commit the service announced.
func (m WebHostMeta) Commit() string {
	return m.property(hostMetaCommitProperty)
}

// DateModified returns the modification timestamp, or the zero time.
func (m WebHostMeta) DateModified() time.Time {
	raw := m.property(hostMetaDateModifiedProperty)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// OpenAPI returns the link to the service's OpenAPI specification.
func (m WebHostMeta) OpenAPI() string {
	for _, link := range m.Links {
		if link.Rel == hostMetaOpenAPIRel {
			return link.Href
		}
	}
	return ""
}

// WithBaseURL rewrites relative link targets against the caller's base URL
// so that clients behind the reverse proxy receive resolvable links.
func (m WebHostMeta) WithBaseURL(base *url.URL) WebHostMeta {
	if base == nil || len(m.Links) == 0 {
		return m
	}
	links := make([]WebHostMetaLink, len(m.Links))
	copy(links, m.Links)
	for i, link := range links {
		ref, err := url.Parse(link.Href)
		if err != nil || ref.IsAbs() {
			continue
		}
		links[i].Href = base.ResolveReference(ref).String()
	}
	return WebHostMeta{Properties: m.Properties, Links: links}
}
