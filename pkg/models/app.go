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
	"sort"
)

// Owner is the normalized identity of a user that deployed an application.
type Owner struct {
	Sub  string `json:"sub"`
	Iss  string `json:"iss"`
	Name string `json:"name,omitempty"`
}

// App is the observable state of a deployed application. It serves both as
// the return value of read operations and as the persisted task result.
type App struct {
	Services    []Service              `json:"services"`
	Owners      []Owner                `json:"owners,omitempty"`
	UserDefined *UserDefinedParameters `json:"userDefined,omitempty"`
}

// SortServices orders services by name for stable API output.
func (a *App) SortServices() {
	sort.Slice(a.Services, func(i, j int) bool {
		return a.Services[i].ServiceName < a.Services[j].ServiceName
	})
}

// Service returns the service named name, or nil.
func (a *App) Service(name string) *Service {
	for i := range a.Services {
		if a.Services[i].ServiceName == name {
			return &a.Services[i]
		}
	}
	return nil
}

// NormalizeOwners deduplicates owners by (sub, iss) and sorts them.
func NormalizeOwners(owners []Owner) []Owner {
	type key struct{ sub, iss string }
	seen := map[key]struct{}{}
	normalized := make([]Owner, 0, len(owners))
	for _, o := range owners {
		k := key{o.Sub, o.Iss}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		normalized = append(normalized, o)
	}
	sort.Slice(normalized, func(i, j int) bool {
		if normalized[i].Iss != normalized[j].Iss {
			return normalized[i].Iss < normalized[j].Iss
		}
		return normalized[i].Sub < normalized[j].Sub
	})
	return normalized
}
