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
)

// ContainerType classifies how a service entered an application.
type ContainerType string

const (
	// ContainerTypeInstance is a service requested by the user.
	ContainerTypeInstance ContainerType = "instance"
	// ContainerTypeReplica is a service copied from a base application.
	ContainerTypeReplica ContainerType = "replica"
	// ContainerTypeApplicationCompanion is an auxiliary service attached
	// to the whole application.
	ContainerTypeApplicationCompanion ContainerType = "app-companion"
	// ContainerTypeServiceCompanion is an auxiliary service attached to a
	// single user service.
	ContainerTypeServiceCompanion ContainerType = "service-companion"
)

// OrderIndex determines deployment order on reconcile: companions are
// applied before instances and replicas.
func (t ContainerType) OrderIndex() int {
	switch t {
	case ContainerTypeApplicationCompanion:
		return 0
	case ContainerTypeServiceCompanion:
		return 1
	default:
		return 2
	}
}

// ParseContainerType converts the label value used on both backends.
func ParseContainerType(s string) (ContainerType, error) {
	switch ContainerType(s) {
	case ContainerTypeInstance, ContainerTypeReplica,
		ContainerTypeApplicationCompanion, ContainerTypeServiceCompanion:
		return ContainerType(s), nil
	case "":
		return ContainerTypeInstance, nil
	}
	return "", fmt.Errorf("invalid container type %q, expected instance, replica, app-companion, or service-companion", s)
}

func (t ContainerType) String() string {
	return string(t)
}

// UnmarshalJSON validates the type while decoding.
func (t *ContainerType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseContainerType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
