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
	"sort"
	"strings"
)

// EnvironmentVariable is a single env entry of a service. Templated values
// are rendered by the templating pass before deployment. Replicate values
// are carried verbatim into applications replicated from this one.
type EnvironmentVariable struct {
	Key       string
	Value     string
	Templated bool
	Replicate bool

	// OriginalValue keeps the pre-rendering value of a templated variable
	// so that replication can re-render it in the new application context.
	OriginalValue string
}

// WithValue returns a copy carrying value and remembering the previous value
// as OriginalValue.
func (v EnvironmentVariable) WithValue(value string) EnvironmentVariable {
	original := v.OriginalValue
	if original == "" {
		original = v.Value
	}
	return EnvironmentVariable{
		Key:           v.Key,
		Value:         value,
		Templated:     v.Templated,
		Replicate:     v.Replicate,
		OriginalValue: original,
	}
}

// Original returns the variable reset to its pre-rendering value.
func (v EnvironmentVariable) Original() EnvironmentVariable {
	value := v.Value
	if v.OriginalValue != "" {
		value = v.OriginalValue
	}
	return EnvironmentVariable{
		Key:       v.Key,
		Value:     value,
		Templated: v.Templated,
		Replicate: v.Replicate,
	}
}

// Environment is an ordered list of environment variables.
type Environment []EnvironmentVariable

// Variable returns the variable named key, or nil.
func (e Environment) Variable(key string) *EnvironmentVariable {
	for i := range e {
		if e[i].Key == key {
			return &e[i]
		}
	}
	return nil
}

type environmentVariablePayload struct {
	Value     string `json:"value"`
	Templated bool   `json:"templated"`
	Replicate bool   `json:"replicate"`
}

// UnmarshalJSON accepts the three payload shapes of the API: an object of
// key to string value, an object of key to {value, templated, replicate},
// and an array of "KEY=VALUE" strings.
func (e *Environment) UnmarshalJSON(data []byte) error {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make(Environment, 0, len(obj))
		for _, key := range keys {
			entry := obj[key]
			var value string
			if err := json.Unmarshal(entry, &value); err == nil {
				values = append(values, EnvironmentVariable{Key: key, Value: value})
				continue
			}
			var payload environmentVariablePayload
			if err := json.Unmarshal(entry, &payload); err != nil {
				return fmt.Errorf("invalid env value payload for %s: %w", key, err)
			}
			values = append(values, EnvironmentVariable{
				Key:       key,
				Value:     payload.Value,
				Templated: payload.Templated,
				Replicate: payload.Replicate,
			})
		}
		*e = values
		return nil
	case strings.HasPrefix(trimmed, "["):
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("invalid environment payload: payload must be an array of strings: %w", err)
		}
		values := make(Environment, 0, len(list))
		for _, item := range list {
			key, value, found := strings.Cut(item, "=")
			if !found {
				return fmt.Errorf("invalid env value payload: key and value must be separated by equal sign")
			}
			values = append(values, EnvironmentVariable{Key: key, Value: value})
		}
		*e = values
		return nil
	default:
		return fmt.Errorf("invalid environment payload")
	}
}

// MarshalJSON renders the object shape, keeping templated/replicate flags
// where they are set.
func (e Environment) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e))
	for _, v := range e {
		if v.Templated || v.Replicate {
			obj[v.Key] = environmentVariablePayload{
				Value:     v.Value,
				Templated: v.Templated,
				Replicate: v.Replicate,
			}
			continue
		}
		obj[v.Key] = v.Value
	}
	return json.Marshal(obj)
}
