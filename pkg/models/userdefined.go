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

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// UserDefinedParameters carries opaque JSON submitted alongside a
// deployment. PREvant itself never interprets it; hooks and companion
// templates may.
type UserDefinedParameters struct {
	value any
}

// NewUserDefinedParameters parses raw JSON and optionally validates it
// against schema.
func NewUserDefinedParameters(raw json.RawMessage, schema *gojsonschema.Schema) (*UserDefinedParameters, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.Wrap(err, "invalid user defined parameters")
	}
	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(value))
		if err != nil {
			return nil, err
		}
		if !result.Valid() {
			return nil, errors.Errorf("user defined parameters do not match the configured schema: %v", result.Errors())
		}
	}
	return &UserDefinedParameters{value: value}, nil
}

// Value returns the decoded JSON value.
func (p *UserDefinedParameters) Value() any {
	if p == nil {
		return nil
	}
	return p.value
}

// Merge deep-merges other into p and returns the result: objects merge
// recursively, arrays concatenate, scalars are overwritten by other.
func (p *UserDefinedParameters) Merge(other *UserDefinedParameters) *UserDefinedParameters {
	if p == nil {
		return other
	}
	if other == nil {
		return p
	}

	dst, dstIsMap := p.value.(map[string]any)
	src, srcIsMap := other.value.(map[string]any)
	if dstIsMap && srcIsMap {
		merged := deepCopyJSON(dst).(map[string]any)
		// mergo merges src into dst; WithOverride lets the newer
		// submission win, WithAppendSlice concatenates arrays.
		if err := mergo.Merge(&merged, src, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return other
		}
		return &UserDefinedParameters{value: merged}
	}

	dstList, dstIsList := p.value.([]any)
	srcList, srcIsList := other.value.([]any)
	if dstIsList && srcIsList {
		concat := append(append([]any{}, dstList...), srcList...)
		return &UserDefinedParameters{value: concat}
	}

	return other
}

func deepCopyJSON(v any) any {
	switch value := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(value))
		for k, item := range value {
			c[k] = deepCopyJSON(item)
		}
		return c
	case []any:
		c := make([]any, len(value))
		for i, item := range value {
			c[i] = deepCopyJSON(item)
		}
		return c
	default:
		return value
	}
}

// MarshalJSON renders the raw value.
func (p *UserDefinedParameters) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p.value)
}

// UnmarshalJSON decodes without schema validation; used for task rows read
// back from the queue.
func (p *UserDefinedParameters) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.value)
}
