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

package config

import (
	"fmt"
	"regexp"
)

// AppSelector is an anchored regular expression selecting application names.
// The zero value matches every application.
type AppSelector struct {
	pattern *regexp.Regexp
}

// NewAppSelector compiles pattern as a fully anchored expression.
func NewAppSelector(pattern string) (AppSelector, error) {
	re, err := regexp.Compile(fmt.Sprintf("^(%s)$", pattern))
	if err != nil {
		return AppSelector{}, fmt.Errorf("invalid app selector %q: %w", pattern, err)
	}
	return AppSelector{pattern: re}, nil
}

// Matches reports whether the selector selects appName. The zero selector
// matches everything.
func (s AppSelector) Matches(appName string) bool {
	if s.pattern == nil {
		return true
	}
	return s.pattern.MatchString(appName)
}

// UnmarshalText lets TOML decode selectors from plain strings.
func (s *AppSelector) UnmarshalText(text []byte) error {
	selector, err := NewAppSelector(string(text))
	if err != nil {
		return err
	}
	*s = selector
	return nil
}
