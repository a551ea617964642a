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
	"regexp"
	"sort"
	"strings"
)

// appNameInvalidChars matches every character that must not occur in an
// application name because the name doubles as network name, namespace and
// URL path segment.
var appNameInvalidChars = regexp.MustCompile(`(\s|/|\.)`)

// AppName identifies an application. It is guaranteed to contain no
// whitespace, slashes or dots.
type AppName string

// InvalidAppNameError reports the characters that made a name unusable.
type InvalidAppNameError struct {
	InvalidChars string
}

func (e *InvalidAppNameError) Error() string {
	return fmt.Sprintf("invalid characters in app name: %q", e.InvalidChars)
}

// NewAppName validates name and returns it as AppName.
func NewAppName(name string) (AppName, error) {
	matches := appNameInvalidChars.FindAllString(name, -1)
	if len(matches) == 0 {
		return AppName(name), nil
	}
	set := map[string]struct{}{}
	for _, m := range matches {
		set[m] = struct{}{}
	}
	chars := make([]string, 0, len(set))
	for c := range set {
		chars = append(chars, c)
	}
	sort.Strings(chars)
	return "", &InvalidAppNameError{InvalidChars: strings.Join(chars, "")}
}

// DefaultAppName is the conventional base application that other
// applications replicate from unless configured otherwise.
const DefaultAppName = AppName("master")

func (a AppName) String() string {
	return string(a)
}

// UnmarshalJSON validates the name while decoding.
func (a *AppName) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, err := NewAppName(raw)
	if err != nil {
		return err
	}
	*a = name
	return nil
}
