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
	"github.com/google/uuid"
)

// AppStatusChangeID identifies one enqueued task. Clients poll task results
// by this id.
type AppStatusChangeID string

// NewAppStatusChangeID allocates a fresh random id.
func NewAppStatusChangeID() AppStatusChangeID {
	return AppStatusChangeID(uuid.NewString())
}

// ParseAppStatusChangeID validates an id received from a client.
func ParseAppStatusChangeID(s string) (AppStatusChangeID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return AppStatusChangeID(id.String()), nil
}

func (id AppStatusChangeID) String() string {
	return string(id)
}
