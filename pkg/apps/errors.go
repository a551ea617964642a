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

package apps

import (
	"errors"

	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/models"
	"github.com/aixigo/prevant/pkg/registry"
	"github.com/aixigo/prevant/pkg/templating"
)

// Stable error codes recorded with task results so the HTTP layer can map
// failures to responses long after the causing error value is gone.
const (
	CodeInvalidAppName    = "apps.invalid-name"
	CodeAppLimitExceeded  = "apps.limit-exceeded"
	CodeImageNotFound     = "registry.image-not-found"
	CodeRegistryAuth      = "registry.unauthorized"
	CodeInvalidHook       = "deployment.invalid-hook"
	CodeInvalidTemplate   = "deployment.invalid-template"
	CodeInternal          = "internal"
)

func errorCode(err error) string {
	var invalidName *models.InvalidAppNameError
	var limit *AppLimitExceededError
	var notFound *registry.NotFoundError
	var auth *registry.AuthError
	var hook *deployment.InvalidDeploymentHookError
	var template *templating.InvalidTemplateError

	switch {
	case errors.As(err, &invalidName):
		return CodeInvalidAppName
	case errors.As(err, &limit):
		return CodeAppLimitExceeded
	case errors.As(err, &notFound):
		return CodeImageNotFound
	case errors.As(err, &auth):
		return CodeRegistryAuth
	case errors.As(err, &hook):
		return CodeInvalidHook
	case errors.As(err, &template):
		return CodeInvalidTemplate
	}
	return CodeInternal
}
