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

// Package bcode defines the business error codes returned by the HTTP API.
package bcode

import (
	"errors"
	"fmt"

	restful "github.com/emicklei/go-restful/v3"
	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/apps"
	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/models"
	"github.com/aixigo/prevant/pkg/registry"
	"github.com/aixigo/prevant/pkg/templating"
)

// Bcode is a business error: an HTTP status plus a stable business code.
type Bcode struct {
	HTTPCode     int32  `json:"-"`
	BusinessCode int32  `json:"businessCode"`
	Message      string `json:"message"`
}

func (b *Bcode) Error() string {
	return fmt.Sprintf("HTTPCode:%d BusinessCode:%d Message:%s", b.HTTPCode, b.BusinessCode, b.Message)
}

// WithMessage keeps the codes but carries a request specific message.
func (b *Bcode) WithMessage(message string) *Bcode {
	return &Bcode{HTTPCode: b.HTTPCode, BusinessCode: b.BusinessCode, Message: message}
}

var bcodeMap map[int32]*Bcode

// NewBcode registers a business code. Business codes must be unique.
func NewBcode(httpCode, businessCode int32, message string) *Bcode {
	if bcodeMap == nil {
		bcodeMap = make(map[int32]*Bcode)
	}
	if _, exist := bcodeMap[businessCode]; exist {
		panic("bcode business code already exists")
	}
	bcode := &Bcode{HTTPCode: httpCode, BusinessCode: businessCode, Message: message}
	bcodeMap[businessCode] = bcode
	return bcode
}

var (
	// ErrServer is the catch-all internal error.
	ErrServer = NewBcode(500, 500, "The service has lapsed.")

	// ErrInvalidAppName rejects app names with forbidden characters.
	ErrInvalidAppName = NewBcode(400, 40001, "Invalid application name")
	// ErrInvalidServicePayload rejects malformed service configurations.
	ErrInvalidServicePayload = NewBcode(400, 40002, "Invalid service configuration payload")
	// ErrInvalidStatusChangeID rejects malformed status change ids.
	ErrInvalidStatusChangeID = NewBcode(400, 40003, "Invalid status change id")
	// ErrInvalidServiceStatus rejects unknown service states.
	ErrInvalidServiceStatus = NewBcode(400, 40004, "Invalid service state, expected running or paused")
	// ErrInvalidUserDefinedPayload rejects user defined parameters failing
	// schema validation.
	ErrInvalidUserDefinedPayload = NewBcode(400, 40005, "Invalid user defined parameters")

	// ErrAppNotFound is returned for unknown applications.
	ErrAppNotFound = NewBcode(404, 40401, "Application not found")
	// ErrServiceNotFound is returned for unknown services.
	ErrServiceNotFound = NewBcode(404, 40402, "Service not found")
	// ErrStatusChangeNotFound is returned for unknown status change ids.
	ErrStatusChangeNotFound = NewBcode(404, 40403, "Status change not found")

	// ErrAppLimitExceeded is returned when the application maximum is hit.
	ErrAppLimitExceeded = NewBcode(409, 40901, "Application limit exceeded")

	// ErrImageNotFound is returned when a requested image does not exist.
	ErrImageNotFound = NewBcode(404, 40404, "Image not found in registry")
	// ErrRegistryUnauthorized is returned for registry authentication
	// failures.
	ErrRegistryUnauthorized = NewBcode(500, 50001, "Registry authentication failed")
	// ErrInvalidDeploymentHook is returned when the deployment hook
	// misbehaves.
	ErrInvalidDeploymentHook = NewBcode(500, 50002, "Invalid deployment hook")
	// ErrInvalidTemplateFormat is returned for malformed companion
	// templates.
	ErrInvalidTemplateFormat = NewBcode(400, 40006, "Invalid template format")
)

// FromTaskError maps a recorded task error code back to a business error.
func FromTaskError(code, message string) *Bcode {
	switch code {
	case apps.CodeInvalidAppName:
		return ErrInvalidAppName.WithMessage(message)
	case apps.CodeAppLimitExceeded:
		return ErrAppLimitExceeded.WithMessage(message)
	case apps.CodeImageNotFound:
		return ErrImageNotFound.WithMessage(message)
	case apps.CodeRegistryAuth:
		return ErrRegistryUnauthorized.WithMessage(message)
	case apps.CodeInvalidHook:
		return ErrInvalidDeploymentHook.WithMessage(message)
	case apps.CodeInvalidTemplate:
		return ErrInvalidTemplateFormat.WithMessage(message)
	}
	return ErrServer.WithMessage(message)
}

// FromError maps domain errors to business errors.
func FromError(err error) *Bcode {
	var bcode *Bcode
	if errors.As(err, &bcode) {
		return bcode
	}

	var invalidName *models.InvalidAppNameError
	var limit *apps.AppLimitExceededError
	var notFound *registry.NotFoundError
	var auth *registry.AuthError
	var hook *deployment.InvalidDeploymentHookError
	var template *templating.InvalidTemplateError

	switch {
	case errors.As(err, &invalidName):
		return ErrInvalidAppName.WithMessage(err.Error())
	case errors.As(err, &limit):
		return ErrAppLimitExceeded.WithMessage(err.Error())
	case errors.As(err, &notFound):
		return ErrImageNotFound.WithMessage(err.Error())
	case errors.As(err, &auth):
		return ErrRegistryUnauthorized.WithMessage(err.Error())
	case errors.As(err, &hook):
		return ErrInvalidDeploymentHook.WithMessage(err.Error())
	case errors.As(err, &template):
		return ErrInvalidTemplateFormat.WithMessage(err.Error())
	}
	return nil
}

// ReturnError writes a unified error response for any error type.
func ReturnError(_ *restful.Request, res *restful.Response, err error) {
	if bcode := FromError(err); bcode != nil {
		if err := res.WriteHeaderAndEntity(int(bcode.HTTPCode), bcode); err != nil {
			klog.Errorf("write entity failure: %s", err)
		}
		return
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		if err := res.WriteHeaderAndEntity(400, Bcode{HTTPCode: 400, BusinessCode: 400, Message: err.Error()}); err != nil {
			klog.Errorf("write entity failure: %s", err)
		}
		return
	}

	var restfulerr restful.ServiceError
	if errors.As(err, &restfulerr) {
		if err := res.WriteHeaderAndEntity(restfulerr.Code, Bcode{HTTPCode: int32(restfulerr.Code), BusinessCode: int32(restfulerr.Code), Message: restfulerr.Message}); err != nil {
			klog.Errorf("write entity failure: %s", err)
		}
		return
	}

	klog.Errorf("unexpected business error: %s", err)
	if err := res.WriteHeaderAndEntity(500, ErrServer); err != nil {
		klog.Errorf("write entity failure: %s", err)
	}
}
