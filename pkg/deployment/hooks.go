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

package deployment

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"github.com/aixigo/prevant/pkg/models"
)

// hookBudget caps the wall clock time one hook evaluation may consume.
const hookBudget = 500 * time.Millisecond

// InvalidDeploymentHookError reports that the configured deployment hook
// misbehaved: it threw, timed out, or returned something other than a list.
type InvalidDeploymentHookError struct {
	Cause string
}

func (e *InvalidDeploymentHookError) Error() string {
	return fmt.Sprintf("invalid deployment hook: %s", e.Cause)
}

// Hook evaluates a user supplied JavaScript deploymentHook function against
// the assembled service list. The hook may filter services and adjust env
// and files; identity fields (name, type, image) are immutable and entries
// whose identity changed are dropped.
type Hook struct {
	script string
}

// LoadHook reads the hook script from disk.
func LoadHook(path string) (*Hook, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read deployment hook %s", path)
	}
	return &Hook{script: string(script)}, nil
}

// NewHook creates a hook from an inline script. Used by tests.
func NewHook(script string) *Hook {
	return &Hook{script: script}
}

type hookIdentity struct {
	name          string
	containerType models.ContainerType
	image         string
}

// Apply runs the hook and matches its output back to the input services.
func (h *Hook) Apply(appName models.AppName, services []models.ServiceConfig) ([]models.ServiceConfig, error) {
	vm := goja.New()

	timer := time.AfterFunc(hookBudget, func() {
		vm.Interrupt("deployment hook exceeded its time budget")
	})
	defer timer.Stop()

	if _, err := vm.RunString(h.script); err != nil {
		return nil, &InvalidDeploymentHookError{Cause: err.Error()}
	}
	hookFn, ok := goja.AssertFunction(vm.Get("deploymentHook"))
	if !ok {
		return nil, &InvalidDeploymentHookError{Cause: "script does not define a deploymentHook function"}
	}

	payload := make([]map[string]any, len(services))
	for i := range services {
		payload[i] = hookPayload(&services[i])
	}

	result, err := hookFn(goja.Undefined(), vm.ToValue(appName.String()), vm.ToValue(payload))
	if err != nil {
		return nil, &InvalidDeploymentHookError{Cause: err.Error()}
	}

	exported, ok := result.Export().([]any)
	if !ok {
		return nil, &InvalidDeploymentHookError{Cause: "deploymentHook did not return a list"}
	}

	outputs := map[hookIdentity]map[string]any{}
	for _, entry := range exported {
		object, ok := entry.(map[string]any)
		if !ok {
			return nil, &InvalidDeploymentHookError{Cause: "deploymentHook returned a non-object entry"}
		}
		containerType, err := models.ParseContainerType(stringField(object, "type"))
		if err != nil {
			continue
		}
		identity := hookIdentity{
			name:          stringField(object, "name"),
			containerType: containerType,
			image:         stringField(object, "image"),
		}
		outputs[identity] = object
	}

	// entries whose identity changed have no matching input and are
	// dropped together with the inputs they replaced
	retained := make([]models.ServiceConfig, 0, len(services))
	for i := range services {
		service := services[i]
		identity := hookIdentity{
			name:          service.ServiceName,
			containerType: service.ContainerType,
			image:         service.Image.String(),
		}
		object, ok := outputs[identity]
		if !ok {
			continue
		}
		applyHookMutations(&service, object)
		retained = append(retained, service)
	}
	return retained, nil
}

func hookPayload(service *models.ServiceConfig) map[string]any {
	env := map[string]string{}
	for _, variable := range service.Env {
		env[variable.Key] = variable.Value
	}
	files := map[string]string{}
	for path, data := range service.Files {
		files[path] = data
	}
	return map[string]any{
		"name":  service.ServiceName,
		"image": service.Image.String(),
		"type":  service.ContainerType.String(),
		"env":   env,
		"files": files,
	}
}

// applyHookMutations adopts the hook's env and files for a retained service.
func applyHookMutations(service *models.ServiceConfig, object map[string]any) {
	if rawEnv, ok := object["env"].(map[string]any); ok {
		env := make(models.Environment, 0, len(rawEnv))
		keys := make([]string, 0, len(rawEnv))
		for key := range rawEnv {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := fmt.Sprintf("%v", rawEnv[key])
			if existing := service.Env.Variable(key); existing != nil {
				env = append(env, existing.WithValue(value))
				continue
			}
			env = append(env, models.EnvironmentVariable{Key: key, Value: value})
		}
		service.Env = env
	}

	if rawFiles, ok := object["files"].(map[string]any); ok {
		files := make(map[string]string, len(rawFiles))
		for path, data := range rawFiles {
			files[path] = fmt.Sprintf("%v", data)
		}
		service.Files = files
	}
}

func stringField(object map[string]any, key string) string {
	value, _ := object[key].(string)
	return value
}
