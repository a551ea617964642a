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

package infrastructure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixigo/prevant/pkg/models"
)

func testUnit(t *testing.T, serviceName string) (*DeploymentUnit, *DeployableService) {
	t.Helper()
	image, err := models.ParseImage("nginx:1.25")
	require.NoError(t, err)

	service := &DeployableService{
		ServiceConfig: models.ServiceConfig{
			ServiceName:   serviceName,
			Image:         image,
			ContainerType: models.ContainerTypeInstance,
			Port:          80,
			Env: models.Environment{
				{Key: "API_URL", Value: "http://backend", Replicate: true},
				{Key: "LOG_LEVEL", Value: "info"},
			},
			Files: map[string]string{
				"/etc/nginx/nginx.conf": "worker_processes 1;",
			},
		},
		IngressRoute: ServiceRoute("master", serviceName, nil),
	}
	unit := &DeploymentUnit{
		StatusID: models.NewAppStatusChangeID(),
		AppName:  "master",
		Services: []DeployableService{*service},
	}
	return unit, service
}

func TestDeploymentPayload(t *testing.T) {
	unit, service := testUnit(t, "nginx")

	deployment := deploymentPayload("master", unit, service, DeploymentLimits{MemoryBytes: 512 * 1024 * 1024}, "")

	assert.Equal(t, "nginx", deployment.Name)
	assert.Equal(t, "master", deployment.Labels[AppNameLabel])
	assert.Equal(t, "nginx", deployment.Labels[ServiceNameLabel])
	assert.Equal(t, "instance", deployment.Labels[ContainerTypeLabel])
	assert.Equal(t, "docker.io/library/nginx:1.25", deployment.Annotations[imageAnnotation])
	assert.Contains(t, deployment.Annotations[replicatedEnvAnnotation], "API_URL")
	assert.NotContains(t, deployment.Annotations[replicatedEnvAnnotation], "LOG_LEVEL")

	require.Len(t, deployment.Spec.Template.Spec.Containers, 1)
	container := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "docker.io/library/nginx:1.25", container.Image)
	assert.Len(t, container.Env, 2)
	require.Len(t, container.VolumeMounts, 1)
	assert.Equal(t, "/etc/nginx/nginx.conf", container.VolumeMounts[0].MountPath)
	assert.Equal(t, "_etc_nginx_nginx.conf", container.VolumeMounts[0].SubPath)
	assert.Equal(t, int64(512*1024*1024), container.Resources.Limits.Memory().Value())
}

func TestDeploymentPayloadPullSecret(t *testing.T) {
	unit, service := testUnit(t, "nginx")
	deployment := deploymentPayload("master", unit, service, DeploymentLimits{}, "registry-example.com")
	require.Len(t, deployment.Spec.Template.Spec.ImagePullSecrets, 1)
	assert.Equal(t, "registry-example.com", deployment.Spec.Template.Spec.ImagePullSecrets[0].Name)
}

func TestFileSecretPayload(t *testing.T) {
	_, service := testUnit(t, "nginx")
	secret := fileSecretPayload("master", service)
	assert.Equal(t, "nginx-files", secret.Name)
	assert.Equal(t, []byte("worker_processes 1;"), secret.Data["_etc_nginx_nginx.conf"])
}

func TestIngressPayload(t *testing.T) {
	_, service := testUnit(t, "nginx")
	ingress := ingressPayload("master", "master", service)

	assert.Equal(t, "PathPrefix(`/master/nginx/`)", ingress.Annotations["traefik.ingress.kubernetes.io/router.rule"])
	assert.Equal(t, "master-master-nginx-middleware@kubernetescrd", ingress.Annotations["traefik.ingress.kubernetes.io/router.middlewares"])
	require.Len(t, ingress.Spec.Rules, 1)
	paths := ingress.Spec.Rules[0].HTTP.Paths
	require.Len(t, paths, 1)
	assert.Equal(t, "/master/nginx/", paths[0].Path)
	assert.Equal(t, int32(80), paths[0].Backend.Service.Port.Number)
}

func TestDockerContainerLabels(t *testing.T) {
	unit, service := testUnit(t, "nginx")
	labels := containerLabels(unit, service)

	assert.Equal(t, "master", labels[AppNameLabel])
	assert.Equal(t, "nginx", labels[ServiceNameLabel])
	assert.Equal(t, "instance", labels[ContainerTypeLabel])
	assert.Equal(t, "docker.io/library/nginx:1.25", labels[ImageLabel])
	assert.Equal(t, unit.StatusID.String(), labels[StatusIDLabel])
	assert.Contains(t, labels[ReplicatedEnvLabel], "API_URL")

	assert.Equal(t, "true", labels["traefik.enable"])
	assert.Equal(t, "PathPrefix(`/master/nginx/`)", labels["traefik.http.routers.master-nginx.rule"])
	assert.Equal(t, "master-nginx-middleware", labels["traefik.http.routers.master-nginx.middlewares"])
	assert.Equal(t, "/master/nginx", labels["traefik.http.middlewares.master-nginx-middleware.stripPrefix.prefixes"])
	assert.Equal(t, "80", labels["traefik.http.services.master-nginx.loadbalancer.server.port"])
}
