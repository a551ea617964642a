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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/pkg/errors"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

func workloadLabels(unit *DeploymentUnit, service *DeployableService) map[string]string {
	labels := map[string]string{
		AppNameLabel:       unit.AppName.String(),
		ServiceNameLabel:   service.ServiceName,
		ContainerTypeLabel: service.ContainerType.String(),
	}
	for k, v := range service.Labels {
		labels[k] = v
	}
	return labels
}

func workloadAnnotations(unit *DeploymentUnit, service *DeployableService) map[string]string {
	annotations := map[string]string{
		imageAnnotation:    service.Image.String(),
		statusIDAnnotation: unit.StatusID.String(),
	}
	if replicated := replicatedEnvLabelValue(service.Env); replicated != "" {
		annotations[replicatedEnvAnnotation] = replicated
	}
	return annotations
}

func fileSecretName(serviceName string) string {
	return fmt.Sprintf("%s-files", serviceName)
}

// fileSecretPayload stores the service's file mounts in a Secret so they can
// be projected into the pod as volume items.
func fileSecretPayload(namespace string, service *DeployableService) *corev1.Secret {
	data := make(map[string][]byte, len(service.Files))
	for mountPath, content := range service.Files {
		data[fileSecretKey(mountPath)] = []byte(content)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fileSecretName(service.ServiceName),
			Namespace: namespace,
			Labels:    map[string]string{ServiceNameLabel: service.ServiceName},
		},
		Data: data,
	}
}

// fileSecretKey flattens a mount path into a legal Secret data key.
func fileSecretKey(mountPath string) string {
	key := make([]rune, 0, len(mountPath))
	for _, r := range mountPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			key = append(key, r)
		default:
			key = append(key, '_')
		}
	}
	return string(key)
}

// imagePullSecretPayload builds a kubernetes.io/dockerconfigjson secret for
// a registry with configured credentials.
func imagePullSecretPayload(namespace, host string, registry config.Registry) (*corev1.Secret, error) {
	dockerConfig := map[string]any{
		"auths": map[string]any{
			host: map[string]string{
				"username": registry.Username,
				"password": registry.Password,
				"auth":     base64.StdEncoding.EncodeToString([]byte(registry.Username + ":" + registry.Password)),
			},
		},
	}
	data, err := json.Marshal(dockerConfig)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode registry credentials")
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("registry-%s", fileSecretKey(host)),
			Namespace: namespace,
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: data},
	}, nil
}

func deploymentPayload(namespace string, unit *DeploymentUnit, service *DeployableService, limits DeploymentLimits, pullSecret string) *appsv1.Deployment {
	replicas := int32(1)
	labels := workloadLabels(unit, service)

	container := corev1.Container{
		Name:  service.ServiceName,
		Image: service.Image.String(),
		Ports: []corev1.ContainerPort{{ContainerPort: int32(service.Port)}},
	}
	for _, variable := range service.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: variable.Key, Value: variable.Value})
	}
	if limits.MemoryBytes > 0 {
		container.Resources = corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: *resource.NewQuantity(limits.MemoryBytes, resource.BinarySI),
			},
		}
	}

	podSpec := corev1.PodSpec{}
	if len(service.Files) > 0 {
		mountPaths := make([]string, 0, len(service.Files))
		for mountPath := range service.Files {
			mountPaths = append(mountPaths, mountPath)
		}
		sort.Strings(mountPaths)

		volume := corev1.Volume{
			Name: "service-files",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: fileSecretName(service.ServiceName)},
			},
		}
		for _, mountPath := range mountPaths {
			container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
				Name:      "service-files",
				MountPath: mountPath,
				SubPath:   fileSecretKey(mountPath),
			})
		}
		podSpec.Volumes = append(podSpec.Volumes, volume)
	}
	for _, declared := range service.DeclaredVolumes {
		name := fmt.Sprintf("declared-%s", fileSecretKey(path.Base(declared)))
		podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
			Name:         name,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      name,
			MountPath: declared,
		})
	}
	podSpec.Containers = []corev1.Container{container}
	if pullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: pullSecret}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        service.ServiceName,
			Namespace:   namespace,
			Labels:      labels,
			Annotations: workloadAnnotations(unit, service),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{ServiceNameLabel: service.ServiceName},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

func servicePayload(namespace string, appName models.AppName, service *DeployableService) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      service.ServiceName,
			Namespace: namespace,
			Labels: map[string]string{
				AppNameLabel:     appName.String(),
				ServiceNameLabel: service.ServiceName,
			},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{ServiceNameLabel: service.ServiceName},
			Ports: []corev1.ServicePort{{
				Port:       int32(service.Port),
				TargetPort: intstr.FromInt(service.Port),
			}},
		},
	}
}

// middlewareResource addresses Traefik's Middleware custom resource, the
// counterpart of the <namespace>-<name>@kubernetescrd references on the
// ingress annotation.
var middlewareResource = schema.GroupVersionResource{
	Group:    "traefik.containo.us",
	Version:  "v1alpha1",
	Resource: "middlewares",
}

func middlewarePayload(namespace string, appName models.AppName, middleware TraefikMiddleware) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": middlewareResource.Group + "/" + middlewareResource.Version,
		"kind":       "Middleware",
		"metadata": map[string]any{
			"name":      middleware.Name,
			"namespace": namespace,
			"labels": map[string]any{
				AppNameLabel: appName.String(),
			},
		},
		"spec": unstructuredValue(middleware.Spec),
	}}
}

// unstructuredValue deep converts a middleware spec into the generic types
// unstructured objects require ([]any and map[string]any all the way down).
func unstructuredValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		converted := make(map[string]any, len(typed))
		for k, v := range typed {
			converted[k] = unstructuredValue(v)
		}
		return converted
	case []string:
		converted := make([]any, 0, len(typed))
		for _, item := range typed {
			converted = append(converted, item)
		}
		return converted
	case []any:
		converted := make([]any, 0, len(typed))
		for _, item := range typed {
			converted = append(converted, unstructuredValue(item))
		}
		return converted
	default:
		return typed
	}
}

func ingressPayload(namespace string, appName models.AppName, service *DeployableService) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	annotations := map[string]string{
		"traefik.ingress.kubernetes.io/router.rule": service.IngressRoute.Rule,
	}
	if len(service.IngressRoute.Middlewares) > 0 {
		names := make([]string, 0, len(service.IngressRoute.Middlewares))
		for _, middleware := range service.IngressRoute.Middlewares {
			names = append(names, fmt.Sprintf("%s-%s@kubernetescrd", namespace, middleware.Name))
		}
		annotations["traefik.ingress.kubernetes.io/router.middlewares"] = strings.Join(names, ",")
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      service.ServiceName,
			Namespace: namespace,
			Labels: map[string]string{
				AppNameLabel:     appName.String(),
				ServiceNameLabel: service.ServiceName,
			},
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     fmt.Sprintf("/%s/%s/", appName, service.ServiceName),
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: service.ServiceName,
									Port: networkingv1.ServiceBackendPort{Number: int32(service.Port)},
								},
							},
						}},
					},
				},
			}},
		},
	}
}
