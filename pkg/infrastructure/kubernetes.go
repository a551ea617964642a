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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

// Annotation keys for metadata whose values are not legal Kubernetes label
// values (image references contain slashes and colons).
const (
	imageAnnotation         = ImageLabel
	replicatedEnvAnnotation = ReplicatedEnvLabel
	statusIDAnnotation      = StatusIDLabel
)

// KubernetesInfrastructure reconciles each application into its own
// namespace: one Deployment, Service and Ingress per deployable service.
type KubernetesInfrastructure struct {
	client        kubernetes.Interface
	dynamicClient dynamic.Interface
	restClient    rest.Interface
	cfg           *config.Config
}

var _ Infrastructure = &KubernetesInfrastructure{}

// kubernetesRestConfig resolves cluster access: an explicitly configured
// runtime endpoint wins, then in-cluster config, then the default kubeconfig
// resolution.
func kubernetesRestConfig(cfg *config.Config) (*rest.Config, error) {
	if cfg != nil && cfg.Runtime.Endpoint != "" {
		restConfig := &rest.Config{
			Host:        cfg.Runtime.Endpoint,
			BearerToken: cfg.Runtime.Token,
		}
		if cfg.Runtime.CertPath != "" {
			restConfig.TLSClientConfig = rest.TLSClientConfig{CAFile: cfg.Runtime.CertPath}
		}
		return restConfig, nil
	}
	restConfig, err := rest.InClusterConfig()
	if err == nil {
		return restConfig, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, nil).ClientConfig()
	return restConfig, errors.Wrap(err, "cannot load kubernetes config")
}

// NewKubernetesInfrastructure builds a backend from the configured runtime
// endpoint, falling back to in-cluster and kubeconfig resolution.
func NewKubernetesInfrastructure(cfg *config.Config) (*KubernetesInfrastructure, error) {
	restConfig, err := kubernetesRestConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create kubernetes client")
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create dynamic kubernetes client")
	}
	return &KubernetesInfrastructure{
		client:        client,
		dynamicClient: dynamicClient,
		restClient:    client.CoreV1().RESTClient(),
		cfg:           cfg,
	}, nil
}

// NewKubernetesInfrastructureWithClient is used by tests.
func NewKubernetesInfrastructureWithClient(client kubernetes.Interface, dynamicClient dynamic.Interface, cfg *config.Config) *KubernetesInfrastructure {
	return &KubernetesInfrastructure{client: client, dynamicClient: dynamicClient, cfg: cfg}
}

// FetchApps implements Infrastructure.
func (k *KubernetesInfrastructure) FetchApps(ctx context.Context) (map[models.AppName]*models.App, error) {
	namespaces, err := k.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: AppNameLabel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list namespaces")
	}

	apps := map[models.AppName]*models.App{}
	for i := range namespaces.Items {
		appName, err := models.NewAppName(namespaces.Items[i].Labels[AppNameLabel])
		if err != nil {
			continue
		}
		app, err := k.fetchAppFromNamespace(ctx, appName, namespaces.Items[i].Name)
		if err != nil {
			return nil, err
		}
		if app != nil {
			apps[appName] = app
		}
	}
	return apps, nil
}

// FetchApp implements Infrastructure.
func (k *KubernetesInfrastructure) FetchApp(ctx context.Context, appName models.AppName) (*models.App, error) {
	namespace, err := k.findNamespace(ctx, appName)
	if err != nil || namespace == "" {
		return nil, err
	}
	return k.fetchAppFromNamespace(ctx, appName, namespace)
}

// FetchConfigsOfApp implements Infrastructure.
func (k *KubernetesInfrastructure) FetchConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error) {
	app, err := k.FetchApp(ctx, appName)
	if err != nil || app == nil {
		return nil, err
	}
	var configs []models.ServiceConfig
	for _, service := range app.Services {
		switch service.ContainerType {
		case models.ContainerTypeInstance, models.ContainerTypeReplica:
			configs = append(configs, service.Config)
		}
	}
	return configs, nil
}

// DeployServices implements Infrastructure.
func (k *KubernetesInfrastructure) DeployServices(ctx context.Context, unit *DeploymentUnit, limits DeploymentLimits) (*models.App, error) {
	namespace := unit.AppName.String()
	if err := k.ensureNamespace(ctx, unit.AppName, namespace); err != nil {
		return nil, err
	}

	for i := range unit.Services {
		service := &unit.Services[i]
		if service.Strategy == config.DeploymentStrategyRedeployNever {
			existing, err := k.client.AppsV1().Deployments(namespace).Get(ctx, service.ServiceName, metav1.GetOptions{})
			if err == nil && existing != nil {
				continue
			}
		}
		if err := k.applyService(ctx, namespace, unit, service, limits); err != nil {
			return nil, err
		}
	}

	return k.fetchAppFromNamespace(ctx, unit.AppName, namespace)
}

// StopServices implements Infrastructure.
func (k *KubernetesInfrastructure) StopServices(ctx context.Context, appName models.AppName) (*models.App, error) {
	namespace, err := k.findNamespace(ctx, appName)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		return &models.App{}, nil
	}

	app, err := k.fetchAppFromNamespace(ctx, appName, namespace)
	if err != nil {
		return nil, err
	}
	if err := k.client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, errors.Wrapf(err, "cannot delete namespace of %s", appName)
	}
	if app == nil {
		app = &models.App{}
	}
	return app, nil
}

// ChangeStatus implements Infrastructure. Services are paused by scaling
// their deployment to zero replicas.
func (k *KubernetesInfrastructure) ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) (*models.Service, error) {
	namespace, err := k.findNamespace(ctx, appName)
	if err != nil || namespace == "" {
		return nil, err
	}

	deployment, err := k.client.AppsV1().Deployments(namespace).Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "cannot read deployment %s/%s", appName, serviceName)
	}

	replicas := int32(0)
	if status == models.ServiceStatusRunning {
		replicas = 1
	}
	deployment.Spec.Replicas = &replicas
	updated, err := k.client.AppsV1().Deployments(namespace).Update(ctx, deployment, metav1.UpdateOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot scale %s/%s", appName, serviceName)
	}

	service, err := k.serviceFromDeployment(ctx, appName, namespace, updated)
	if err != nil {
		return nil, err
	}
	return service, nil
}

// GetLogs implements Infrastructure.
func (k *KubernetesInfrastructure) GetLogs(ctx context.Context, appName models.AppName, serviceName string, options LogOptions) (<-chan LogLine, error) {
	namespace, err := k.findNamespace(ctx, appName)
	if err != nil {
		return nil, err
	}
	if namespace == "" {
		return nil, errors.Errorf("application %s not found", appName)
	}

	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ServiceNameLabel, serviceName),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list pods of %s/%s", appName, serviceName)
	}
	if len(pods.Items) == 0 {
		return nil, errors.Errorf("service %s/%s not found", appName, serviceName)
	}
	pod := pods.Items[0]

	logOptions := &corev1.PodLogOptions{
		Timestamps: true,
		Follow:     options.Follow,
	}
	if !options.Since.IsZero() {
		since := metav1.NewTime(options.Since)
		logOptions.SinceTime = &since
	}

	stream, err := k.client.CoreV1().Pods(namespace).GetLogs(pod.Name, logOptions).Stream(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot stream logs of %s/%s", appName, serviceName)
	}

	lines := make(chan LogLine)
	go func() {
		defer close(lines)
		defer func() {
			if err := stream.Close(); err != nil {
				klog.V(4).Infof("closing log stream of %s/%s: %s", appName, serviceName, err)
			}
		}()

		delivered := 0
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line, ok := parseDockerLogLine(scanner.Text())
			if !ok {
				continue
			}
			if !options.Since.IsZero() && !line.Timestamp.After(options.Since) {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
			delivered++
			if options.Limit > 0 && delivered >= options.Limit {
				return
			}
		}
	}()
	return lines, nil
}

// HTTPForwarder implements Infrastructure. Requests travel through the API
// server's service proxy, so PREvant needs no route into pod networks.
func (k *KubernetesInfrastructure) HTTPForwarder() HTTPForwarder {
	return &kubernetesForwarder{k8s: k}
}

// BaseTraefikIngressRoute implements Infrastructure. The route is read from
// the Traefik rule annotation of the ingress serving PREvant itself.
func (k *KubernetesInfrastructure) BaseTraefikIngressRoute(ctx context.Context) (*TraefikIngressRoute, error) {
	ingresses, err := k.client.NetworkingV1().Ingresses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: "app.kubernetes.io/name=prevant",
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list ingresses")
	}
	for i := range ingresses.Items {
		rule, ok := ingresses.Items[i].Annotations["traefik.ingress.kubernetes.io/router.rule"]
		if ok && rule != "" {
			return &TraefikIngressRoute{Rule: rule}, nil
		}
	}
	return nil, nil
}

func (k *KubernetesInfrastructure) findNamespace(ctx context.Context, appName models.AppName) (string, error) {
	namespaces, err := k.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", AppNameLabel, appName),
	})
	if err != nil {
		return "", errors.Wrap(err, "cannot list namespaces")
	}
	if len(namespaces.Items) == 0 {
		return "", nil
	}
	return namespaces.Items[0].Name, nil
}

func (k *KubernetesInfrastructure) ensureNamespace(ctx context.Context, appName models.AppName, namespace string) error {
	_, err := k.client.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errors.Wrapf(err, "cannot read namespace %s", namespace)
	}
	_, err = k.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{AppNameLabel: appName.String()},
		},
	}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return errors.Wrapf(err, "cannot create namespace %s", namespace)
}

func (k *KubernetesInfrastructure) applyService(ctx context.Context, namespace string, unit *DeploymentUnit, service *DeployableService, limits DeploymentLimits) error {
	if len(service.Files) > 0 {
		secret := fileSecretPayload(namespace, service)
		if err := k.upsertSecret(ctx, namespace, secret); err != nil {
			return err
		}
	}

	pullSecret := ""
	if k.cfg != nil {
		if registry, ok := k.cfg.RegistryCredentials(service.Image.RegistryHost()); ok && registry.Username != "" {
			secret, err := imagePullSecretPayload(namespace, service.Image.RegistryHost(), registry)
			if err != nil {
				return err
			}
			if err := k.upsertSecret(ctx, namespace, secret); err != nil {
				return err
			}
			pullSecret = secret.Name
		}
	}

	deployment := deploymentPayload(namespace, unit, service, limits, pullSecret)
	if err := k.upsertDeployment(ctx, namespace, deployment); err != nil {
		return err
	}

	svc := servicePayload(namespace, unit.AppName, service)
	if err := k.upsertService(ctx, namespace, svc); err != nil {
		return err
	}

	if service.IngressRoute != nil {
		// the middlewares must exist before the ingress references them
		// as <namespace>-<name>@kubernetescrd
		for _, middleware := range service.IngressRoute.Middlewares {
			payload := middlewarePayload(namespace, unit.AppName, middleware)
			if err := k.upsertMiddleware(ctx, namespace, payload); err != nil {
				return err
			}
		}
		ingress := ingressPayload(namespace, unit.AppName, service)
		if err := k.upsertIngress(ctx, namespace, ingress); err != nil {
			return err
		}
	}
	return nil
}

func (k *KubernetesInfrastructure) upsertSecret(ctx context.Context, namespace string, secret *corev1.Secret) error {
	_, err := k.client.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = k.client.CoreV1().Secrets(namespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "cannot apply secret %s", secret.Name)
}

func (k *KubernetesInfrastructure) upsertDeployment(ctx context.Context, namespace string, deployment *appsv1.Deployment) error {
	_, err := k.client.AppsV1().Deployments(namespace).Create(ctx, deployment, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = k.client.AppsV1().Deployments(namespace).Update(ctx, deployment, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "cannot apply deployment %s", deployment.Name)
}

func (k *KubernetesInfrastructure) upsertService(ctx context.Context, namespace string, svc *corev1.Service) error {
	existing, err := k.client.CoreV1().Services(namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = k.client.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
		return errors.Wrapf(err, "cannot create service %s", svc.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "cannot read service %s", svc.Name)
	}
	svc.ResourceVersion = existing.ResourceVersion
	svc.Spec.ClusterIP = existing.Spec.ClusterIP
	_, err = k.client.CoreV1().Services(namespace).Update(ctx, svc, metav1.UpdateOptions{})
	return errors.Wrapf(err, "cannot update service %s", svc.Name)
}

func (k *KubernetesInfrastructure) upsertMiddleware(ctx context.Context, namespace string, middleware *unstructured.Unstructured) error {
	middlewares := k.dynamicClient.Resource(middlewareResource).Namespace(namespace)
	_, err := middlewares.Create(ctx, middleware, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := middlewares.Get(ctx, middleware.GetName(), metav1.GetOptions{})
		if getErr != nil {
			return errors.Wrapf(getErr, "cannot read middleware %s", middleware.GetName())
		}
		middleware.SetResourceVersion(existing.GetResourceVersion())
		_, err = middlewares.Update(ctx, middleware, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "cannot apply middleware %s", middleware.GetName())
}

func (k *KubernetesInfrastructure) upsertIngress(ctx context.Context, namespace string, ingress *networkingv1.Ingress) error {
	_, err := k.client.NetworkingV1().Ingresses(namespace).Create(ctx, ingress, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = k.client.NetworkingV1().Ingresses(namespace).Update(ctx, ingress, metav1.UpdateOptions{})
	}
	return errors.Wrapf(err, "cannot apply ingress %s", ingress.Name)
}

func (k *KubernetesInfrastructure) fetchAppFromNamespace(ctx context.Context, appName models.AppName, namespace string) (*models.App, error) {
	deployments, err := k.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: AppNameLabel,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list deployments of %s", appName)
	}
	if len(deployments.Items) == 0 {
		return nil, nil
	}

	app := &models.App{}
	for i := range deployments.Items {
		service, err := k.serviceFromDeployment(ctx, appName, namespace, &deployments.Items[i])
		if err != nil {
			klog.Warningf("skipping deployment %s/%s: %s", namespace, deployments.Items[i].Name, err)
			continue
		}
		app.Services = append(app.Services, *service)
	}
	app.SortServices()
	return app, nil
}

func (k *KubernetesInfrastructure) serviceFromDeployment(ctx context.Context, appName models.AppName, namespace string, deployment *appsv1.Deployment) (*models.Service, error) {
	containerType, err := models.ParseContainerType(deployment.Labels[ContainerTypeLabel])
	if err != nil {
		return nil, err
	}
	image, err := models.ParseImage(deployment.Annotations[imageAnnotation])
	if err != nil {
		return nil, err
	}

	status := models.ServiceStatusPaused
	if deployment.Spec.Replicas != nil && *deployment.Spec.Replicas > 0 {
		status = models.ServiceStatusRunning
	}

	startedAt := deployment.CreationTimestamp.Time
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", ServiceNameLabel, deployment.Name),
	})
	if err == nil {
		for i := range pods.Items {
			if start := pods.Items[i].Status.StartTime; start != nil {
				startedAt = start.Time
			}
		}
	}

	serviceConfig := models.ServiceConfig{
		ServiceName:   deployment.Name,
		Image:         image,
		ContainerType: containerType,
		Port:          models.DefaultServicePort,
	}
	if replicated := deployment.Annotations[replicatedEnvAnnotation]; replicated != "" {
		var env models.Environment
		if err := json.Unmarshal([]byte(replicated), &env); err == nil {
			serviceConfig.Env = env
		}
	}

	return &models.Service{
		ID:            string(deployment.UID),
		AppName:       appName,
		ServiceName:   deployment.Name,
		ContainerType: containerType,
		Status:        status,
		StartedAt:     startedAt,
		Config:        serviceConfig,
	}, nil
}

type kubernetesForwarder struct {
	k8s *KubernetesInfrastructure
}

func (f *kubernetesForwarder) ForwardGet(ctx context.Context, appName models.AppName, service *models.Service, path string, timeout time.Duration) (int, []byte, error) {
	namespace, err := f.k8s.findNamespace(ctx, appName)
	if err != nil {
		return 0, nil, err
	}
	if namespace == "" {
		return 0, nil, errors.Errorf("application %s not found", appName)
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var statusCode int
	result := f.k8s.restClient.Get().
		Namespace(namespace).
		Resource("services").
		Name(fmt.Sprintf("%s:%d", service.ServiceName, service.Config.Port)).
		SubResource("proxy").
		Suffix(strings.TrimPrefix(path, "/")).
		Do(requestCtx).
		StatusCode(&statusCode)
	body, err := result.Raw()
	if err != nil && statusCode == 0 {
		return 0, nil, err
	}
	return statusCode, body, nil
}
