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
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

// EnvChecksumLabel records a digest of the declared environment at create
// time. The inspected container config mixes declared variables with image
// defaults, so removals are only detectable through this label.
const EnvChecksumLabel = "com.aixigo.preview.servant.env-checksum"

// DockerInfrastructure reconciles applications against a Docker daemon.
// Each application gets its own bridge network named "<app>-net"; services
// join it with their service name as alias so peers can resolve each other.
type DockerInfrastructure struct {
	client client.APIClient
}

var _ Infrastructure = &DockerInfrastructure{}

// NewDockerInfrastructure connects to the daemon using the environment's
// settings (DOCKER_HOST et al).
func NewDockerInfrastructure() (*DockerInfrastructure, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "cannot create docker client")
	}
	return &DockerInfrastructure{client: cli}, nil
}

// NewDockerInfrastructureWithClient is used by tests.
func NewDockerInfrastructureWithClient(cli client.APIClient) *DockerInfrastructure {
	return &DockerInfrastructure{client: cli}
}

func networkName(appName models.AppName) string {
	return fmt.Sprintf("%s-net", appName)
}

// FetchApps implements Infrastructure.
func (d *DockerInfrastructure) FetchApps(ctx context.Context) (map[models.AppName]*models.App, error) {
	containers, err := d.listManagedContainers(ctx, filters.NewArgs(filters.Arg("label", AppNameLabel)))
	if err != nil {
		return nil, err
	}

	apps := map[models.AppName]*models.App{}
	for i := range containers {
		service, err := serviceFromContainer(&containers[i])
		if err != nil {
			klog.Warningf("skipping container %s: %s", containers[i].ID, err)
			continue
		}
		d.hydrateStartedAt(ctx, service)
		app, ok := apps[service.AppName]
		if !ok {
			app = &models.App{}
			apps[service.AppName] = app
		}
		app.Services = append(app.Services, *service)
	}
	for _, app := range apps {
		app.SortServices()
	}
	return apps, nil
}

// FetchApp implements Infrastructure.
func (d *DockerInfrastructure) FetchApp(ctx context.Context, appName models.AppName) (*models.App, error) {
	containers, err := d.listAppContainers(ctx, appName)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, nil
	}

	app := &models.App{}
	for i := range containers {
		service, err := serviceFromContainer(&containers[i])
		if err != nil {
			klog.Warningf("skipping container %s: %s", containers[i].ID, err)
			continue
		}
		d.hydrateStartedAt(ctx, service)
		app.Services = append(app.Services, *service)
	}
	app.SortServices()
	return app, nil
}

// FetchConfigsOfApp implements Infrastructure.
func (d *DockerInfrastructure) FetchConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error) {
	containers, err := d.listAppContainers(ctx, appName)
	if err != nil {
		return nil, err
	}

	var configs []models.ServiceConfig
	for i := range containers {
		service, err := serviceFromContainer(&containers[i])
		if err != nil {
			continue
		}
		// replicas of replicas stay replicas; companions are
		// regenerated from configuration, not replicated
		switch service.ContainerType {
		case models.ContainerTypeInstance, models.ContainerTypeReplica:
			configs = append(configs, service.Config)
		}
	}
	return configs, nil
}

// DeployServices implements Infrastructure.
func (d *DockerInfrastructure) DeployServices(ctx context.Context, unit *DeploymentUnit, limits DeploymentLimits) (*models.App, error) {
	if err := d.ensureNetwork(ctx, unit.AppName); err != nil {
		return nil, err
	}

	for i := range unit.Services {
		if err := d.deployService(ctx, unit, &unit.Services[i], limits); err != nil {
			return nil, err
		}
	}

	return d.FetchApp(ctx, unit.AppName)
}

// StopServices implements Infrastructure.
func (d *DockerInfrastructure) StopServices(ctx context.Context, appName models.AppName) (*models.App, error) {
	app, err := d.FetchApp(ctx, appName)
	if err != nil {
		return nil, err
	}
	if app == nil {
		app = &models.App{}
	}

	containers, err := d.listAppContainers(ctx, appName)
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if err := d.removeContainer(ctx, c.ID); err != nil {
			return nil, err
		}
	}

	if err := d.client.NetworkRemove(ctx, networkName(appName)); err != nil && !client.IsErrNotFound(err) {
		klog.Warningf("cannot remove network of %s: %s", appName, err)
	}
	return app, nil
}

// ChangeStatus implements Infrastructure.
func (d *DockerInfrastructure) ChangeStatus(ctx context.Context, appName models.AppName, serviceName string, status models.ServiceStatus) (*models.Service, error) {
	c, err := d.findContainer(ctx, appName, serviceName)
	if err != nil || c == nil {
		return nil, err
	}

	switch status {
	case models.ServiceStatusPaused:
		timeout := 10
		if err := d.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			return nil, errors.Wrapf(err, "cannot stop %s/%s", appName, serviceName)
		}
	case models.ServiceStatusRunning:
		if err := d.client.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
			return nil, errors.Wrapf(err, "cannot start %s/%s", appName, serviceName)
		}
	}

	updated, err := d.findContainer(ctx, appName, serviceName)
	if err != nil || updated == nil {
		return nil, err
	}
	service, err := serviceFromContainer(updated)
	if err != nil {
		return nil, err
	}
	d.hydrateStartedAt(ctx, service)
	return service, nil
}

// GetLogs implements Infrastructure.
func (d *DockerInfrastructure) GetLogs(ctx context.Context, appName models.AppName, serviceName string, options LogOptions) (<-chan LogLine, error) {
	c, err := d.findContainer(ctx, appName, serviceName)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.Errorf("service %s/%s not found", appName, serviceName)
	}

	logOptions := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Follow:     options.Follow,
	}
	if !options.Since.IsZero() {
		logOptions.Since = options.Since.Format(time.RFC3339Nano)
	}

	reader, err := d.client.ContainerLogs(ctx, c.ID, logOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot stream logs of %s/%s", appName, serviceName)
	}

	lines := make(chan LogLine)
	go func() {
		defer close(lines)
		defer func() {
			if err := reader.Close(); err != nil {
				klog.V(4).Infof("closing log stream of %s/%s: %s", appName, serviceName, err)
			}
		}()

		demuxed, writer := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(writer, writer, reader)
			_ = writer.CloseWithError(err)
		}()

		delivered := 0
		scanner := bufio.NewScanner(demuxed)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line, ok := parseDockerLogLine(scanner.Text())
			if !ok {
				continue
			}
			// Since is exclusive
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

// HTTPForwarder implements Infrastructure. Requests are delivered directly
// to the container's IP on the application network.
func (d *DockerInfrastructure) HTTPForwarder() HTTPForwarder {
	return &dockerForwarder{docker: d}
}

// BaseTraefikIngressRoute implements Infrastructure. The daemon backend
// discovers no base route; applications are mounted at the proxy root.
func (d *DockerInfrastructure) BaseTraefikIngressRoute(_ context.Context) (*TraefikIngressRoute, error) {
	return nil, nil
}

func (d *DockerInfrastructure) ensureNetwork(ctx context.Context, appName models.AppName) error {
	name := networkName(appName)
	networks, err := d.client.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return errors.Wrap(err, "cannot list networks")
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	_, err = d.client.NetworkCreate(ctx, name, types.NetworkCreate{
		Labels: map[string]string{AppNameLabel: appName.String()},
	})
	return errors.Wrapf(err, "cannot create network %s", name)
}

func (d *DockerInfrastructure) deployService(ctx context.Context, unit *DeploymentUnit, service *DeployableService, limits DeploymentLimits) error {
	existing, err := d.findContainer(ctx, unit.AppName, service.ServiceName)
	if err != nil {
		return err
	}

	if existing != nil {
		if !needsReplacement(existing, service) {
			return nil
		}
		if err := d.removeContainer(ctx, existing.ID); err != nil {
			return err
		}
	}

	imageRef := service.Image.String()
	pull, err := d.client.ImagePull(ctx, imageRef, types.ImagePullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return errors.Wrapf(err, "image %s not found", imageRef)
		}
		return errors.Wrapf(err, "cannot pull %s", imageRef)
	}
	// the pull stream must be drained for the pull to complete
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return errors.Wrapf(err, "cannot pull %s", imageRef)
	}
	if err := pull.Close(); err != nil {
		klog.V(4).Infof("closing pull stream of %s: %s", imageRef, err)
	}

	containerName := fmt.Sprintf("%s-%s", unit.AppName, service.ServiceName)
	containerConfig := &container.Config{
		Image:  imageRef,
		Env:    dockerEnv(service.Env),
		Labels: containerLabels(unit, service),
	}
	hostConfig := &container.HostConfig{}
	if limits.MemoryBytes > 0 {
		hostConfig.Resources = container.Resources{Memory: limits.MemoryBytes}
	}
	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName(unit.AppName): {Aliases: []string{service.ServiceName}},
		},
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, networking, nil, containerName)
	if err != nil {
		return errors.Wrapf(err, "cannot create container for %s/%s", unit.AppName, service.ServiceName)
	}

	if len(service.Files) > 0 {
		archive, err := filesAsTar(service.Files)
		if err != nil {
			return err
		}
		if err := d.client.CopyToContainer(ctx, created.ID, "/", archive, types.CopyToContainerOptions{}); err != nil {
			return errors.Wrapf(err, "cannot copy files into %s/%s", unit.AppName, service.ServiceName)
		}
	}

	if err := d.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "cannot start %s/%s", unit.AppName, service.ServiceName)
	}
	return nil
}

// needsReplacement decides whether the existing container must be replaced.
// Companions honour their deployment strategy; any config difference forces
// a replacement. File contents cannot be read back cheaply, so declared
// files always force one. Environment differences are compared through the
// checksum label written at create time, which also covers variables that
// were removed from the configuration.
func needsReplacement(existing *types.Container, service *DeployableService) bool {
	if service.Strategy == config.DeploymentStrategyRedeployNever {
		return false
	}
	if existing.Labels[ImageLabel] != service.Image.String() {
		return true
	}
	if service.Strategy == config.DeploymentStrategyRedeployOnImageUpdate {
		return false
	}
	if len(service.Files) > 0 {
		return true
	}
	return existing.Labels[EnvChecksumLabel] != envChecksum(service.Env)
}

func (d *DockerInfrastructure) removeContainer(ctx context.Context, id string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrap(err, "cannot stop container")
	}
	if err := d.client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrap(err, "cannot remove container")
	}
	return nil
}

func (d *DockerInfrastructure) listAppContainers(ctx context.Context, appName models.AppName) ([]types.Container, error) {
	return d.listManagedContainers(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", AppNameLabel, appName)),
	))
}

func (d *DockerInfrastructure) listManagedContainers(ctx context.Context, args filters.Args) ([]types.Container, error) {
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list containers")
	}
	return containers, nil
}

func (d *DockerInfrastructure) findContainer(ctx context.Context, appName models.AppName, serviceName string) (*types.Container, error) {
	containers, err := d.listManagedContainers(ctx, filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", AppNameLabel, appName)),
		filters.Arg("label", fmt.Sprintf("%s=%s", ServiceNameLabel, serviceName)),
	))
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

type dockerForwarder struct {
	docker *DockerInfrastructure
}

func (f *dockerForwarder) ForwardGet(ctx context.Context, appName models.AppName, service *models.Service, path string, timeout time.Duration) (int, []byte, error) {
	inspected, err := f.docker.client.ContainerInspect(ctx, service.ID)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "cannot inspect %s/%s", appName, service.ServiceName)
	}

	endpoint, ok := inspected.NetworkSettings.Networks[networkName(appName)]
	if !ok || endpoint.IPAddress == "" {
		return 0, nil, errors.Errorf("service %s/%s has no address on the application network", appName, service.ServiceName)
	}

	url := fmt.Sprintf("http://%s:%d%s", endpoint.IPAddress, service.Config.Port, path)
	response, err := resty.New().
		SetTimeout(timeout).
		R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		return 0, nil, err
	}
	return response.StatusCode(), response.Body(), nil
}

// envChecksum digests the declared environment as sorted key=value lines.
// An empty environment yields the empty string so that the label is simply
// absent.
func envChecksum(env models.Environment) string {
	if len(env) == 0 {
		return ""
	}
	lines := dockerEnv(env)
	sort.Strings(lines)
	digest := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(digest[:])
}

func dockerEnv(env models.Environment) []string {
	if len(env) == 0 {
		return nil
	}
	values := make([]string, 0, len(env))
	for _, variable := range env {
		values = append(values, fmt.Sprintf("%s=%s", variable.Key, variable.Value))
	}
	return values
}

func containerLabels(unit *DeploymentUnit, service *DeployableService) map[string]string {
	labels := map[string]string{
		AppNameLabel:       unit.AppName.String(),
		ServiceNameLabel:   service.ServiceName,
		ContainerTypeLabel: service.ContainerType.String(),
		ImageLabel:         service.Image.String(),
		StatusIDLabel:      unit.StatusID.String(),
	}
	if replicated := replicatedEnvLabelValue(service.Env); replicated != "" {
		labels[ReplicatedEnvLabel] = replicated
	}
	if checksum := envChecksum(service.Env); checksum != "" {
		labels[EnvChecksumLabel] = checksum
	}
	for k, v := range service.Labels {
		labels[k] = v
	}

	if service.IngressRoute != nil {
		router := fmt.Sprintf("%s-%s", unit.AppName, service.ServiceName)
		labels["traefik.enable"] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", router)] = service.IngressRoute.Rule
		labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router)] = fmt.Sprintf("%d", service.Port)

		var names []string
		for _, middleware := range service.IngressRoute.Middlewares {
			names = append(names, middleware.Name)
			prefix := fmt.Sprintf("traefik.http.middlewares.%s", middleware.Name)
			flattenMiddlewareSpec(labels, prefix, middleware.Spec)
		}
		if len(names) > 0 {
			labels[fmt.Sprintf("traefik.http.routers.%s.middlewares", router)] = strings.Join(names, ",")
		}
	}
	return labels
}

// flattenMiddlewareSpec turns a nested middleware spec into dotted Traefik
// label keys; lists become comma separated values.
func flattenMiddlewareSpec(labels map[string]string, prefix string, spec map[string]any) {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		path := fmt.Sprintf("%s.%s", prefix, key)
		switch value := spec[key].(type) {
		case map[string]any:
			flattenMiddlewareSpec(labels, path, value)
		case []string:
			labels[path] = strings.Join(value, ",")
		case []any:
			parts := make([]string, 0, len(value))
			for _, item := range value {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
			labels[path] = strings.Join(parts, ",")
		default:
			labels[path] = fmt.Sprintf("%v", value)
		}
	}
}

// replicatedEnvLabelValue serializes replicate marked env variables so that
// replication can later reconstruct them from container metadata.
func replicatedEnvLabelValue(env models.Environment) string {
	replicated := models.Environment{}
	for _, variable := range env {
		if variable.Replicate {
			replicated = append(replicated, variable.Original())
		}
	}
	if len(replicated) == 0 {
		return ""
	}
	data, err := json.Marshal(replicated)
	if err != nil {
		return ""
	}
	return string(data)
}

func serviceFromContainer(c *types.Container) (*models.Service, error) {
	appName, err := models.NewAppName(c.Labels[AppNameLabel])
	if err != nil {
		return nil, err
	}
	containerType, err := models.ParseContainerType(c.Labels[ContainerTypeLabel])
	if err != nil {
		return nil, err
	}
	image, err := models.ParseImage(c.Labels[ImageLabel])
	if err != nil {
		image, err = models.ParseImage(c.Image)
		if err != nil {
			return nil, err
		}
	}

	status := models.ServiceStatusPaused
	if c.State == "running" {
		status = models.ServiceStatusRunning
	}

	serviceConfig := models.ServiceConfig{
		ServiceName:   c.Labels[ServiceNameLabel],
		Image:         image,
		ContainerType: containerType,
		Port:          models.DefaultServicePort,
	}
	if replicated := c.Labels[ReplicatedEnvLabel]; replicated != "" {
		var env models.Environment
		if err := json.Unmarshal([]byte(replicated), &env); err == nil {
			serviceConfig.Env = env
		}
	}

	return &models.Service{
		ID:            c.ID,
		AppName:       appName,
		ServiceName:   c.Labels[ServiceNameLabel],
		ContainerType: containerType,
		Status:        status,
		StartedAt:     time.Unix(c.Created, 0),
		Config:        serviceConfig,
	}, nil
}

// hydrateStartedAt replaces the container creation time with the process
// start time from inspect, so a restarted container reads as freshly
// started. Listing only exposes Created; the crawler grace window needs the
// actual start.
func (d *DockerInfrastructure) hydrateStartedAt(ctx context.Context, service *models.Service) {
	inspected, err := d.client.ContainerInspect(ctx, service.ID)
	if err != nil || inspected.State == nil {
		return
	}
	startedAt, err := time.Parse(time.RFC3339Nano, inspected.State.StartedAt)
	if err != nil || startedAt.IsZero() {
		return
	}
	service.StartedAt = startedAt
}

func parseDockerLogLine(raw string) (LogLine, bool) {
	timestampPart, message, found := strings.Cut(raw, " ")
	if !found {
		return LogLine{}, false
	}
	timestamp, err := time.Parse(time.RFC3339Nano, timestampPart)
	if err != nil {
		return LogLine{}, false
	}
	return LogLine{Timestamp: timestamp, Message: message}, true
}

func filesAsTar(files map[string]string) (io.Reader, error) {
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		data := []byte(files[path])
		header := &tar.Header{
			Name: strings.TrimPrefix(path, "/"),
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := writer.WriteHeader(header); err != nil {
			return nil, errors.Wrap(err, "cannot write file archive")
		}
		if _, err := writer.Write(data); err != nil {
			return nil, errors.Wrap(err, "cannot write file archive")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "cannot finish file archive")
	}
	return &buf, nil
}
