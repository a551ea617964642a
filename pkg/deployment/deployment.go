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

// Package deployment assembles the full set of deployable services for an
// application: requested services, replicas of a base application,
// configured companions, secrets, resolved image metadata and rendered
// templates, finally filtered through the optional deployment hook.
package deployment

import (
	"context"
	"sort"

	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
	"github.com/aixigo/prevant/pkg/registry"
	"github.com/aixigo/prevant/pkg/templating"
)

// ConfigsFetcher reads the service configurations of a deployed
// application; used for replication. Satisfied by every backend.
type ConfigsFetcher interface {
	FetchConfigsOfApp(ctx context.Context, appName models.AppName) ([]models.ServiceConfig, error)
}

// ImageResolver resolves image manifests to exposed ports and declared
// volumes. Satisfied by registry.ImagesService.
type ImageResolver interface {
	ResolveImageInfos(ctx context.Context, images []models.Image) (map[string]*registry.ImageInfo, error)
}

// Request carries everything a single create-or-update deployment needs.
type Request struct {
	StatusID      models.AppStatusChangeID
	AppName       models.AppName
	Services      []models.ServiceConfig
	ReplicateFrom *models.AppName
	Owners        []models.Owner
	UserDefined   *models.UserDefinedParameters
}

// Builder turns deployment requests into deployment units.
type Builder struct {
	cfg     *config.Config
	images  ImageResolver
	configs ConfigsFetcher
	hook    *Hook
}

// NewBuilder wires a builder. hook may be nil when no deployment hook is
// configured.
func NewBuilder(cfg *config.Config, images ImageResolver, configs ConfigsFetcher, hook *Hook) *Builder {
	return &Builder{cfg: cfg, images: images, configs: configs, hook: hook}
}

// entry tracks one service through the build together with its bookkeeping
// that is not part of the service configuration itself.
type entry struct {
	config        *models.ServiceConfig
	strategy      config.DeploymentStrategy
	sourceService string
	volumes       []string
}

// Build runs the assembly algorithm and returns the ordered deployment
// unit.
func (b *Builder) Build(ctx context.Context, request *Request) (*infrastructure.DeploymentUnit, error) {
	entries := make([]*entry, 0, len(request.Services))
	for i := range request.Services {
		serviceConfig := request.Services[i].Clone()
		if serviceConfig.ContainerType == "" {
			serviceConfig.ContainerType = models.ContainerTypeInstance
		}
		entries = append(entries, &entry{
			config:   serviceConfig,
			strategy: config.DeploymentStrategyRedeployAlways,
		})
	}

	replicas, err := b.synthesizeReplicas(ctx, request, entries)
	if err != nil {
		return nil, err
	}
	entries = append(entries, replicas...)

	b.injectSecrets(request.AppName, entries)

	entries, err = b.expandCompanions(request.AppName, entries)
	if err != nil {
		return nil, err
	}

	if err := b.resolveImages(ctx, entries); err != nil {
		return nil, err
	}

	entries, err = b.renderTemplates(request.AppName, entries)
	if err != nil {
		return nil, err
	}

	entries, err = b.applyHook(request.AppName, entries)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].config.ContainerType.OrderIndex() < entries[j].config.ContainerType.OrderIndex()
	})

	unit := &infrastructure.DeploymentUnit{
		StatusID:    request.StatusID,
		AppName:     request.AppName,
		Owners:      models.NormalizeOwners(request.Owners),
		UserDefined: request.UserDefined,
	}
	for _, e := range entries {
		unit.Services = append(unit.Services, infrastructure.DeployableService{
			ServiceConfig:   *e.config,
			Strategy:        e.strategy,
			DeclaredVolumes: e.volumes,
			IngressRoute:    infrastructure.RouteForService(request.AppName, e.config),
		})
	}
	return unit, nil
}

// synthesizeReplicas clones the configs of the replication source that the
// request does not override, keeping only replicate marked env variables.
func (b *Builder) synthesizeReplicas(ctx context.Context, request *Request, entries []*entry) ([]*entry, error) {
	if b.cfg.Applications.ReplicationCondition == config.ReplicationNever {
		return nil, nil
	}

	var source models.AppName
	switch {
	case request.ReplicateFrom != nil:
		source = *request.ReplicateFrom
	case b.cfg.Applications.ReplicationCondition == config.ReplicationAlwaysFromDefaultApp:
		source = models.AppName(b.cfg.Applications.DefaultApp)
	default:
		return nil, nil
	}
	if source == request.AppName {
		return nil, nil
	}

	configs, err := b.configs.FetchConfigsOfApp(ctx, source)
	if err != nil {
		return nil, err
	}

	requested := map[string]struct{}{}
	for _, e := range entries {
		requested[e.config.ServiceName] = struct{}{}
	}

	var replicas []*entry
	for i := range configs {
		if _, ok := requested[configs[i].ServiceName]; ok {
			continue
		}
		replica := configs[i].Clone()
		replica.ContainerType = models.ContainerTypeReplica

		replicated := models.Environment{}
		for _, variable := range replica.Env {
			if variable.Replicate {
				replicated = append(replicated, variable)
			}
		}
		replica.Env = replicated

		replicas = append(replicas, &entry{
			config:   replica,
			strategy: config.DeploymentStrategyRedeployAlways,
		})
	}
	return replicas, nil
}

// injectSecrets mounts configured secrets into matching services. Files
// from the request take precedence over configured secrets.
func (b *Builder) injectSecrets(appName models.AppName, entries []*entry) {
	for _, e := range entries {
		secrets := b.cfg.ServiceSecrets(appName, e.config.ServiceName)
		if len(secrets) == 0 {
			continue
		}
		if e.config.Files == nil {
			e.config.Files = map[string]string{}
		}
		for path, data := range secrets {
			if _, ok := e.config.Files[path]; !ok {
				e.config.Files[path] = data
			}
		}
	}
}

// expandCompanions materializes configured companions. A service companion
// whose rendered name collides with an existing service is merged into it
// instead, with the existing service taking precedence.
func (b *Builder) expandCompanions(appName models.AppName, entries []*entry) ([]*entry, error) {
	byName := map[string]*entry{}
	for _, e := range entries {
		byName[e.config.ServiceName] = e
	}

	for _, companion := range b.cfg.ApplicationCompanions(appName) {
		companionConfig := companion.ServiceConfig(models.ContainerTypeApplicationCompanion)
		if existing, ok := byName[companionConfig.ServiceName]; ok {
			existing.config.Merge(companionConfig)
			continue
		}
		e := &entry{config: companionConfig, strategy: companionStrategy(&companion)}
		entries = append(entries, e)
		byName[companionConfig.ServiceName] = e
	}

	userServices := make([]*entry, 0, len(entries))
	for _, e := range entries {
		switch e.config.ContainerType {
		case models.ContainerTypeInstance, models.ContainerTypeReplica:
			userServices = append(userServices, e)
		}
	}

	for _, companion := range b.cfg.ServiceCompanions(appName) {
		for _, service := range userServices {
			companionConfig := companion.ServiceConfig(models.ContainerTypeServiceCompanion)

			params := &templating.Parameters{
				AppName: appName,
				Service: &templating.ServiceParameter{
					Name: service.config.ServiceName,
					Port: service.config.Port,
					Type: service.config.ContainerType,
				},
			}
			name, err := templating.RenderString(companionConfig.ServiceName, params)
			if err != nil {
				return nil, err
			}
			companionConfig.ServiceName = name

			if existing, ok := byName[name]; ok {
				existing.config.Merge(companionConfig)
				continue
			}
			e := &entry{
				config:        companionConfig,
				strategy:      companionStrategy(&companion),
				sourceService: service.config.ServiceName,
			}
			entries = append(entries, e)
			byName[name] = e
		}
	}
	return entries, nil
}

func companionStrategy(companion *config.Companion) config.DeploymentStrategy {
	if companion.DeploymentStrategy == "" {
		return config.DeploymentStrategyRedeployAlways
	}
	return companion.DeploymentStrategy
}

// resolveImages assigns exposed ports and declared volumes from the image
// manifests. Digest referenced images are not resolvable and keep their
// current port.
func (b *Builder) resolveImages(ctx context.Context, entries []*entry) error {
	images := make([]models.Image, 0, len(entries))
	for _, e := range entries {
		images = append(images, e.config.Image)
	}

	infos, err := b.images.ResolveImageInfos(ctx, images)
	if err != nil {
		return err
	}

	for _, e := range entries {
		info, ok := infos[e.config.Image.String()]
		if !ok {
			continue
		}
		if info.ExposedPort > 0 {
			e.config.Port = info.ExposedPort
		}
		e.volumes = info.DeclaredVolumes
	}
	return nil
}

// renderTemplates runs the templating pass. Application companions see the
// full service list, service companions the service they were generated
// from, and request entries with templated env values see the application.
func (b *Builder) renderTemplates(appName models.AppName, entries []*entry) ([]*entry, error) {
	var services []templating.ServiceParameter
	for _, e := range entries {
		switch e.config.ContainerType {
		case models.ContainerTypeInstance, models.ContainerTypeReplica:
			services = append(services, templating.ServiceParameter{
				Name: e.config.ServiceName,
				Port: e.config.Port,
				Type: e.config.ContainerType,
			})
		}
	}
	byName := map[string]*entry{}
	for _, e := range entries {
		byName[e.config.ServiceName] = e
	}

	for _, e := range entries {
		params := &templating.Parameters{AppName: appName}
		switch e.config.ContainerType {
		case models.ContainerTypeApplicationCompanion:
			params.Services = services
		case models.ContainerTypeServiceCompanion:
			if source, ok := byName[e.sourceService]; ok {
				params.Service = &templating.ServiceParameter{
					Name: source.config.ServiceName,
					Port: source.config.Port,
					Type: source.config.ContainerType,
				}
			}
		}

		rendered, err := templating.RenderConfig(e.config, params)
		if err != nil {
			return nil, err
		}
		e.config = rendered
	}
	return entries, nil
}

// applyHook filters the assembled list through the configured deployment
// hook.
func (b *Builder) applyHook(appName models.AppName, entries []*entry) ([]*entry, error) {
	if b.hook == nil {
		return entries, nil
	}

	configs := make([]models.ServiceConfig, len(entries))
	for i, e := range entries {
		configs[i] = *e.config
	}

	retained, err := b.hook.Apply(appName, configs)
	if err != nil {
		return nil, err
	}
	if len(retained) < len(entries) {
		klog.V(2).Infof("deployment hook dropped %d of %d services of %s", len(entries)-len(retained), len(entries), appName)
	}

	byIdentity := map[hookIdentity]*entry{}
	for _, e := range entries {
		byIdentity[hookIdentity{
			name:          e.config.ServiceName,
			containerType: e.config.ContainerType,
			image:         e.config.Image.String(),
		}] = e
	}

	result := make([]*entry, 0, len(retained))
	for i := range retained {
		identity := hookIdentity{
			name:          retained[i].ServiceName,
			containerType: retained[i].ContainerType,
			image:         retained[i].Image.String(),
		}
		e, ok := byIdentity[identity]
		if !ok {
			continue
		}
		e.config = &retained[i]
		result = append(result, e)
	}
	return result, nil
}
